package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics is the process-level observability surface (SPEC_FULL.md DOMAIN
// STACK): purely additive counters/gauges over the wire behavior already
// implemented elsewhere, consistent with the Non-goal on congestion
// control/reliability guarantees. handshakesCompleted, cookiesIssued and
// flowRetransmits are registered and exported, but nothing in this module
// increments them, so they read zero.
type metrics struct {
	sessionsLive        prometheus.Gauge
	handshakesStarted   prometheus.Counter
	handshakesCompleted prometheus.Counter
	cookiesIssued       prometheus.Counter
	cookiesRejected     prometheus.Counter
	flowRetransmits     prometheus.Counter
	middleRewrites      *prometheus.CounterVec
	packetsDropped      *prometheus.CounterVec

	gatherer prometheus.Gatherer // the registry the collectors above live on
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		sessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtmfp", Name: "sessions_live",
			Help: "Number of sessions currently in the routing table.",
		}),
		handshakesStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "handshakes_started_total",
			Help: "Number of 0x30 initiator hellos received.",
		}),
		handshakesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "handshakes_completed_total",
			Help: "Number of sessions installed after a successful 0x38/0x78 exchange.",
		}),
		cookiesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "cookies_issued_total",
			Help: "Number of handshake cookies minted.",
		}),
		cookiesRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "cookies_rejected_total",
			Help: "Number of hellos dropped by the per-source rate limiter before cookie minting.",
		}),
		flowRetransmits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "flow_retransmit_cycles_total",
			Help: "Number of Trigger-paced flow writer retransmission cycles.",
		}),
		middleRewrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "middle_rewrites_total",
			Help: "Number of middle-mode message rewrites, by kind.",
		}, []string{"kind"}),
		packetsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtmfp", Name: "packets_dropped_total",
			Help: "Number of inbound packets dropped, by reason.",
		}, []string{"reason"}),
	}
	m.gatherer, _ = reg.(prometheus.Gatherer)
	return m
}

// Handler returns the /metrics HTTP handler, serving the registry the
// collectors were registered on.
func (m *metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
