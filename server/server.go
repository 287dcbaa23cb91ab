// Package server binds an RTMFP rendezvous (and optional man-in-the-middle)
// endpoint to a UDP socket: it owns the session routing table, drives the
// manage tick, and wires the handshake/rendezvous/middle packages together
// exactly as the standalone packages expect (spec.md §5). Grounded in
// socks.Server's bind-validate-then-serve shape, generalized from a bounded
// TCP accept loop to an unbounded UDP receive loop since RTMFP sessions are
// datagram-addressed rather than connection-addressed.
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cvsouth/rtmfp-go/flow"
	"github.com/cvsouth/rtmfp-go/handshake"
	"github.com/cvsouth/rtmfp-go/middle"
	"github.com/cvsouth/rtmfp-go/peer"
	"github.com/cvsouth/rtmfp-go/rendezvous"
	"github.com/cvsouth/rtmfp-go/session"
	"github.com/cvsouth/rtmfp-go/wire"
	"github.com/cvsouth/rtmfp-go/wire/dh"
)

// Server is one running RTMFP rendezvous endpoint (spec.md §1, §5).
type Server struct {
	Config Config
	Log    *slog.Logger

	registry   *sessionTable
	handshake  *handshake.Manager
	rendezvous *rendezvous.Server
	limiter    *sourceLimiter
	metrics    *metrics
	app        *app

	transport *packetConnTransport

	middleMu sync.Mutex
	target   *peer.Target // the single cirrus target, when Config.Middle

	ready     chan struct{}
	readyOnce sync.Once
	boundAddr net.Addr
}

// New constructs a Server from cfg. Call ListenAndServe to bind and run it.
func New(cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Config:    cfg,
		Log:       log,
		registry:  newSessionTable(),
		limiter:   newSourceLimiter(),
		transport: &packetConnTransport{},
		ready:     make(chan struct{}),
	}

	s.metrics = newMetrics(prometheus.NewRegistry())
	s.app = newApp(s.metrics, log)

	s.handshake = handshake.New(s.transport, log)
	s.handshake.Registry = s.registry
	s.handshake.MiddleHook = s.onMiddleSession

	s.rendezvous = rendezvous.New(s.registry, log)
	s.rendezvous.Cookies = s.handshake
	if cfg.Middle {
		s.rendezvous.Target = s.targetFor
	}
	s.handshake.Rendezvous = s.rendezvous

	return s
}

// packetConnTransport adapts a net.PacketConn, bound later by
// ListenAndServe, to session.Transport/handshake.Manager's send path. The
// indirection lets New wire the Manager and Sessions before the socket
// exists.
type packetConnTransport struct {
	conn net.PacketConn
}

func (t *packetConnTransport) WriteTo(b []byte, addr wire.Address) (int, error) {
	return t.conn.WriteTo(b, &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)})
}

// targetFor resolves the middle-mode Target every rendezvous introduction
// redirects toward (spec.md §4.6). This server proxies to a single
// configured cirrus upstream rather than per-holder targets.
func (s *Server) targetFor(*session.Session) *peer.Target {
	s.middleMu.Lock()
	defer s.middleMu.Unlock()
	return s.target
}

// onMiddleSession is handshake.Manager.MiddleHook: wrap a freshly installed
// session whose cookie carried a middle-mode Target with a middle.Session,
// so its traffic relays toward the real target instead of dispatching to
// app.handle locally (spec.md §4.6).
func (s *Server) onMiddleSession(sess *session.Session, target *peer.Target) {
	if _, err := middle.New(sess, target, s.Log); err != nil {
		s.Log.Error("server: start middle session", "error", err, "target", target.Address.String())
		return
	}
	s.metrics.middleRewrites.WithLabelValues("session-started").Inc()
	s.Log.Info("server: middle session started", "session", sess.NearID, "target", target.Address.String())
}

// resolveCirrusTarget builds the middle-mode Target this server proxies
// toward, from Config.Cirrus (spec.md §4.6, §6 "cirrus").
func resolveCirrusTarget(cirrus string) (*peer.Target, error) {
	host, portStr, err := net.SplitHostPort(cirrus)
	if err != nil {
		return nil, fmt.Errorf("server: parse cirrus address: %w", err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("server: resolve cirrus host %q: %w", host, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("server: parse cirrus port: %w", err)
	}

	kp, err := dh.Generate()
	if err != nil {
		return nil, fmt.Errorf("server: generate middle keypair: %w", err)
	}
	target := &peer.Target{
		Address: wire.Address{IP: ips[0], Port: uint16(port), Public: true},
		DH:      kp,
		Path:    "rtmfp://" + cirrus + "/",
	}
	copy(target.Kp[:], kp.PublicBytes())
	return target, nil
}

// LocalAddr blocks until ListenAndServe has bound its socket, then returns
// its address. Used by tests that need the ephemeral port a Port: 0 config
// resolved to.
func (s *Server) LocalAddr() net.Addr {
	<-s.ready
	return s.boundAddr
}

// ListenAndServe binds the configured UDP socket and runs the receive loop,
// the manage tick, and the metrics HTTP server until ctx is cancelled or a
// fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	defer conn.Close()
	s.transport.conn = conn
	s.boundAddr = conn.LocalAddr()
	s.readyOnce.Do(func() { close(s.ready) })

	s.Log.Info("server: listening", "addr", addr, "middle", s.Config.Middle)

	if s.Config.Middle {
		target, err := resolveCirrusTarget(s.Config.Cirrus)
		if err != nil {
			return err
		}
		s.middleMu.Lock()
		s.target = target
		s.middleMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx, conn) })
	g.Go(func() error { return s.manageLoop(gctx) })
	g.Go(func() error { return s.serveMetrics(gctx) })

	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// receiveLoop reads inbound datagrams and routes each by its scrambled
// session id: id 0 always means the handshake pseudo-session (spec.md
// §4.1, §4.2); anything else is looked up in the routing table.
func (s *Server) receiveLoop(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, session.PacketLimit+64)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: read: %w", err)
		}
		if n < 4 {
			s.metrics.packetsDropped.WithLabelValues("short").Inc()
			continue
		}
		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr := wire.Address{IP: udpAddr.IP, Port: uint16(udpAddr.Port), Public: true}

		packet := append([]byte(nil), buf[:n]...)
		s.dispatch(time.Now(), addr, packet)
	}
}

func (s *Server) dispatch(now time.Time, addr wire.Address, packet []byte) {
	wireID := binary.BigEndian.Uint32(packet[:4])
	encryptedBody := packet[4:]
	realID := wire.UnscrambleID(wireID, encryptedBody)

	if realID == 0 {
		if !s.limiter.Allow(addr.String(), now) {
			s.metrics.cookiesRejected.Inc()
			return
		}
		s.metrics.handshakesStarted.Inc()
		if err := s.handshake.Handle(now, addr, encryptedBody); err != nil {
			s.Log.Debug("server: handshake handle", "error", err, "addr", addr.String())
		}
		return
	}

	sess, ok := s.registry.FindByID(realID)
	if !ok {
		s.metrics.packetsDropped.WithLabelValues("unknown-session").Inc()
		return
	}
	s.ensureAppWired(sess)
	if err := sess.Receive(now, encryptedBody); err != nil {
		s.Log.Debug("server: session receive", "error", err, "session", realID)
	}
}

// ensureAppWired installs app.handle as a plain session's OnMessage
// callback the first time it's routed to. Sessions handshake.Manager hands
// to MiddleHook already have their own OnMessage set by middle.New and are
// left alone.
func (s *Server) ensureAppWired(sess *session.Session) {
	if sess.OnMessage != nil {
		return
	}
	sess.OnMessage = func(f *flow.Flow, msg flow.Message) {
		s.app.handle(sess, f, msg)
	}
}

// manageLoop runs the shared manage tick: per-session lifecycle/retransmit
// bookkeeping, handshake cookie sweeping, rate-limiter sweeping, and
// routing-table reaping (spec.md §4.2, §4.3, §5).
func (s *Server) manageLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.FreqManage)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, sess := range s.registry.Snapshot() {
				sess.Manage(now)
			}
			s.handshake.Sweep(now)
			s.limiter.Sweep(now)
			if removed := s.registry.Reap(); removed > 0 {
				s.Log.Debug("server: reaped dead sessions", "count", removed)
			}
			s.metrics.sessionsLive.Set(float64(s.registry.Count()))
		}
	}
}

// serveMetrics exposes the /metrics endpoint over plain HTTP on
// Config.MetricsAddr, shut down alongside the rest of the server
// (SPEC_FULL.md DOMAIN STACK). A blank MetricsAddr disables it.
func (s *Server) serveMetrics(ctx context.Context) error {
	if s.Config.MetricsAddr == "" {
		<-ctx.Done()
		return nil
	}
	addr := s.Config.MetricsAddr
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: metrics http: %w", err)
		}
		return nil
	}
}
