package server

import "time"

// Config holds the server's process-level options (spec.md §6
// "Configuration").
type Config struct {
	Host string
	Port int

	// Middle enables middle-mode rendezvous: instead of introducing two
	// peers to each other directly, the server redirects the initiator
	// through a proxied session toward Cirrus (spec.md §4.6).
	Middle bool
	// Cirrus is the upstream server address middle mode proxies toward.
	// Required when Middle is true.
	Cirrus string

	FreqManage      time.Duration
	KeepAliveServer time.Duration
	KeepAlivePeer   time.Duration
	Verbose         bool

	// MetricsAddr is where the /metrics endpoint listens (SPEC_FULL.md
	// DOMAIN STACK). Empty disables it.
	MetricsAddr string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            1935,
		FreqManage:      2 * time.Second,
		KeepAliveServer: 10 * time.Second,
		KeepAlivePeer:   10 * time.Second,
		MetricsAddr:     ":9090",
	}
}
