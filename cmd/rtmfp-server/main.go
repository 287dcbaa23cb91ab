// Command rtmfp-server runs a standalone RTMFP rendezvous (and optional
// man-in-the-middle) endpoint. Flags and environment variables are bound
// the way kgiusti-go-fdo-server/cmd/root.go binds its own, via a single
// cobra root command backed by viper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cvsouth/rtmfp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtmfp-server",
	Short: "RTMFP rendezvous and man-in-the-middle server",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("host", "0.0.0.0", "address to bind the RTMFP UDP socket to")
	flags.Int("port", 1935, "UDP port to bind")
	flags.Bool("middle", false, "run in man-in-the-middle mode, proxying sessions toward --cirrus")
	flags.String("cirrus", "", "upstream RTMFP server address to proxy toward (required with --middle)")
	flags.Duration("freq-manage", 2*time.Second, "interval between session manage ticks")
	flags.Duration("keep-alive-server", 10*time.Second, "server keepalive interval, stored in the config (sessions keep their own fixed keepalive interval)")
	flags.Duration("keep-alive-peer", 10*time.Second, "expected peer keepalive interval, stored in the config (sessions do not read it)")
	flags.String("metrics-addr", ":9090", "address to serve /metrics on (empty disables it)")
	flags.Bool("verbose", false, "enable debug-level wire tracing")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("rtmfp-server: bind flags: %v", err))
	}
	viper.SetEnvPrefix("rtmfp")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, _ []string) error {
	logger, logFile := setupLogging(viper.GetBool("verbose"))
	defer func() { _ = logFile.Close() }()

	cfg := configFromViper()
	if cfg.Middle && cfg.Cirrus == "" {
		return fmt.Errorf("rtmfp-server: --cirrus is required when --middle is set")
	}

	logger.Info("rtmfp-server: starting", "version", Version, "host", cfg.Host, "port", cfg.Port, "middle", cfg.Middle)

	srv := server.New(cfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("rtmfp-server: %w", err)
	}
	logger.Info("rtmfp-server: shut down")
	return nil
}

// configFromViper builds a server.Config from the bound flags/environment,
// matching kgiusti-go-fdo-server/cmd/root.go's rootCmdLoadConfig shape.
func configFromViper() server.Config {
	cfg := server.DefaultConfig()
	cfg.Host = viper.GetString("host")
	cfg.Port = viper.GetInt("port")
	cfg.Middle = viper.GetBool("middle")
	cfg.Cirrus = viper.GetString("cirrus")
	cfg.FreqManage = viper.GetDuration("freq-manage")
	cfg.KeepAliveServer = viper.GetDuration("keep-alive-server")
	cfg.KeepAlivePeer = viper.GetDuration("keep-alive-peer")
	cfg.MetricsAddr = viper.GetString("metrics-addr")
	cfg.Verbose = viper.GetBool("verbose")
	return cfg
}

// setupLogging wires a JSON debug-level handler to a log file truncated at startup
// alongside a text Info-level handler to stdout, the same split
// cmd/tor-client/main.go uses.
func setupLogging(verbose bool) (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("rtmfp-server-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutLevel := slog.LevelInfo
	if verbose {
		stdoutLevel = slog.LevelDebug
	}
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: stdoutLevel})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers, unchanged from
// cmd/tor-client/main.go's handler of the same name.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
