package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/bodies"
	"github.com/seantiz/forge/internal/conduit/distributed"
	"github.com/seantiz/forge/internal/config"
	"github.com/seantiz/forge/internal/sample"
	"github.com/seantiz/forge/internal/worker"
)

const (
	defaultListen = "tcp://:7070"
	envListen     = "FORGE_WORKER_LISTEN"
)

type options struct {
	listen    string
	heartbeat time.Duration
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := options{listen: defaultListen}
	if v := os.Getenv(envListen); v != "" {
		opts.listen = v
	}

	cmd := &cobra.Command{
		Use:   "forge-worker",
		Short: "Serve forge sample bodies to a distributed engine",
		Long: `Serve the reference sample bodies over the forge worker protocol.

The listen address takes the same forms as the engine's worker list:
  tcp://host:port
  unix:///path/to/socket
  vsock://cid:port (an empty cid listens on any context id)`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.listen, "listen", "l", opts.listen, "Address to listen on (env "+envListen+")")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", worker.DefaultHeartbeatInterval, "Interval between heartbeats sent to the engine")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	return cmd
}

// serve runs the agent until ctx is done, then closes the listener and waits
// for in-flight samples.
func serve(ctx context.Context, opts options) error {
	cfg := config.Default()
	cfg.Log.Level = opts.logLevel
	logger := config.NewLogger(os.Stderr, cfg.LogLevel())

	addr, err := distributed.ParseAddr(opts.listen)
	if err != nil {
		return err
	}
	l, err := distributed.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return run(ctx, l, logger, opts.heartbeat)
}

func run(ctx context.Context, l net.Listener, logger *slog.Logger, heartbeat time.Duration) error {
	reg := sample.NewRegistry()
	bodies.Register(reg)

	agent := worker.New(l, reg, logger, heartbeat)
	logger.Info("forge-worker listening", "addr", l.Addr().String(), "bodies", reg.Names())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	if err := agent.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("forge-worker stopped")
	return nil
}
