package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/backend"
)

// BackendOptions holds flags for the backend command.
type BackendOptions struct {
	*RootOptions
	Addr    string
	CartID  string
	Latency time.Duration
	Fail    []string // method=outcome fallbacks

	// Ready receives the listening address (tests).
	Ready func(addr string)
}

// NewBackendCommand creates the backend command.
func NewBackendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run an in-memory cart backend over HTTP",
		Long: `Run an authoritative in-memory cart behind the JSON protocol that
the http backend mode speaks, for local development against "serve".

--fail sets the outcome of every call of a server action (ok, error or
reject), e.g. --fail addToCart=error to exercise rollback.

Example:
  cartsync backend --addr :9090 --latency 300ms --fail updateQuantity=error`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&opts.CartID, "cart-id", "", "cart ID to report (default cart-1)")
	cmd.Flags().DurationVar(&opts.Latency, "latency", 0, "delay every call by this much")
	cmd.Flags().StringSliceVar(&opts.Fail, "fail", nil, "method=outcome fallback, repeatable")

	return cmd
}

// parseFallbacks parses "method=outcome" pairs.
func parseFallbacks(pairs []string) (map[backend.Method]backend.Outcome, error) {
	out := make(map[backend.Method]backend.Outcome, len(pairs))
	for _, pair := range pairs {
		m, o, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --fail %q: want method=outcome", pair)
		}
		method := backend.Method(m)
		switch method {
		case backend.MethodAdd, backend.MethodUpdate, backend.MethodRemove, backend.MethodGet:
		default:
			return nil, fmt.Errorf("invalid --fail %q: unknown method %q", pair, m)
		}
		outcome := backend.Outcome(o)
		switch outcome {
		case backend.OutcomeOK, backend.OutcomeError, backend.OutcomeReject:
		default:
			return nil, fmt.Errorf("invalid --fail %q: unknown outcome %q", pair, o)
		}
		out[method] = outcome
	}
	return out, nil
}

func runBackend(opts *BackendOptions, cmd *cobra.Command) error {
	fallbacks, err := parseFallbacks(opts.Fail)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), loggerConfig(opts.RootOptions), opts.Verbose)

	memOpts := []backend.MemoryOption{
		backend.WithMemoryLogger(logger),
		backend.WithLatency(opts.Latency),
	}
	if opts.CartID != "" {
		memOpts = append(memOpts, backend.WithCartID(opts.CartID))
	}
	mem := backend.NewMemory(memOpts...)
	for m, o := range fallbacks {
		mem.SetFallback(m, o)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           backend.NewHandler(mem, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("serving in-memory backend", "addr", addr, "latency", opts.Latency)
	fmt.Fprintf(cmd.OutOrStdout(), "Backend listening on %s. Press Ctrl-C to stop.\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error draining HTTP server", "error", err)
	}
	logger.Info("backend stopped", "calls", len(mem.Calls()), "version", mem.Snapshot().Version)
	return runErr
}
