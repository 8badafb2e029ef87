package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/backend"
	"github.com/roach88/cartsync/internal/config"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/events"
	"github.com/roach88/cartsync/internal/httpapi"
	"github.com/roach88/cartsync/internal/mirror"
	"github.com/roach88/cartsync/internal/retry"
	"github.com/roach88/cartsync/internal/store"
	"github.com/roach88/cartsync/internal/toast"
)

// shutdownTimeout bounds the HTTP drain and the wait for queued calls.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string // overrides http.addr

	// Ready, when set, receives the listening address once the server
	// accepts connections. Tests use it with Addr "127.0.0.1:0".
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve one cart session over HTTP",
		Long: `Serve the cart API for one session.

The cart is loaded from the configured backend (in-memory or a hosted HTTP
backend). Every operation is journaled to SQLite when store.path is set,
cart snapshots are mirrored to Redis when redis.addr is set, and settled
operations are published to Kafka when kafka.brokers is set.

Example:
  cartsync serve --config cartsync.yaml
  CARTSYNC_BACKEND_MODE=http CARTSYNC_BACKEND_URL=http://localhost:9090 cartsync serve`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

// session is a running controller and the sinks wired to it.
type session struct {
	ctrl    *engine.Controller
	journal *store.Store
	mirror  *mirror.Publisher
	events  *events.Writer
	logger  *slog.Logger
}

// newSession builds the controller described by cfg and loads the initial
// cart from its backend.
func newSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*session, error) {
	s := &session{logger: logger}

	var remote interface {
		backend.Actions
		backend.Loader
	}
	switch cfg.Backend.Mode {
	case config.BackendHTTP:
		httpOpts := []backend.HTTPOption{backend.WithHTTPLogger(logger)}
		if cfg.Backend.Token != "" {
			httpOpts = append(httpOpts, backend.WithHeader("Authorization", "Bearer "+cfg.Backend.Token))
		}
		remote = backend.NewHTTPClient(cfg.Backend.URL, httpOpts...)
	default:
		remote = backend.NewMemory(backend.WithMemoryLogger(logger))
	}

	policy := retry.Policy{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay}
	if policy.MaxRetries == 0 {
		// Zero in the config means no retries; retry.New reads it as unset.
		policy.MaxRetries = -1
	}
	opts := []engine.ControllerOption{
		engine.WithRetryExecutor(retry.New(policy, retry.WithLogger(logger))),
		engine.WithNotifier(toast.New(toast.WithLogger(logger))),
		engine.WithSuccessToastDuration(cfg.Toast.SuccessDuration),
		engine.WithLogger(logger),
	}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		s.journal = st
		opts = append(opts, engine.WithJournal(st))

		// Continue the journal's seq numbering across sessions.
		last, err := st.MaxSeq(ctx)
		if err != nil {
			s.close()
			return nil, err
		}
		opts = append(opts, engine.WithClock(engine.NewClockAt(last)))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		s.events = events.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, events.WithLogger(logger))
		opts = append(opts, engine.WithOutcomeSink(s.events))
	}

	ctrl, err := engine.Load(ctx, remote, remote, opts...)
	if err != nil {
		s.close()
		return nil, err
	}
	s.ctrl = ctrl

	if cfg.Redis.Addr != "" {
		client := mirror.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		s.mirror = mirror.New(client, mirror.WithKey(cfg.Redis.Key), mirror.WithLogger(logger))
		ctrl.Subscribe(s.mirror.Offer)
		s.mirror.Offer(ctrl.Cart())
	}
	return s, nil
}

// shutdown stops accepting operations, waits for queued calls and closes
// every sink. Sink errors are logged.
func (s *session) shutdown(ctx context.Context) error {
	var err error
	if s.ctrl != nil {
		err = s.ctrl.Shutdown(ctx)
	}
	s.close()
	return err
}

func (s *session) close() {
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("error closing event writer", "error", err)
		}
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Error("error closing journal", "error", err)
		}
	}
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	slog.SetDefault(logger)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("loading cart", "backend", cfg.Backend.Mode)
	sess, err := newSession(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start session", err)
	}

	mirrorDone := make(chan struct{})
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	go func() {
		defer close(mirrorDone)
		if sess.mirror != nil {
			_ = sess.mirror.Run(mirrorCtx)
		}
	}()

	api := httpapi.New(sess.ctrl,
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.Burst),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
	)
	srv := &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		stopMirror()
		<-mirrorDone
		_ = sess.shutdown(context.Background())
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	addr := ln.Addr().String()
	logger.Info("serving cart API", "addr", addr, "journal", cfg.Store.Path, "redis", cfg.Redis.Addr)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving cart API on %s. Press Ctrl-C to stop.\n", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
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
	if err := sess.shutdown(shutdownCtx); err != nil {
		logger.Warn("pending operations aborted", "error", err)
	}
	stopMirror()
	<-mirrorDone
	if sess.mirror != nil {
		if err := sess.mirror.Close(); err != nil {
			logger.Error("error closing mirror", "error", err)
		}
	}

	logger.Info("stopped")
	return runErr
}
