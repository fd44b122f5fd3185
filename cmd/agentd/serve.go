package main

import (
	"bufio"
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/agentruns/internal/agent"
	"github.com/flitsinc/agentruns/internal/api"
	"github.com/flitsinc/agentruns/internal/config"
	"github.com/flitsinc/agentruns/internal/eventbus"
	"github.com/flitsinc/agentruns/internal/handlers"
	"github.com/flitsinc/agentruns/internal/metrics"
	"github.com/flitsinc/agentruns/internal/runs"
	"github.com/flitsinc/agentruns/internal/state"
	"github.com/flitsinc/agentruns/internal/tasks"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agentd daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.Default()
	busOpts := []eventbus.Option{eventbus.WithLogger(logger), eventbus.WithMetrics(m)}
	if cfg.Journal {
		busOpts = append(busOpts, eventbus.WithJournal(eventbus.NewSQLiteJournal(db)))
	}
	bus := eventbus.NewBus(busOpts...)

	hs := tasks.NewHandlers()
	if err := handlers.Register(hs, handlers.Options{StepDelay: cfg.StepDelay}); err != nil {
		return err
	}
	registry := runs.NewRegistry(db)
	runner := tasks.NewRunner(registry, bus, hs,
		tasks.WithLogger(logger),
		tasks.WithMetrics(m),
		tasks.WithCancelGrace(cfg.CancelGrace),
	)
	svc := agent.New(registry, bus, runner, agent.WithLogger(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.RecoverOrphans(ctx); err != nil {
		return err
	}

	apiServer := &api.Server{
		Service:   svc,
		Metrics:   promhttp.Handler(),
		ListLimit: cfg.ListLimit,
		StartedAt: time.Now(),
		Logger:    logger,
	}
	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		logger.Info("agentd listening", "addr", listener.Addr().String(), "db", cfg.DBPath, "kinds", svc.Kinds())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("agentd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("runs still active at shutdown", "error", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
