package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
	"github.com/loqalabs/loqa-podcast/internal/service"
	"github.com/loqalabs/loqa-podcast/internal/store"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	tracerClose   func(context.Context) error
	metricHandler http.Handler
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *store.Store
	svc           *service.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := SetupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricHandler = metricHandler

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open store: %w", err)
	}
	r.store = st

	svc, err := service.New(r.cfg, st, r.bus, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to init podcast service: %w", err)
	}
	r.svc = svc
	if err := svc.Start(); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	maxAge := time.Duration(r.cfg.Store.RetentionDays) * 24 * time.Hour
	if err := client.EnsureRunStream(maxAge); err != nil {
		r.logger.Warn("run events will not be retained on the bus", slog.String("error", err.Error()))
	}
	return nil
}

// shutdown releases components in reverse start order. Nil components are skipped.
func (r *Runtime) shutdown() {
	if r.svc != nil {
		r.svc.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.svc.Prune(ctx); err != nil {
				r.logger.Warn("artifact prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricHandler != nil {
		mux.Handle("/metrics", r.metricHandler)
	}
	(&api{svc: r.svc, logger: r.logger.With(slog.String("component", "http"))}).register(mux)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	ready := r.ready.Load()
	if ready && r.store != nil {
		ready = r.store.Ping(req.Context()) == nil
	}
	if ready && r.bus != nil {
		ready = r.bus.Healthy()
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
