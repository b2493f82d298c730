package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/flowstt/internal/broadcast"
	"github.com/loqalabs/flowstt/internal/bus"
	"github.com/loqalabs/flowstt/internal/capability"
	"github.com/loqalabs/flowstt/internal/config"
	"github.com/loqalabs/flowstt/internal/eventstore"
	"github.com/loqalabs/flowstt/internal/hotkey/hook"
	"github.com/loqalabs/flowstt/internal/ipc"
	"github.com/loqalabs/flowstt/internal/natsserver"
	"github.com/loqalabs/flowstt/internal/protocol"
	"github.com/loqalabs/flowstt/internal/service"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	deps       service.Deps
	httpServer *http.Server
	telemetry  *telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup

	hub      *broadcast.Hub
	svc      *service.Service
	ipc      *ipc.Server
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	mirror   *bus.Mirror
	registry *capability.Registry
	store    *eventstore.Store
	recorder *eventstore.Recorder
}

// New prepares a runtime. deps may override the capture backend and the
// inference engine; zero values are built from cfg.
func New(cfg config.Config, logger *slog.Logger, deps service.Deps) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
	}
}

// Start runs until ctx is cancelled or a client requests shutdown. Only
// startup failures are returned.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.start(ctx); err != nil {
		cancel()
		r.stop()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("socket", r.ipc.Path()))

	select {
	case <-ctx.Done():
	case <-r.svc.ShutdownRequested():
	}
	r.logger.Info("runtime stopping")
	cancel()
	r.stop()
	return nil
}

func (r *Runtime) start(ctx context.Context) error {
	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	r.hub = r.deps.Hub
	if r.hub == nil {
		r.hub = broadcast.NewHub(r.cfg.IPC.SubscriberBuffer, r.logger)
	}
	deps := r.deps
	deps.Hub = r.hub

	svc, err := service.New(ctx, r.cfg, deps, r.logger)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	r.svc = svc

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return fmt.Errorf("open event store: %w", err)
		}
		r.store = store
		r.recorder = eventstore.StartRecorder(store, r.hub, svc.State())
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	if err := svc.Start(); err != nil {
		return err
	}

	socket := r.cfg.IPC.SocketPath
	if socket == "" {
		socket = protocol.SocketPath()
	}
	r.ipc = ipc.NewServer(ctx, socket, svc, r.hub, r.logger)
	if err := r.ipc.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	if r.cfg.Hotkeys.Backend == "gohook" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := hook.Run(ctx, svc.Tracker(), r.logger); err != nil {
				r.logger.Warn("global key hook unavailable", slog.String("error", err.Error()))
			}
		}()
	}

	if r.cfg.HTTP.Enabled {
		r.startHTTP(tel.handler)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	r.mirror = bus.StartMirror(client, r.hub)

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Local(r.cfg), client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) startHTTP(metrics http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

// stop tears down whatever start managed to bring up. The service stops
// first so its final events reach subscribers before the IPC server sends
// Shutdown and closes the hub.
func (r *Runtime) stop() {
	r.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.svc != nil {
		r.svc.Close()
	}
	if r.ipc != nil {
		if err := r.ipc.Close(ctx); err != nil {
			r.logger.Error("ipc shutdown error", slog.String("error", err.Error()))
		}
	} else if r.hub != nil {
		final := protocol.ShutdownEvent()
		r.hub.Close(&final)
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.mirror != nil {
		r.mirror.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) healthy() bool {
	if r.svc == nil || !r.svc.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
