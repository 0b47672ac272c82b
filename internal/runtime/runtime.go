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

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/engine"
	"github.com/loqalabs/loqa-notes/internal/linestore"
	"github.com/loqalabs/loqa-notes/internal/natsserver"
	"github.com/loqalabs/loqa-notes/internal/recognition"
	"github.com/loqalabs/loqa-notes/internal/reducer"
	"github.com/loqalabs/loqa-notes/internal/status"
	"github.com/loqalabs/loqa-notes/internal/transcript"
)

// Runtime owns one note: its store, the recognition controller, the bus
// services and the HTTP surface.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *transcript.Store
	engine  engine.Engine
	ctrl    *recognition.Controller
	notes   *recognition.BusService
	status  *status.Publisher
	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every service up, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("note_id", r.cfg.Transcript.NoteID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.teardown()
	r.closeTelemetry()
	return nil
}

// setup opens the store and wires the controller and bus services. Every
// component that comes up registers its closer, so a failure halfway
// releases what was already started.
func (r *Runtime) setup(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		if ns != nil {
			r.nats = ns
			r.closers = append(r.closers, ns.Shutdown)
		}
		busCfg := r.cfg.Bus
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client
		r.closers = append(r.closers, client.Close)
	}

	backend, err := linestore.Open(ctx, r.cfg.Transcript, r.logger)
	if err != nil {
		return fmt.Errorf("open line store: %w", err)
	}
	store, err := transcript.Open(ctx, backend, nil, r.logger)
	if err != nil {
		backend.Close()
		return fmt.Errorf("open transcript: %w", err)
	}
	r.store = store
	r.closers = append(r.closers, func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("failed to close transcript", slog.String("error", err.Error()))
		}
	})
	r.watchQueue(ctx)

	if r.engine == nil {
		eng, err := engine.New(r.cfg.Recognition, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}
		r.engine = eng
	}
	r.ctrl = recognition.NewController(r.engine, r.cfg.Recognition.SampleRate, r.logger)
	ctrl := r.ctrl
	r.closers = append(r.closers, func() { _ = ctrl.Close() })

	if r.bus != nil {
		notes, err := recognition.NewBusService(ctx, r.ctrl, r.store, r.newReducer, r.cfg.Transcript.NoteID, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start notes bus service: %w", err)
		}
		r.notes = notes
		r.closers = append(r.closers, notes.Close)

		reporter := status.ReporterFunc(func() (string, int) {
			return r.ctrl.State().String(), len(r.store.Snapshot().Lines)
		})
		publisher, err := status.NewPublisher(ctx, r.cfg.Node, r.cfg.Transcript.NoteID, reporter, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start status publisher: %w", err)
		}
		r.status = publisher
		r.closers = append(r.closers, publisher.Close)
	}

	if r.cfg.Recognition.Autostart {
		if err := r.ctrl.StartRecognition(ctx, r.newReducer()); err != nil {
			return fmt.Errorf("autostart recognition: %w", err)
		}
	}
	return nil
}

// newReducer anchors the session clock at the first existing line, so labels
// continue across live toggles of the same note. Pending clears and inserts
// are flushed first so the anchor is never a deleted line.
func (r *Runtime) newReducer() *reducer.Reducer {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Flush(ctx); err != nil {
		r.logger.Warn("failed to flush transcript before session", slog.String("error", err.Error()))
	}
	var opts []reducer.Option
	if lines := r.store.Snapshot().Lines; len(lines) > 0 {
		opts = append(opts, reducer.WithSessionStart(lines[0].CreatedAt))
	}
	return reducer.New(r.store, r.logger, opts...)
}

func (r *Runtime) watchQueue(ctx context.Context) {
	limit := r.cfg.Transcript.QueueWarnDepth
	if limit <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.closers = append(r.closers, cancel)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if depth := r.store.QueueDepth(); depth >= limit {
					r.logger.Warn("transcript write queue is backing up", slog.Int("depth", depth))
				}
			}
		}
	}()
}

func (r *Runtime) teardown() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
