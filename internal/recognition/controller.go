// Package recognition owns the speech engine session. Every lifecycle
// command goes through one queue drained by one worker, so a stop can never
// race a start.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-notes/internal/engine"
	"github.com/loqalabs/loqa-notes/internal/reducer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is returned for commands sent after Close.
	ErrClosed = errors.New("recognition: controller closed")
	// ErrListening is returned by WhenIdle while a session is live.
	ErrListening = errors.New("recognition: listening")
)

type State int32

const (
	Idle State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "idle"
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdRegister
	cmdUnregister
	cmdWhenIdle
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdStop:
		return "stop"
	case cmdRegister:
		return "register"
	case cmdWhenIdle:
		return "when_idle"
	default:
		return "unregister"
	}
}

type command struct {
	kind    commandKind
	reducer *reducer.Reducer
	fn      func() error
	done    chan error
}

// Controller runs at most one engine session and feeds its events to the
// attached reducer.
type Controller struct {
	engine     engine.Engine
	sampleRate int
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	state atomic.Int32

	// owned by the worker
	session    engine.Session
	attached   *reducer.Reducer
	registered *reducer.Reducer
	pumpDone   chan struct{}
}

func NewController(eng engine.Engine, sampleRate int, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:     eng,
		sampleRate: sampleRate,
		log:        log.With(slog.String("component", "recognition")),
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan command, 16),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// StartRecognition opens an engine session feeding r. It is a no-op while
// already listening.
func (c *Controller) StartRecognition(ctx context.Context, r *reducer.Reducer) error {
	if r == nil {
		return errors.New("start recognition requires a reducer")
	}
	return c.submit(ctx, command{kind: cmdStart, reducer: r})
}

// StopRecognition releases the engine session. It is a no-op while idle and
// does not wait for pending transcript writes.
func (c *Controller) StopRecognition(ctx context.Context) error {
	return c.submit(ctx, command{kind: cmdStop})
}

// Register makes r the single registrant and starts listening with it. A
// previous registrant is detached first, together with its session.
func (c *Controller) Register(ctx context.Context, r *reducer.Reducer) error {
	if r == nil {
		return errors.New("register requires a reducer")
	}
	return c.submit(ctx, command{kind: cmdRegister, reducer: r})
}

// Unregister stops listening and drops the registrant.
func (c *Controller) Unregister(ctx context.Context) error {
	return c.submit(ctx, command{kind: cmdUnregister})
}

// WhenIdle runs fn on the worker if no session is live, and returns
// ErrListening otherwise. No start can slip in while fn runs.
func (c *Controller) WhenIdle(ctx context.Context, fn func() error) error {
	return c.submit(ctx, command{kind: cmdWhenIdle, fn: fn})
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// Close stops any session and the worker. Later commands return ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Controller) submit(ctx context.Context, cmd command) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	cmd.done = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			c.teardown()
			return
		case cmd := <-c.cmds:
			_, span := otel.Tracer("github.com/loqalabs/loqa-notes/recognition").Start(c.ctx, "recognition."+cmd.kind.String())
			err := c.handle(cmd)
			if errors.Is(err, ErrListening) {
				c.log.Debug("command rejected while listening", slog.String("command", cmd.kind.String()))
			} else if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				c.log.Warn("recognition command failed", slog.String("command", cmd.kind.String()), slogError(err))
			}
			span.SetAttributes(attribute.String("state", c.State().String()))
			span.End()
			cmd.done <- err
		case <-c.pumpDone:
			c.log.Warn("engine session ended unexpectedly")
			c.teardown()
		}
	}
}

func (c *Controller) handle(cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if c.session != nil {
			c.log.Debug("already listening")
			return nil
		}
		return c.open(cmd.reducer)
	case cmdStop:
		if c.session == nil {
			c.log.Debug("already idle")
			return nil
		}
		c.teardown()
		return nil
	case cmdRegister:
		if c.registered != nil {
			c.log.Info("replacing registrant")
		}
		c.teardown()
		c.registered = cmd.reducer
		return c.open(cmd.reducer)
	case cmdUnregister:
		c.teardown()
		c.registered = nil
		return nil
	case cmdWhenIdle:
		if c.session != nil {
			return ErrListening
		}
		return cmd.fn()
	default:
		return fmt.Errorf("unknown command %d", cmd.kind)
	}
}

func (c *Controller) open(r *reducer.Reducer) error {
	session, err := c.engine.Open(c.ctx, c.sampleRate)
	if err != nil {
		return fmt.Errorf("open engine session: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(c.ctx, session.Events())
	}()

	c.session = session
	c.attached = r
	c.pumpDone = done
	c.state.Store(int32(Listening))
	c.log.Info("recognition started", slog.Int("sample_rate", c.sampleRate))
	return nil
}

// teardown stops the session, waits for the pump so the reducer is no longer
// touched by it, then closes the reducer's open line.
func (c *Controller) teardown() {
	if c.session == nil {
		return
	}
	if err := c.session.Stop(); err != nil {
		c.log.Warn("failed to stop engine session", slogError(err))
	}
	<-c.pumpDone
	c.attached.Detach()

	c.session = nil
	c.attached = nil
	c.pumpDone = nil
	c.state.Store(int32(Idle))
	c.log.Info("recognition stopped")
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-notes/recognition")
	gauge, err := meter.Int64ObservableGauge("notes.recognition.listening", metric.WithDescription("1 while an engine session is live"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if c.State() == Listening {
			v = 1
		}
		obs.ObserveInt64(gauge, v)
		return nil
	}, gauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
