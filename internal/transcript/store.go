package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opEdit
	opClear
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opEdit:
		return "edit"
	case opClear:
		return "clear"
	default:
		return "barrier"
	}
}

type request struct {
	op   opKind
	line Line
	done chan error
}

// Store funnels every mutation through one writer goroutine, so writes for
// the same line land in request order. Callers never wait for a write unless
// they ask to (Edit, Flush).
type Store struct {
	backend      Backend
	bridge       *Bridge
	log          *slog.Logger
	writeTimeout time.Duration
	clock        func() time.Time

	mu      sync.Mutex
	queue   []request
	closed  bool
	wake    chan struct{}
	stopped chan struct{}

	// owned by the writer goroutine
	lines   []Line
	index   map[string]int
	version uint64

	depth     atomic.Int64
	lastFault atomic.Pointer[Fault]

	writes metric.Int64Counter
}

// Open loads the existing lines from backend, publishes them as the first
// snapshot and starts the writer.
func Open(ctx context.Context, backend Backend, bridge *Bridge, log *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("transcript store requires a backend")
	}
	if bridge == nil {
		bridge = NewBridge()
	}
	existing, err := backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lines: %w", err)
	}
	s := &Store{
		backend:      backend,
		bridge:       bridge,
		log:          log.With(slog.String("component", "transcript-store")),
		writeTimeout: 5 * time.Second,
		clock:        time.Now,
		wake:         make(chan struct{}, 1),
		stopped:      make(chan struct{}),
		lines:        existing,
		index:        make(map[string]int, len(existing)),
	}
	for i, line := range existing {
		s.index[line.ID] = i
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}

	s.publish(nil)
	go s.run()
	return s, nil
}

// Insert requests an append of line.
func (s *Store) Insert(line Line) error {
	return s.enqueue(request{op: opInsert, line: line})
}

// Update requests a text replacement for the line with line.ID. Unknown ids
// are ignored.
func (s *Store) Update(line Line) error {
	return s.enqueue(request{op: opUpdate, line: line})
}

// Clear requests removal of every line.
func (s *Store) Clear() error {
	return s.enqueue(request{op: opClear})
}

// Edit replaces the text of an existing line and waits for the outcome.
func (s *Store) Edit(ctx context.Context, id, text string) error {
	done := make(chan error, 1)
	if err := s.enqueue(request{op: opEdit, line: Line{ID: id, Text: text}, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every request queued before the call has been applied.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	if err := s.enqueue(request{op: opBarrier, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest committed state.
func (s *Store) Snapshot() Snapshot {
	snap, _ := s.bridge.Latest()
	return snap
}

// Subscribe attaches an observer to the committed-snapshot feed.
func (s *Store) Subscribe() *Subscription {
	return s.bridge.Subscribe()
}

// QueueDepth reports requests accepted but not yet applied.
func (s *Store) QueueDepth() int {
	return int(s.depth.Load())
}

// LastFault returns the most recent failed write, if any.
func (s *Store) LastFault() *Fault {
	return s.lastFault.Load()
}

// Close applies every queued request, stops the writer and closes the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.stopped
	s.bridge.Close()
	return s.backend.Close()
}

func (s *Store) enqueue(req request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, req)
	s.depth.Add(1)
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-s.wake
			continue
		}
		for _, req := range batch {
			s.apply(req)
			s.depth.Add(-1)
		}
	}
}

func (s *Store) apply(req request) {
	if req.op == opBarrier {
		reply(req, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	var err error
	switch req.op {
	case opInsert:
		if _, dup := s.index[req.line.ID]; dup {
			err = fmt.Errorf("duplicate line id %s", req.line.ID)
			break
		}
		if err = s.backend.Insert(ctx, req.line); err == nil {
			s.index[req.line.ID] = len(s.lines)
			s.lines = append(s.lines, req.line)
		}
	case opUpdate, opEdit:
		idx, ok := s.index[req.line.ID]
		if !ok {
			s.ignore(req)
			return
		}
		line := s.lines[idx]
		line.Text = req.line.Text
		err = s.backend.Update(ctx, line)
		if errors.Is(err, ErrNotFound) {
			s.ignore(req)
			return
		}
		if err == nil {
			s.lines[idx] = line
		}
	case opClear:
		if err = s.backend.Clear(ctx); err == nil {
			s.lines = nil
			s.index = make(map[string]int)
		}
	}

	if err != nil {
		fault := &Fault{Op: req.op.String(), LineID: req.line.ID, Error: err.Error(), At: s.clock().UTC()}
		s.lastFault.Store(fault)
		s.log.Warn("transcript write failed",
			slog.String("op", fault.Op),
			slog.String("line_id", fault.LineID),
			slogError(err))
		s.record(req.op, "failed")
		s.publish(fault)
		reply(req, err)
		return
	}
	s.record(req.op, "ok")
	s.publish(nil)
	reply(req, nil)
}

func (s *Store) ignore(req request) {
	s.log.Warn("write for unknown line ignored",
		slog.String("op", req.op.String()),
		slog.String("line_id", req.line.ID))
	s.record(req.op, "ignored")
	reply(req, ErrNotFound)
}

func (s *Store) publish(fault *Fault) {
	s.version++
	lines := make([]Line, len(s.lines))
	copy(lines, s.lines)
	s.bridge.Publish(Snapshot{Version: s.version, Lines: lines, Fault: fault})
}

func reply(req request, err error) {
	if req.done != nil {
		req.done <- err
	}
}

func (s *Store) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-notes/transcript")
	writes, err := meter.Int64Counter("notes.store.writes", metric.WithDescription("Transcript store writes by op and outcome"))
	if err != nil {
		return err
	}
	s.writes = writes
	depth, err := meter.Int64ObservableGauge("notes.store.queue_depth", metric.WithDescription("Pending transcript writes"))
	if err != nil {
		return err
	}
	total, err := meter.Int64ObservableGauge("notes.lines.total", metric.WithDescription("Lines in the transcript"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, s.depth.Load())
		obs.ObserveInt64(total, int64(len(s.Snapshot().Lines)))
		return nil
	}, depth, total)
	return err
}

func (s *Store) record(op opKind, outcome string) {
	if s.writes == nil {
		return
	}
	s.writes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op.String()),
		attribute.String("outcome", outcome),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
