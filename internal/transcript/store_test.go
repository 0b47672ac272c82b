package transcript

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBackend struct {
	mu         sync.Mutex
	lines      []Line
	failUpdate error
	updates    []string
	closed     bool
}

func (f *fakeBackend) Insert(_ context.Context, line Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeBackend) Update(_ context.Context, line Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	for i := range f.lines {
		if f.lines[i].ID == line.ID {
			f.lines[i] = line
			f.updates = append(f.updates, line.Text)
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeBackend) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = nil
	return nil
}

func (f *fakeBackend) List(context.Context) ([]Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Line(nil), f.lines...), nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func openStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := Open(context.Background(), backend, NewBridge(), newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestStoreAppliesUpdatesInRequestOrder(t *testing.T) {
	backend := &fakeBackend{}
	s := openStore(t, backend)

	line := Line{ID: "a", ElapsedLabel: "00:00", CreatedAt: time.Now()}
	if err := s.Insert(line); err != nil {
		t.Fatalf("insert: %v", err)
	}
	texts := []string{"h", "he", "hel", "hell", "hello"}
	for _, text := range texts {
		line.Text = text
		if err := s.Update(line); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	flush(t, s)

	backend.mu.Lock()
	got := append([]string(nil), backend.updates...)
	backend.mu.Unlock()
	if len(got) != len(texts) {
		t.Fatalf("expected %d updates, got %v", len(texts), got)
	}
	for i := range texts {
		if got[i] != texts[i] {
			t.Fatalf("update %d landed out of order: %v", i, got)
		}
	}
	snap := s.Snapshot()
	if len(snap.Lines) != 1 || snap.Lines[0].Text != "hello" {
		t.Fatalf("unexpected snapshot %+v", snap.Lines)
	}
}

func TestStoreUpdateKeepsImmutableFields(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	created := time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)
	_ = s.Insert(Line{ID: "a", ElapsedLabel: "00:05", CreatedAt: created})
	_ = s.Update(Line{ID: "a", ElapsedLabel: "99:99", Text: "hi"})
	flush(t, s)

	got := s.Snapshot().Lines[0]
	if got.ElapsedLabel != "00:05" || !got.CreatedAt.Equal(created) || got.Text != "hi" {
		t.Fatalf("unexpected line %+v", got)
	}
}

func TestStoreIgnoresUpdateForUnknownLine(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	_ = s.Insert(Line{ID: "a", Text: "first"})
	flush(t, s)
	before := s.Snapshot()

	_ = s.Update(Line{ID: "missing", Text: "ghost"})
	flush(t, s)

	after := s.Snapshot()
	if after.Version != before.Version {
		t.Fatalf("expected no new snapshot, version %d -> %d", before.Version, after.Version)
	}
	if len(after.Lines) != 1 || after.Lines[0].Text != "first" {
		t.Fatalf("unexpected lines %+v", after.Lines)
	}
	if s.LastFault() != nil {
		t.Fatalf("unknown id must not be reported as a fault")
	}
}

func TestStoreClear(t *testing.T) {
	backend := &fakeBackend{}
	s := openStore(t, backend)
	_ = s.Insert(Line{ID: "a"})
	_ = s.Insert(Line{ID: "b"})
	_ = s.Clear()
	_ = s.Insert(Line{ID: "c"})
	flush(t, s)

	lines := s.Snapshot().Lines
	if len(lines) != 1 || lines[0].ID != "c" {
		t.Fatalf("expected only line c after clear, got %+v", lines)
	}
}

func TestStoreFaultIsPublishedAndWriterSurvives(t *testing.T) {
	backend := &fakeBackend{failUpdate: errors.New("disk full")}
	s := openStore(t, backend)
	sub := s.Subscribe()
	defer sub.Close()

	_ = s.Insert(Line{ID: "a"})
	_ = s.Update(Line{ID: "a", Text: "lost"})
	flush(t, s)

	snap := s.Snapshot()
	if snap.Fault == nil || snap.Fault.Op != "update" || snap.Fault.LineID != "a" {
		t.Fatalf("expected update fault on feed, got %+v", snap.Fault)
	}
	if s.LastFault() == nil {
		t.Fatal("expected LastFault to be recorded")
	}

	backend.mu.Lock()
	backend.failUpdate = nil
	backend.mu.Unlock()
	_ = s.Insert(Line{ID: "b"})
	_ = s.Update(Line{ID: "b", Text: "kept"})
	flush(t, s)

	snap = s.Snapshot()
	if snap.Fault != nil {
		t.Fatalf("fault must only mark the failing mutation, got %+v", snap.Fault)
	}
	if len(snap.Lines) != 2 || snap.Lines[1].Text != "kept" {
		t.Fatalf("unexpected lines %+v", snap.Lines)
	}
}

func TestStoreOpenLoadsExistingLines(t *testing.T) {
	backend := &fakeBackend{lines: []Line{{ID: "x", Text: "old"}}}
	s := openStore(t, backend)
	snap := s.Snapshot()
	if len(snap.Lines) != 1 || snap.Lines[0].Text != "old" {
		t.Fatalf("expected existing line in first snapshot, got %+v", snap.Lines)
	}
	_ = s.Update(Line{ID: "x", Text: "new"})
	flush(t, s)
	if s.Snapshot().Lines[0].Text != "new" {
		t.Fatal("expected loaded line to be updatable")
	}
}

func TestStoreEdit(t *testing.T) {
	s := openStore(t, &fakeBackend{})
	_ = s.Insert(Line{ID: "a", Text: "helo"})
	ctx := context.Background()
	if err := s.Edit(ctx, "a", "hello"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if s.Snapshot().Lines[0].Text != "hello" {
		t.Fatal("expected edited text")
	}
	if err := s.Edit(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsAfterClose(t *testing.T) {
	backend := &fakeBackend{}
	s, err := Open(context.Background(), backend, nil, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Insert(Line{ID: "a"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(backend.lines) != 1 {
		t.Fatal("expected queued insert to land before close")
	}
	if !backend.closed {
		t.Fatal("expected backend closed")
	}
	if err := s.Insert(Line{ID: "b"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFormatElapsed(t *testing.T) {
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	cases := map[time.Duration]string{
		0:                                     "00:00",
		5 * time.Second:                       "00:05",
		40*time.Second + 900*time.Millisecond: "00:40",
		61 * time.Second:                      "01:01",
		125 * time.Minute:                     "125:00",
	}
	for offset, want := range cases {
		if got := FormatElapsed(start, start.Add(offset)); got != want {
			t.Fatalf("FormatElapsed(+%s) = %s, want %s", offset, got, want)
		}
	}
	if got := FormatElapsed(start, start.Add(-90*time.Second)); got != "01:30" {
		t.Fatalf("expected absolute difference, got %s", got)
	}
}
