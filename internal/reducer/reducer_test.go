package reducer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/engine"
	"github.com/loqalabs/loqa-notes/internal/linestore"
	"github.com/loqalabs/loqa-notes/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type write struct {
	op   string
	line transcript.Line
}

type recordingSink struct {
	writes []write
	lines  []transcript.Line
}

func (s *recordingSink) Insert(line transcript.Line) error {
	s.writes = append(s.writes, write{op: "insert", line: line})
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSink) Update(line transcript.Line) error {
	s.writes = append(s.writes, write{op: "update", line: line})
	for i := range s.lines {
		if s.lines[i].ID == line.ID {
			s.lines[i].Text = line.Text
		}
	}
	return nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Set(offset time.Duration) {
	c.now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).Add(offset)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("line-%d", n)
	}
}

func newReducer(sink Sink, clock *fakeClock, opts ...Option) *Reducer {
	opts = append([]Option{WithClock(clock.Now), WithIDs(sequentialIDs())}, opts...)
	return New(sink, newLogger(), opts...)
}

func TestReducerScenario(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	r := newReducer(sink, clock, WithSessionStart(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)))

	clock.Set(0)
	r.OnPartial(engine.PartialJSON(""))
	clock.Set(5 * time.Second)
	r.OnPartial(engine.PartialJSON("hel"))
	r.OnPartial(engine.PartialJSON("hello"))
	r.OnPartial(engine.PartialJSON(""))
	clock.Set(40 * time.Second)
	r.OnPartial(engine.PartialJSON("bye"))

	if len(sink.lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(sink.lines))
	}
	if sink.lines[0].ElapsedLabel != "00:05" || sink.lines[0].Text != "hello" {
		t.Fatalf("unexpected first line %+v", sink.lines[0])
	}
	if sink.lines[1].ElapsedLabel != "00:40" || sink.lines[1].Text != "bye" {
		t.Fatalf("unexpected second line %+v", sink.lines[1])
	}
}

func TestReducerAnchorsSessionAtFirstSpeech(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	r := newReducer(sink, clock)

	clock.Set(3 * time.Second)
	r.OnPartial(engine.PartialJSON(""))
	if !r.SessionStart().IsZero() {
		t.Fatal("silence must not anchor the session")
	}
	clock.Set(10 * time.Second)
	r.OnPartial(engine.PartialJSON("first"))
	clock.Set(75 * time.Second)
	r.OnPartial(engine.PartialJSON(""))
	r.OnPartial(engine.PartialJSON("second"))

	if sink.lines[0].ElapsedLabel != "00:00" {
		t.Fatalf("first line label = %s", sink.lines[0].ElapsedLabel)
	}
	if sink.lines[1].ElapsedLabel != "01:05" {
		t.Fatalf("second line label = %s", sink.lines[1].ElapsedLabel)
	}
}

func TestReducerInsertsEmptyThenUpdates(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(0)
	r := newReducer(sink, clock)

	r.OnPartial(engine.PartialJSON("hel"))
	r.OnPartial(engine.PartialJSON("hello"))

	want := []write{
		{op: "insert", line: transcript.Line{ID: "line-1", ElapsedLabel: "00:00", CreatedAt: clock.now}},
		{op: "update", line: transcript.Line{ID: "line-1", ElapsedLabel: "00:00", Text: "hel", CreatedAt: clock.now}},
		{op: "update", line: transcript.Line{ID: "line-1", ElapsedLabel: "00:00", Text: "hello", CreatedAt: clock.now}},
	}
	if len(sink.writes) != len(want) {
		t.Fatalf("expected %d writes, got %d", len(want), len(sink.writes))
	}
	for i := range want {
		if sink.writes[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, sink.writes[i], want[i])
		}
	}
}

func TestReducerRepeatedSilenceWritesNothing(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(0)
	r := newReducer(sink, clock)

	r.OnPartial(engine.PartialJSON("hi"))
	r.OnPartial(engine.PartialJSON(""))
	before := len(sink.writes)
	for i := 0; i < 5; i++ {
		r.OnPartial(engine.PartialJSON(""))
	}
	if len(sink.writes) != before {
		t.Fatalf("silence produced %d writes", len(sink.writes)-before)
	}
	if _, open := r.Open(); open {
		t.Fatal("expected no open line")
	}
}

func TestReducerMalformedPayloadClosesLine(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(0)
	r := newReducer(sink, clock)

	r.OnPartial(engine.PartialJSON("one"))
	r.OnPartial("{not json")
	r.OnPartial(`{"text":"one"}`)
	r.OnPartial(engine.PartialJSON("two"))

	if len(sink.lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(sink.lines))
	}
}

func TestReducerErrorsKeepLineOpen(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(0)
	r := newReducer(sink, clock)

	r.Handle(engine.Event{Kind: engine.Partial, Payload: engine.PartialJSON("hel")})
	r.Handle(engine.Event{Kind: engine.Error, Err: errors.New("decoder hiccup")})
	r.Handle(engine.Event{Kind: engine.Timeout})
	r.Handle(engine.Event{Kind: engine.Final, Payload: `{"text":"hel"}`})
	r.Handle(engine.Event{Kind: engine.Partial, Payload: engine.PartialJSON("hello")})

	if len(sink.lines) != 1 || sink.lines[0].Text != "hello" {
		t.Fatalf("unexpected lines %+v", sink.lines)
	}
}

func TestReducerDetachClosesLine(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	clock.Set(0)
	r := newReducer(sink, clock)

	r.OnPartial(engine.PartialJSON("before stop"))
	r.Detach()
	clock.Set(9 * time.Second)
	r.OnPartial(engine.PartialJSON("after restart"))

	if len(sink.lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(sink.lines))
	}
	if sink.lines[1].ElapsedLabel != "00:09" {
		t.Fatalf("session clock reset: %s", sink.lines[1].ElapsedLabel)
	}
}

func TestReducerLineCountMatchesRuns(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		sink := &recordingSink{}
		clock := &fakeClock{}
		r := newReducer(sink, clock)

		var runs int
		var inRun bool
		lastInRun := map[int]string{}
		var prevLabel string
		for i := 0; i < 40; i++ {
			clock.Set(time.Duration(i) * 1500 * time.Millisecond)
			text := ""
			if rng.Intn(3) > 0 {
				text = fmt.Sprintf("w%d", rng.Intn(100))
			}
			if text != "" {
				if !inRun {
					runs++
				}
				lastInRun[runs-1] = text
			}
			inRun = text != ""
			r.OnPartial(engine.PartialJSON(text))
		}

		if len(sink.lines) != runs {
			t.Fatalf("trial %d: %d lines for %d runs", trial, len(sink.lines), runs)
		}
		for i, line := range sink.lines {
			if line.Text != lastInRun[i] {
				t.Fatalf("trial %d line %d: text %q, want %q", trial, i, line.Text, lastInRun[i])
			}
			if line.ElapsedLabel < prevLabel {
				t.Fatalf("trial %d: label %s after %s", trial, line.ElapsedLabel, prevLabel)
			}
			prevLabel = line.ElapsedLabel
		}
	}
}

func TestReducerRunThroughStore(t *testing.T) {
	store, err := transcript.Open(context.Background(), linestore.NewMemory(), nil, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	clock := &fakeClock{}
	clock.Set(0)
	r := New(store, newLogger(), WithClock(clock.Now))

	events := make(chan engine.Event, 8)
	for _, text := range []string{"", "hel", "hello", "", "bye"} {
		events <- engine.Event{Kind: engine.Partial, Payload: engine.PartialJSON(text)}
	}
	close(events)
	r.Run(context.Background(), events)

	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	lines := store.Snapshot().Lines
	if len(lines) != 2 || lines[0].Text != "hello" || lines[1].Text != "bye" {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if lines[0].ID == lines[1].ID {
		t.Fatal("line ids reused")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := New(&recordingSink{}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, make(chan engine.Event))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}
