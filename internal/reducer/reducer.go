// Package reducer turns a stream of partial recognition hypotheses into
// transcript line inserts and updates.
//
// A hypothesis is the recognizer's full current guess for the utterance in
// progress, so the open line's text is replaced, never appended to. An empty
// hypothesis marks silence and closes the open line; the next non-empty one
// opens a new line, even if the silence was a flicker inside one utterance.
package reducer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-notes/internal/engine"
	"github.com/loqalabs/loqa-notes/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives the reducer's writes without blocking on them.
// *transcript.Store satisfies it.
type Sink interface {
	Insert(line transcript.Line) error
	Update(line transcript.Line) error
}

type Option func(*Reducer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithSessionStart anchors the session clock up front instead of at the
// first speech, so labels continue from an existing transcript.
func WithSessionStart(start time.Time) Option {
	return func(r *Reducer) { r.sessionStart = start }
}

// WithIDs replaces the line id generator.
func WithIDs(next func() string) Option {
	return func(r *Reducer) { r.newID = next }
}

// Reducer state is single-writer: OnPartial, Run and Detach must not be
// called concurrently.
type Reducer struct {
	sink  Sink
	log   *slog.Logger
	now   func() time.Time
	newID func() string

	sessionStart time.Time
	open         *transcript.Line

	partials metric.Int64Counter
	created  metric.Int64Counter
}

func New(sink Sink, log *slog.Logger, opts ...Option) *Reducer {
	r := &Reducer{
		sink:  sink,
		log:   log.With(slog.String("component", "reducer")),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-notes/reducer")
	var err error
	if r.partials, err = meter.Int64Counter("notes.partials", metric.WithDescription("Partial hypotheses by kind")); err != nil {
		r.log.Warn("failed to create partials counter", slogError(err))
	}
	if r.created, err = meter.Int64Counter("notes.lines.created", metric.WithDescription("Transcript lines opened")); err != nil {
		r.log.Warn("failed to create lines counter", slogError(err))
	}
	return r
}

// Run feeds events into the reducer until the channel closes or ctx ends.
func (r *Reducer) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle applies one engine event. Errors and timeouts are logged and leave
// the open line as it is; finals are ignored.
func (r *Reducer) Handle(ev engine.Event) {
	switch ev.Kind {
	case engine.Partial:
		r.OnPartial(ev.Payload)
	case engine.Final:
		r.log.Debug("final result ignored", slog.String("payload", ev.Payload))
	case engine.Error:
		attrs := []any{}
		if ev.Err != nil {
			attrs = append(attrs, slogError(ev.Err))
		}
		r.log.Warn("recognition error", attrs...)
	case engine.Timeout:
		r.log.Warn("recognition timeout")
	}
}

// OnPartial applies one recognizer payload of the form {"partial":"..."}.
// Payloads that do not decode count as empty.
func (r *Reducer) OnPartial(payload string) {
	text, kind := decodePartial(payload)
	r.count(kind)
	if kind == "malformed" {
		r.log.Debug("malformed partial treated as silence", slog.String("payload", payload))
	}

	if text == "" {
		r.open = nil
		return
	}

	now := r.now()
	if r.sessionStart.IsZero() {
		r.sessionStart = now
	}
	if r.open == nil {
		line := transcript.Line{
			ID:           r.newID(),
			ElapsedLabel: transcript.FormatElapsed(r.sessionStart, now),
			CreatedAt:    now,
		}
		r.open = &line
		if err := r.sink.Insert(line); err != nil {
			r.log.Warn("failed to request line insert", slog.String("line", line.ID), slogError(err))
		}
		if r.created != nil {
			r.created.Add(context.Background(), 1)
		}
	}
	r.open.Text = text
	if err := r.sink.Update(*r.open); err != nil {
		r.log.Warn("failed to request line update", slog.String("line", r.open.ID), slogError(err))
	}
}

// Detach closes the open line. The session clock is kept, so a reducer that
// is attached again continues the same timeline.
func (r *Reducer) Detach() {
	r.open = nil
}

// Open reports the currently open line, if any.
func (r *Reducer) Open() (transcript.Line, bool) {
	if r.open == nil {
		return transcript.Line{}, false
	}
	return *r.open, true
}

// SessionStart reports the session anchor; zero until the first speech.
func (r *Reducer) SessionStart() time.Time {
	return r.sessionStart
}

func (r *Reducer) count(kind string) {
	if r.partials == nil {
		return
	}
	r.partials.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func decodePartial(payload string) (string, string) {
	var msg struct {
		Partial *string `json:"partial"`
	}
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Partial == nil {
		return "", "malformed"
	}
	if *msg.Partial == "" {
		return "", "empty"
	}
	return *msg.Partial, "text"
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
