package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Bus consumes transcripts published by a remote STT node. Each upstream
// session is one utterance, so a change of session id is reported as an
// empty partial before the new hypothesis.
type Bus struct {
	cfg config.RecognitionConfig
	bus *bus.Client
	log *slog.Logger
}

func NewBus(cfg config.RecognitionConfig, busClient *bus.Client, log *slog.Logger) *Bus {
	return &Bus{cfg: cfg, bus: busClient, log: log.With(slog.String("component", "bus-engine"))}
}

func (b *Bus) Open(_ context.Context, _ int) (Session, error) {
	s := &busSession{
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
		log:    b.log,
	}
	sub, err := b.bus.Conn().Subscribe(b.cfg.PartialSubject, s.handlePartial)
	if err != nil {
		return nil, fmt.Errorf("subscribe partial transcripts: %w", err)
	}
	s.subs = append(s.subs, sub)
	if b.cfg.FinalSubject != "" {
		subFinal, err := b.bus.Conn().Subscribe(b.cfg.FinalSubject, s.handleFinal)
		if err != nil {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("subscribe final transcripts: %w", err)
		}
		s.subs = append(s.subs, subFinal)
	}
	b.log.Info("listening for transcripts", slog.String("subject", b.cfg.PartialSubject))
	return s, nil
}

type busSession struct {
	events chan Event
	stop   chan struct{}
	subs   []*nats.Subscription
	log    *slog.Logger

	mu          sync.Mutex
	closed      bool
	inflight    sync.WaitGroup
	lastSession string
	once        sync.Once
}

func (s *busSession) Events() <-chan Event { return s.events }

func (s *busSession) Stop() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		for _, sub := range s.subs {
			_ = sub.Unsubscribe()
		}
		s.inflight.Wait()
		close(s.events)
	})
	return nil
}

func (s *busSession) handlePartial(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.log.Warn("failed to decode transcript", slogError(err))
		s.deliver(Event{Kind: Partial, Payload: string(msg.Data)})
		return
	}
	var boundary bool
	s.mu.Lock()
	if s.lastSession != "" && transcript.SessionID != s.lastSession {
		boundary = true
	}
	s.lastSession = transcript.SessionID
	s.mu.Unlock()

	if boundary {
		s.deliver(Event{Kind: Partial, Payload: PartialJSON("")})
	}
	s.deliver(Event{Kind: Partial, Payload: PartialJSON(transcript.Text)})
}

func (s *busSession) handleFinal(msg *nats.Msg) {
	s.deliver(Event{Kind: Final, Payload: string(msg.Data)})
}

func (s *busSession) deliver(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
