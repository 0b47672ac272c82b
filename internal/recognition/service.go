package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/loqalabs/loqa-notes/internal/reducer"
	"github.com/loqalabs/loqa-notes/internal/transcript"
	"github.com/nats-io/nats.go"
)

// ReducerFactory builds a fresh reducer for each registration.
type ReducerFactory func() *reducer.Reducer

// Transcript is the part of the store the bus service needs.
type Transcript interface {
	Clear() error
	Subscribe() *transcript.Subscription
}

// BusService exposes the registration contract over NATS request/reply and
// broadcasts committed snapshots.
type BusService struct {
	ctrl       *Controller
	store      Transcript
	newReducer ReducerFactory
	noteID     string
	bus        *bus.Client
	log        *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	subs      []*nats.Subscription
	snapshots *transcript.Subscription
}

func NewBusService(ctx context.Context, ctrl *Controller, store Transcript, newReducer ReducerFactory, noteID string, busClient *bus.Client, log *slog.Logger) (*BusService, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &BusService{
		ctrl:       ctrl,
		store:      store,
		newReducer: newReducer,
		noteID:     noteID,
		bus:        busClient,
		log:        log.With(slog.String("component", "notes-bus")),
		ctx:        ctx,
		cancel:     cancel,
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRegister:   s.handleRegister,
		protocol.SubjectUnregister: s.handleUnregister,
		protocol.SubjectClear:      s.handleClear,
	}
	for subject, handler := range handlers {
		sub, err := busClient.Conn().Subscribe(subject, handler)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.snapshots = store.Subscribe()
	s.wg.Add(1)
	go s.publishSnapshots()

	s.log.Info("notes bus service ready", slog.String("note_id", noteID))
	return s, nil
}

func (s *BusService) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.snapshots != nil {
		s.snapshots.Close()
	}
	s.wg.Wait()
}

func (s *BusService) handleRegister(msg *nats.Msg) {
	var req protocol.RegisterRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, fmt.Errorf("decode register request: %w", err))
			return
		}
	}
	if req.NoteID != "" && req.NoteID != s.noteID {
		s.respond(msg, fmt.Errorf("unknown note %q", req.NoteID))
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.respond(msg, s.ctrl.Register(ctx, s.newReducer()))
}

func (s *BusService) handleUnregister(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.respond(msg, s.ctrl.Unregister(ctx))
}

func (s *BusService) handleClear(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	err := s.ctrl.WhenIdle(ctx, s.store.Clear)
	if errors.Is(err, ErrListening) {
		err = fmt.Errorf("cannot clear while listening")
	}
	s.respond(msg, err)
}

func (s *BusService) respond(msg *nats.Msg, err error) {
	reply := protocol.ControlReply{State: s.ctrl.State().String()}
	if err != nil {
		reply.Error = err.Error()
		s.log.Warn("control request failed", slog.String("subject", msg.Subject), slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	data, mErr := json.Marshal(reply)
	if mErr != nil {
		s.log.Error("failed to encode control reply", slogError(mErr))
		return
	}
	if rErr := msg.Respond(data); rErr != nil {
		s.log.Warn("failed to send control reply", slogError(rErr))
	}
}

func (s *BusService) publishSnapshots() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-s.snapshots.C:
			if !ok {
				return
			}
			err := s.bus.PublishJSON(protocol.SubjectSnapshot, protocol.SnapshotMessage{
				NoteID:    s.noteID,
				Snapshot:  snap,
				Timestamp: time.Now().UTC(),
			})
			if err != nil {
				s.log.Warn("failed to publish snapshot", slogError(err))
			}
		}
	}
}
