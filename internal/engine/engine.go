// Package engine abstracts the speech recognizer. A Session pushes
// recognition events on a channel until it is stopped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
)

// ErrUnknownMode is returned by New for an unsupported recognition mode.
var ErrUnknownMode = errors.New("engine: unknown recognition mode")

type Kind int

const (
	// Partial carries the recognizer's current hypothesis as JSON, e.g. {"partial":"hello"}.
	Partial Kind = iota
	// Final carries a confirmed result. Consumers may ignore it.
	Final
	// Error is advisory; the session keeps running.
	Error
	// Timeout is advisory; the session keeps running.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Error:
		return "error"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one recognizer notification.
type Event struct {
	Kind    Kind
	Payload string
	Err     error
}

// Engine creates recognition sessions.
type Engine interface {
	Open(ctx context.Context, sampleRate int) (Session, error)
}

// Session is a live recognition run. Events is closed once the session has
// fully stopped, either through Stop or because the recognizer went away.
// Stop is idempotent and stays safe to call after that.
type Session interface {
	Events() <-chan Event
	Stop() error
}

// New builds the engine selected by cfg.Mode. busClient may be nil unless
// mode is bus.
func New(cfg config.RecognitionConfig, busClient *bus.Client, log *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "exec":
		return NewExec(cfg, log)
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus recognition mode requires a bus connection")
		}
		return NewBus(cfg, busClient, log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, cfg.Mode)
	}
}
