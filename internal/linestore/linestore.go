// Package linestore provides the persistence engines behind a transcript
// store. Every backend keeps lines in insertion order.
package linestore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/transcript"
)

// Open returns the backend selected by cfg. One note maps to one database.
func Open(ctx context.Context, cfg config.TranscriptConfig, log *slog.Logger) (transcript.Backend, error) {
	log = log.With(slog.String("component", "linestore"), slog.String("backend", cfg.Backend))
	switch cfg.Backend {
	case "sqlite":
		path := filepath.Join(cfg.Path, cfg.NoteID+".db")
		log.Info("opening line store", slog.String("path", path))
		return OpenSQLite(ctx, path, log)
	case "badger":
		dir := filepath.Join(cfg.Path, cfg.NoteID)
		log.Info("opening line store", slog.String("path", dir))
		return OpenBadger(BadgerOptions{Dir: dir, Logger: log})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown transcript backend %q", cfg.Backend)
	}
}

// Memory is a process-local backend.
type Memory struct {
	mu    sync.Mutex
	lines []transcript.Line
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Insert(_ context.Context, line transcript.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lines {
		if l.ID == line.ID {
			return fmt.Errorf("line %s already exists", line.ID)
		}
	}
	m.lines = append(m.lines, line)
	return nil
}

func (m *Memory) Update(_ context.Context, line transcript.Line) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.lines {
		if m.lines[i].ID == line.ID {
			m.lines[i] = line
			return nil
		}
	}
	return transcript.ErrNotFound
}

func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
	return nil
}

func (m *Memory) List(context.Context) ([]transcript.Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Line(nil), m.lines...), nil
}

func (m *Memory) Close() error { return nil }
