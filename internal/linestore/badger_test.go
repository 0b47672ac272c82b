package linestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-notes/internal/transcript"
)

func TestBadgerBackendInMemory(t *testing.T) {
	b, err := OpenBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	exerciseBackend(t, b)
}

func TestBadgerOrderSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "note")

	b, err := OpenBadger(BadgerOptions{Dir: dir, Logger: newLogger()})
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	for _, id := range []string{"c", "b"} {
		if err := b.Insert(ctx, transcript.Line{ID: id}); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err = OpenBadger(BadgerOptions{Dir: dir, Logger: newLogger()})
	if err != nil {
		t.Fatalf("reopen badger: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Insert(ctx, transcript.Line{ID: "a"}); err != nil {
		t.Fatalf("insert after reopen: %v", err)
	}
	lines, err := b.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"c", "b", "a"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %+v", len(want), lines)
	}
	for i := range want {
		if lines[i].ID != want[i] {
			t.Fatalf("expected order %v, got %+v", want, lines)
		}
	}
}

func TestBadgerRequiresDir(t *testing.T) {
	if _, err := OpenBadger(BadgerOptions{}); err == nil {
		t.Fatal("expected error without dir")
	}
}
