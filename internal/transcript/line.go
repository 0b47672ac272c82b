// Package transcript holds the ordered, persisted collection of transcript
// lines and the feed that pushes committed snapshots to observers.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by a Backend when an update targets an absent id.
	ErrNotFound = errors.New("transcript: line not found")
	// ErrClosed is returned when a request reaches a Store after Close.
	ErrClosed = errors.New("transcript: store closed")
)

// Line is a single transcript entry. ElapsedLabel and CreatedAt are fixed at
// creation; Text is replaced wholesale while the line is open.
type Line struct {
	ID           string    `json:"id"`
	ElapsedLabel string    `json:"elapsed_label"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend is the persistence engine behind a Store. List returns lines in
// insertion order.
type Backend interface {
	Insert(ctx context.Context, line Line) error
	Update(ctx context.Context, line Line) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]Line, error)
	Close() error
}

// FormatElapsed renders |at - start| as zero-padded mm:ss. Minutes are not
// wrapped into hours.
func FormatElapsed(start, at time.Time) string {
	diff := at.Sub(start)
	if diff < 0 {
		diff = -diff
	}
	secs := int64(diff / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
