package protocol

import (
	"time"

	"github.com/loqalabs/loqa-notes/internal/transcript"
)

// Transcript is STT output broadcast on the bus by a recognizer node.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// RegisterRequest attaches a fresh reducer to the recognition service.
type RegisterRequest struct {
	NoteID string `json:"note_id,omitempty"`
}

// ControlReply answers register, unregister and clear requests.
type ControlReply struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// SnapshotMessage carries a committed transcript snapshot.
type SnapshotMessage struct {
	NoteID    string              `json:"note_id"`
	Snapshot  transcript.Snapshot `json:"snapshot"`
	Timestamp time.Time           `json:"timestamp"`
}

// Heartbeat is the periodic node status.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	NoteID    string    `json:"note_id"`
	State     string    `json:"state"`
	Lines     int       `json:"lines"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	SubjectRegister   = "ctrl.notes.register"
	SubjectUnregister = "ctrl.notes.unregister"
	SubjectClear      = "ctrl.notes.clear"
	SubjectSnapshot   = "notes.transcript.snapshot"

	SubjectHeartbeatPrefix = "ctrl.notes.heartbeat"
)
