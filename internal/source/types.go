package source

import (
	"time"

	"github.com/theirongolddev/tokmon/internal/model"
)

// RawEvent is one line of a JSONL snapshot log.
//
// The type field defaults to "snapshot". The browser message names
// "inputUpdate" and "responseUpdate" are accepted as snapshot types that
// also carry the stream.
type RawEvent struct {
	Type      string `json:"type,omitempty"`
	Session   string `json:"session"`
	Stream    string `json:"stream,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Text      string `json:"text,omitempty"`
	Model     string `json:"model,omitempty"`
	Label     string `json:"label,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EventKind is what a replayed event does to the tracker.
type EventKind string

const (
	EventSnapshot    EventKind = "snapshot"
	EventSelectModel EventKind = "model"
	EventDetectModel EventKind = "detect"
	EventClose       EventKind = "close"
	EventReset       EventKind = "reset"
	EventResetAll    EventKind = "reset_all"
)

// Event is a parsed JSONL line.
type Event struct {
	Line     int
	Kind     EventKind
	Snapshot model.TextSnapshot
	Model    string
	Label    string
}

// At returns when the event was observed. Zero means unknown.
func (e Event) At() time.Time {
	return e.Snapshot.ObservedAt
}
