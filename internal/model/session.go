// Package model defines domain types for tokmon sessions and snapshots.
package model

import (
	"fmt"
	"strings"
	"time"
)

// StreamKind distinguishes user-authored prompt text from model output.
type StreamKind string

const (
	Input  StreamKind = "input"
	Output StreamKind = "output"
)

// ParseStreamKind accepts "input"/"output" in any case, plus the
// "inputUpdate"/"responseUpdate" message names used by the browser side.
func ParseStreamKind(s string) (StreamKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "inputupdate", "prompt":
		return Input, nil
	case "output", "responseupdate", "response":
		return Output, nil
	}
	return "", fmt.Errorf("unknown stream kind %q", s)
}

// TextSnapshot is one point-in-time observation of page text.
type TextSnapshot struct {
	SessionKey string     `json:"session"`
	Stream     StreamKind `json:"stream"`
	Provider   string     `json:"provider"`
	Text       string     `json:"text"`
	ObservedAt time.Time  `json:"observed_at"`
}

// Stats is the current observed total for one stream.
type Stats struct {
	Tokens int64 `json:"tokens"`
	Chars  int64 `json:"chars"`
}

// Session tracks one conversation context (typically one browser tab).
type Session struct {
	ID            string
	Key           string
	Provider      string
	SelectedModel string
	DetectedModel string

	Input  Stats
	Output Stats
	Cost   float64

	CreatedAt    time.Time
	LastActivity time.Time
}

// StatsFor returns the stats for the given stream.
func (s *Session) StatsFor(kind StreamKind) Stats {
	if kind == Output {
		return s.Output
	}
	return s.Input
}

// SessionSnapshot is a read-only view of a session handed to collaborators.
type SessionSnapshot struct {
	ID              string    `json:"id"`
	Key             string    `json:"key"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	ModelName       string    `json:"model_name"`
	DetectedModel   string    `json:"detected_model,omitempty"`
	Input           Stats     `json:"input"`
	Output          Stats     `json:"output"`
	CostUSD         float64   `json:"cost_usd"`
	InputStreaming  bool      `json:"input_streaming"`
	OutputStreaming bool      `json:"output_streaming"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
}

// Totals aggregates all live sessions. Always derived, never stored.
type Totals struct {
	Sessions     int     `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	InputChars   int64   `json:"input_chars"`
	OutputChars  int64   `json:"output_chars"`
	CostUSD      float64 `json:"cost_usd"`
}

// Tokens returns input plus output tokens.
func (t Totals) Tokens() int64 {
	return t.InputTokens + t.OutputTokens
}

// Settings is the persisted user preference blob.
type Settings struct {
	SelectedModel   map[string]string `json:"selected_model"`
	TrackingEnabled bool              `json:"tracking_enabled"`
}

// DefaultSettings returns settings with tracking on and no model choices.
func DefaultSettings() Settings {
	return Settings{
		SelectedModel:   make(map[string]string),
		TrackingEnabled: true,
	}
}

// Clone returns a deep copy so callers can't alias the model map.
func (s Settings) Clone() Settings {
	out := Settings{
		SelectedModel:   make(map[string]string, len(s.SelectedModel)),
		TrackingEnabled: s.TrackingEnabled,
	}
	for k, v := range s.SelectedModel {
		out.SelectedModel[k] = v
	}
	return out
}
