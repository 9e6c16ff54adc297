// Package detect decides which text snapshots are worth re-estimating and
// whether a stream is still growing.
package detect

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// StreamState is the per-stream memory of the detector. The zero value is a
// stream that has never been observed.
type StreamState struct {
	LastSignature uint64 `json:"last_signature"`
	HasSignature  bool   `json:"has_signature"`
	LastLength    int    `json:"last_length"`
	GrowthCount   int    `json:"growth_count"`
	IsStreaming   bool   `json:"is_streaming"`
}

// Result is the outcome of one Accept call.
type Result struct {
	ShouldEmit  bool
	State       StreamState
	IsStreaming bool
	// Flushed is set when an unchanged snapshot ends streaming and is
	// re-emitted so the final content is not lost.
	Flushed bool
}

// streamingAfter is the number of consecutive growing snapshots that marks
// a stream as streaming.
const streamingAfter = 2

// Signature returns an order-sensitive hash of text.
func Signature(text string) uint64 {
	return xxhash.Sum64String(text)
}

// Accept compares text against the stream's previous state.
func Accept(text string, state StreamState) Result {
	if text == "" {
		return Result{State: state, IsStreaming: state.IsStreaming}
	}

	sig := Signature(text)
	if state.HasSignature && sig == state.LastSignature {
		if !state.IsStreaming {
			return Result{State: state}
		}
		// Length held for a full cycle: streaming is over.
		state.IsStreaming = false
		state.GrowthCount = 0
		return Result{ShouldEmit: true, State: state, Flushed: true}
	}

	grew := state.HasSignature && len(text) > state.LastLength
	if grew {
		state.GrowthCount++
	} else {
		state.GrowthCount = 0
	}
	state.IsStreaming = state.GrowthCount >= streamingAfter
	state.LastSignature = sig
	state.HasSignature = true
	state.LastLength = len(text)

	return Result{ShouldEmit: true, State: state, IsStreaming: state.IsStreaming}
}

// Cadence is the recommended sampling interval for a collaborator polling
// page text.
type Cadence struct {
	Streaming time.Duration
	Steady    time.Duration
}

// DefaultCadence samples every 150ms while streaming and every second otherwise.
var DefaultCadence = Cadence{
	Streaming: 150 * time.Millisecond,
	Steady:    time.Second,
}

// Interval returns how long to wait before sampling a stream again.
func (c Cadence) Interval(state StreamState) time.Duration {
	if state.IsStreaming {
		if c.Streaming > 0 {
			return c.Streaming
		}
		return DefaultCadence.Streaming
	}
	if c.Steady > 0 {
		return c.Steady
	}
	return DefaultCadence.Steady
}
