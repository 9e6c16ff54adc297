package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/theirongolddev/tokmon/internal/pipeline"
	"github.com/theirongolddev/tokmon/internal/tracker"
)

// ReplayStats summarizes a replay run.
type ReplayStats struct {
	Events    int
	Snapshots int
	Emitted   int
	Flushed   int
	Rejected  int
}

// Replay feeds events through tr in order. Rejected model switches and
// events for unknown sessions are counted and logged. Replay stops early
// only when ctx is cancelled.
func Replay(ctx context.Context, tr *tracker.Tracker, events []Event, logger *slog.Logger) (ReplayStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "replay")

	var st ReplayStats
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Events++

		err := apply(tr, ev, &st)
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrUnknownModel), errors.Is(err, tracker.ErrSessionNotFound):
			st.Rejected++
			logger.Warn("event rejected", "line", ev.Line, "kind", ev.Kind, "error", err)
		default:
			return st, fmt.Errorf("line %d: %w", ev.Line, err)
		}
	}
	return st, nil
}

func apply(tr *tracker.Tracker, ev Event, st *ReplayStats) error {
	key := ev.Snapshot.SessionKey
	switch ev.Kind {
	case EventSnapshot:
		res, err := tr.Observe(ev.Snapshot)
		if err != nil {
			return err
		}
		st.Snapshots++
		if res.Emitted {
			st.Emitted++
		}
		if res.Flushed {
			st.Flushed++
		}
		return nil
	case EventSelectModel:
		_, err := tr.SelectModel(key, ev.Model)
		return err
	case EventDetectModel:
		_, _, err := tr.DetectModel(key, ev.Label)
		return err
	case EventClose:
		_, err := tr.CloseSession(key)
		return err
	case EventReset:
		_, err := tr.ResetSession(key)
		return err
	case EventResetAll:
		tr.Reset()
		return nil
	}
	return fmt.Errorf("unhandled event kind %q", ev.Kind)
}
