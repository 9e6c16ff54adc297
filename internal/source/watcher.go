package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SampleFunc receives the file's full text and returns how long to wait
// before sampling again if the file does not change in the meantime.
type SampleFunc func(text string) time.Duration

// DefaultPoll is used when a SampleFunc returns a non-positive interval.
const DefaultPoll = time.Second

// WatchFile samples path on every write and at the interval fn asks for,
// like a page script polling the DOM. The parent directory is watched so
// files replaced by rename are followed. A missing file samples as empty
// text. WatchFile returns nil when ctx is cancelled.
func WatchFile(ctx context.Context, path string, fn SampleFunc, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "watch", "path", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	sample := func() time.Duration {
		text, err := readText(abs)
		if err != nil {
			logger.Warn("reading watched file", "error", err)
		}
		d := fn(text)
		if d <= 0 {
			d = DefaultPoll
		}
		return d
	}

	timer := time.NewTimer(sample())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("file changed", "op", ev.Op.String())
			resetTimer(timer, sample())

		case <-timer.C:
			timer.Reset(sample())

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the local user
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
