package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepInterval is how often idle sessions are collected.
const DefaultSweepInterval = 15 * time.Minute

// Sweeper runs Tracker.Sweep on a cron schedule.
type Sweeper struct {
	tracker  *Tracker
	schedule string
	cron     *cron.Cron

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

// NewSweeper schedules sweeps every interval. A non-positive interval uses
// DefaultSweepInterval.
func NewSweeper(t *Tracker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		tracker:  t,
		schedule: "@every " + interval.String(),
		cron:     cron.New(),
	}
}

// Schedule returns the cron expression in use.
func (s *Sweeper) Schedule() string {
	return s.schedule
}

// Start begins sweeping until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	// A stopped cron keeps its entries, so every start gets a fresh one.
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.run); err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.stopped = make(chan struct{})
	s.tracker.logger.Info("session sweeper started", "schedule", s.schedule, "ttl", s.tracker.ttl)

	go func(stopped <-chan struct{}) {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopped:
		}
	}(s.stopped)
	return nil
}

func (s *Sweeper) run() {
	if n := s.tracker.Sweep(s.tracker.now()); n > 0 {
		s.tracker.logger.Info("expired idle sessions", "removed", n)
	} else {
		s.tracker.logger.Debug("sweep found no idle sessions")
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	close(s.stopped)
	s.running = false
	s.tracker.logger.Info("session sweeper stopped")
}

// NextRun returns when the next sweep is due, or the zero time if stopped.
func (s *Sweeper) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// StartSweeper starts a sweeper at the given interval and returns it.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) (*Sweeper, error) {
	s := NewSweeper(t, interval)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
