// Package daemon hosts the tracker behind a local HTTP API for browser-side
// collaborators, with an SSE stream of stats changes and Prometheus metrics.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/detect"
	"github.com/theirongolddev/tokmon/internal/estimator"
	"github.com/theirongolddev/tokmon/internal/logging"
	"github.com/theirongolddev/tokmon/internal/metrics"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/tracker"
)

// Config controls the daemon runtime behavior.
type Config struct {
	Addr            string
	EventsBuffer    int
	CacheSize       int
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	Cadence         detect.Cadence
	TrackingEnabled bool
}

// ConfigFrom maps the file config onto daemon settings.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		Addr:            cfg.Daemon.Addr,
		EventsBuffer:    cfg.Daemon.EventsBuffer,
		CacheSize:       cfg.Estimator.CacheSize,
		SessionTTL:      cfg.General.SessionTTL.Duration,
		SweepInterval:   cfg.General.SweepInterval.Duration,
		TrackingEnabled: cfg.General.TrackingEnabled,
		Cadence: detect.Cadence{
			Streaming: cfg.Detect.StreamingInterval.Duration,
			Steady:    cfg.Detect.SteadyInterval.Duration,
		},
	}
}

// Store persists settings and retired sessions. *store.Store implements it.
type Store interface {
	LoadSettings() ([]byte, error)
	SaveSettings(blob []byte) error
	AddRetired(snap model.SessionSnapshot) error
}

// Event types.
const (
	EventSnapshot       = "snapshot"
	EventStatsChanged   = "stats_changed"
	EventSessionRetired = "session_retired"
)

// Delta captures the change in totals caused by one event.
type Delta struct {
	Sessions int     `json:"sessions"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// Event is emitted whenever a session's stats change or a session leaves.
type Event struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Session   *model.SessionSnapshot `json:"session,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Totals    model.Totals           `json:"totals"`
	Delta     Delta                  `json:"delta"`
}

// Status is served at /v1/status.
type Status struct {
	StartedAt       time.Time    `json:"started_at"`
	Addr            string       `json:"addr"`
	TrackingEnabled bool         `json:"tracking_enabled"`
	Totals          model.Totals `json:"totals"`
	SessionTTLSec   int          `json:"session_ttl_sec"`
	NextSweep       *time.Time   `json:"next_sweep,omitempty"`
	CacheHits       int64        `json:"cache_hits"`
	CacheMisses     int64        `json:"cache_misses"`
	LastError       string       `json:"last_error,omitempty"`
	EventCount      int          `json:"event_count"`
	SubscriberCount int          `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg     Config
	reg     *config.Registry
	store   Store
	logger  *slog.Logger
	cache   *estimator.Cache
	tracker *tracker.Tracker
	metrics *metrics.Collector
	sweeper *tracker.Sweeper

	mu          sync.RWMutex
	startedAt   time.Time
	lastError   string
	totals      model.Totals
	nextEventID int64
	events      []Event

	nextSubID int
	subs      map[int]chan Event
}

// New returns a daemon service. st may be nil, in which case settings and
// retired sessions are not persisted.
func New(cfg Config, reg *config.Registry, st Store, logger *slog.Logger) (*Service, error) {
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = tracker.DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := estimator.NewCache(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating estimate cache: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		reg:       reg,
		store:     st,
		logger:    logging.Component(logger, "daemon"),
		cache:     cache,
		startedAt: time.Now(),
		subs:      make(map[int]chan Event),
	}

	s.tracker = tracker.New(reg,
		tracker.WithLogger(logger),
		tracker.WithCache(cache),
		tracker.WithCadence(cfg.Cadence),
		tracker.WithTTL(cfg.SessionTTL),
		tracker.OnStatsChanged(s.onStatsChanged),
		tracker.OnRetire(s.onRetire),
		tracker.OnSettingsChanged(s.onSettingsChanged),
	)
	var cacheSource metrics.CacheSource
	if cache != nil {
		cacheSource = cache
	}
	s.metrics = metrics.NewCollector(nil, s.tracker, cacheSource)

	if err := s.loadSettings(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) loadSettings() error {
	if s.store == nil {
		s.tracker.SetTracking(s.cfg.TrackingEnabled)
		return nil
	}
	blob, err := s.store.LoadSettings()
	if err != nil {
		return err
	}
	if blob == nil {
		s.tracker.SetTracking(s.cfg.TrackingEnabled)
		return nil
	}
	return s.tracker.LoadSettings(blob)
}

// Tracker returns the hosted tracker.
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

// Run serves the HTTP API and sweeps idle sessions until ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sweeper, err := s.tracker.StartSweeper(ctx, s.cfg.SweepInterval)
	if err != nil {
		_ = server.Close()
		return err
	}
	s.mu.Lock()
	s.sweeper = sweeper
	s.mu.Unlock()
	defer sweeper.Stop()

	s.logger.Info("daemon listening", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("daemon http server: %w", err)
	}
}

func (s *Service) onStatsChanged(snap model.SessionSnapshot) {
	s.recordTotals(EventStatsChanged, &snap, "")
}

func (s *Service) onRetire(snap model.SessionSnapshot, why tracker.RetireReason) {
	s.metrics.RecordRetired(string(why))
	if s.store != nil && (snap.Input.Tokens > 0 || snap.Output.Tokens > 0) {
		if err := s.store.AddRetired(snap); err != nil {
			s.setError(err)
		}
	}
	s.recordTotals(EventSessionRetired, &snap, string(why))
}

func (s *Service) onSettingsChanged(settings model.Settings) {
	if s.store == nil {
		return
	}
	blob, err := json.Marshal(settings)
	if err != nil {
		s.setError(err)
		return
	}
	if err := s.store.SaveSettings(blob); err != nil {
		s.setError(err)
		return
	}
	s.logger.Debug("settings saved", "tracking_enabled", settings.TrackingEnabled, "models", len(settings.SelectedModel))
}

func (s *Service) setError(err error) {
	s.logger.Error("store write failed", "error", err)
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// recordTotals recomputes totals and publishes one event with the delta.
func (s *Service) recordTotals(typ string, snap *model.SessionSnapshot, reason string) {
	now := time.Now()
	curr := s.tracker.Totals()

	s.mu.Lock()
	delta := diffTotals(s.totals, curr)
	s.totals = curr
	s.nextEventID++
	ev := Event{
		ID:        s.nextEventID,
		Type:      typ,
		Timestamp: now,
		Session:   snap,
		Reason:    reason,
		Totals:    curr,
		Delta:     delta,
	}
	s.mu.Unlock()

	s.publishEvent(ev)
}

func diffTotals(prev, curr model.Totals) Delta {
	return Delta{
		Sessions: curr.Sessions - prev.Sessions,
		Tokens:   curr.Tokens() - prev.Tokens(),
		CostUSD:  curr.CostUSD - prev.CostUSD,
	}
}

func (s *Service) publishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cfg.EventsBuffer {
		s.events = s.events[len(s.events)-s.cfg.EventsBuffer:]
	}

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Service) snapshotStatus() Status {
	totals := s.tracker.Totals()
	hits, misses := s.cache.Stats()
	tracking := s.tracker.Settings().TrackingEnabled

	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		StartedAt:       s.startedAt,
		Addr:            s.cfg.Addr,
		TrackingEnabled: tracking,
		Totals:          totals,
		SessionTTLSec:   int(s.cfg.SessionTTL.Seconds()),
		CacheHits:       hits,
		CacheMisses:     misses,
		LastError:       s.lastError,
		EventCount:      len(s.events),
		SubscriberCount: len(s.subs),
	}
	if s.sweeper != nil {
		if next := s.sweeper.NextRun(); !next.IsZero() {
			st.NextSweep = &next
		}
	}
	return st
}

func (s *Service) addSubscriber(ch chan Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subs[id] = ch
	return id
}

func (s *Service) removeSubscriber(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}
