// Package tracker owns the live sessions. It feeds text snapshots through
// the change detector, estimator and cost accumulator and reports the
// resulting stats to whoever is listening.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/detect"
	"github.com/theirongolddev/tokmon/internal/estimator"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
)

var (
	// ErrSessionNotFound is returned by operations that require an existing session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptyKey is returned when a snapshot arrives without a session key.
	ErrEmptyKey = errors.New("empty session key")
)

// DefaultTTL is how long a session may stay idle before the sweeper drops it.
const DefaultTTL = 60 * time.Minute

// RetireReason says why a session left the tracker.
type RetireReason string

const (
	RetireClosed  RetireReason = "closed"
	RetireReset   RetireReason = "reset"
	RetireExpired RetireReason = "expired"
)

// NotifyResult describes what one snapshot did to its session.
type NotifyResult struct {
	SessionID    string                `json:"session_id,omitempty"`
	Ignored      bool                  `json:"ignored,omitempty"`
	Created      bool                  `json:"created,omitempty"`
	Emitted      bool                  `json:"emitted"`
	Streaming    bool                  `json:"streaming"`
	Flushed      bool                  `json:"flushed,omitempty"`
	Tokens       int                   `json:"tokens"`
	PollInterval time.Duration         `json:"-"`
	Snapshot     model.SessionSnapshot `json:"snapshot"`
}

type entry struct {
	session model.Session
	input   detect.StreamState
	output  detect.StreamState
}

func (e *entry) state(kind model.StreamKind) detect.StreamState {
	if kind == model.Output {
		return e.output
	}
	return e.input
}

func (e *entry) setState(kind model.StreamKind, st detect.StreamState) {
	if kind == model.Output {
		e.output = st
	} else {
		e.input = st
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger. The component attribute is added by the tracker.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithCache puts an estimate cache in front of the estimator.
func WithCache(c *estimator.Cache) Option {
	return func(t *Tracker) { t.cache = c }
}

// WithCadence sets the poll intervals reported back to collaborators.
func WithCadence(c detect.Cadence) Option {
	return func(t *Tracker) { t.cadence = c }
}

// WithTTL sets the idle time after which Sweep removes a session.
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// OnStatsChanged registers a callback fired whenever a session's stats change.
func OnStatsChanged(fn func(model.SessionSnapshot)) Option {
	return func(t *Tracker) { t.onStats = fn }
}

// OnRetire registers a callback fired with a session's final snapshot when it
// is closed, reset or expired.
func OnRetire(fn func(model.SessionSnapshot, RetireReason)) Option {
	return func(t *Tracker) { t.onRetire = fn }
}

// OnSettingsChanged registers a callback fired after the settings change.
func OnSettingsChanged(fn func(model.Settings)) Option {
	return func(t *Tracker) { t.onSettings = fn }
}

// Tracker is safe for concurrent use. Every operation holds one mutex so each
// snapshot is processed atomically. Callbacks run after the mutex is released,
// in processing order. They may read from the Tracker but must not modify it:
// a mutation from a callback waits for its own delivery turn forever.
type Tracker struct {
	reg     *config.Registry
	cache   *estimator.Cache
	cadence detect.Cadence
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	onStats    func(model.SessionSnapshot)
	onRetire   func(model.SessionSnapshot, RetireReason)
	onSettings func(model.Settings)

	mu       sync.Mutex
	sessions map[string]*entry
	settings model.Settings

	// Delivery tickets. issued is taken under mu, so ticket order is
	// processing order; served is guarded by emitMu and names the ticket
	// whose callbacks may run next.
	issued   uint64
	emitMu   sync.Mutex
	emitCond *sync.Cond
	served   uint64
}

// New returns a tracker pricing sessions against reg.
func New(reg *config.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		reg:      reg,
		cadence:  detect.DefaultCadence,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*entry),
		settings: model.DefaultSettings(),
	}
	t.emitCond = sync.NewCond(&t.emitMu)
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tracker")
	return t
}

type retired struct {
	snap   model.SessionSnapshot
	reason RetireReason
}

// events collects callback work while the mutex is held.
type events struct {
	stats    []model.SessionSnapshot
	retired  []retired
	settings *model.Settings
}

// unlockAndFire takes a delivery ticket, releases mu and runs the collected
// callbacks once every earlier ticket has been served. No lock is held while
// callbacks run, so they can read from the Tracker.
func (t *Tracker) unlockAndFire(ev events) {
	ticket := t.issued
	t.issued++
	t.mu.Unlock()

	t.emitMu.Lock()
	for t.served != ticket {
		t.emitCond.Wait()
	}
	t.emitMu.Unlock()

	defer func() {
		t.emitMu.Lock()
		t.served++
		t.emitMu.Unlock()
		t.emitCond.Broadcast()
	}()

	if t.onStats != nil {
		for _, s := range ev.stats {
			t.onStats(s)
		}
	}
	if t.onRetire != nil {
		for _, r := range ev.retired {
			t.onRetire(r.snap, r.reason)
		}
	}
	if t.onSettings != nil && ev.settings != nil {
		t.onSettings(*ev.settings)
	}
}

// Notify processes a text snapshot observed now.
func (t *Tracker) Notify(key string, kind model.StreamKind, provider, text string) (NotifyResult, error) {
	return t.Observe(model.TextSnapshot{
		SessionKey: key,
		Stream:     kind,
		Provider:   provider,
		Text:       text,
	})
}

// Observe processes a text snapshot. A zero ObservedAt means now.
func (t *Tracker) Observe(snap model.TextSnapshot) (NotifyResult, error) {
	if snap.SessionKey == "" {
		return NotifyResult{}, ErrEmptyKey
	}
	now := snap.ObservedAt
	if now.IsZero() {
		now = t.now()
	}

	t.mu.Lock()
	var ev events

	if !t.settings.TrackingEnabled {
		t.mu.Unlock()
		return NotifyResult{Ignored: true, PollInterval: t.cadence.Interval(detect.StreamState{})}, nil
	}

	e, created := t.ensure(snap.SessionKey, snap.Provider, now)
	moved := !created && snap.Provider != "" && t.moveProvider(e, snap.Provider)

	res := detect.Accept(snap.Text, e.state(snap.Stream))
	e.setState(snap.Stream, res.State)

	out := NotifyResult{
		SessionID:    e.session.ID,
		Created:      created,
		Emitted:      res.ShouldEmit,
		Streaming:    res.IsStreaming,
		Flushed:      res.Flushed,
		PollInterval: t.cadence.Interval(res.State),
	}

	if res.ShouldEmit {
		profile := t.reg.Profile(e.session.Provider)
		tokens := t.cache.Estimate(snap.Text, profile)
		chars := int64(utf8.RuneCountInString(snap.Text))
		e.session = pipeline.ApplyUpdate(e.session, snap.Stream, int64(tokens), chars, t.reg, now)
	} else if snap.Text != "" {
		e.session.LastActivity = now
	}
	out.Tokens = int(e.session.StatsFor(snap.Stream).Tokens)
	out.Snapshot = t.snapshot(e)
	// A provider change reprices the session even when the text is unchanged.
	if res.ShouldEmit || moved {
		ev.stats = append(ev.stats, out.Snapshot)
	}

	t.unlockAndFire(ev)

	if res.Flushed {
		t.logger.Debug("stream settled", "session", snap.SessionKey, "stream", snap.Stream, "tokens", out.Tokens)
	}
	return out, nil
}

// ensure returns the entry for key, creating it if needed. Caller holds mu.
func (t *Tracker) ensure(key, provider string, now time.Time) (*entry, bool) {
	if e, ok := t.sessions[key]; ok {
		return e, false
	}
	provider = config.NormalizeProviderKey(provider)
	if _, ok := t.reg.Lookup(provider); !ok {
		t.logger.Warn("unknown provider, using generic pricing", "provider", provider, "session", key)
	}
	s := pipeline.NewSession(uuid.NewString(), key, provider, t.settings.SelectedModel[provider], t.reg, now)
	e := &entry{session: s}
	t.sessions[key] = e
	t.logger.Debug("session created", "session", key, "id", s.ID, "provider", s.Provider, "model", s.SelectedModel)
	return e, true
}

// moveProvider handles a tab navigating to another provider and reports
// whether the session moved. Caller holds mu.
func (t *Tracker) moveProvider(e *entry, provider string) bool {
	provider = config.NormalizeProviderKey(provider)
	if provider == e.session.Provider {
		return false
	}
	modelID := t.settings.SelectedModel[provider]
	if _, ok := t.reg.LookupModel(provider, modelID); !ok {
		modelID = t.reg.DefaultModel(provider)
	}
	t.logger.Debug("session changed provider", "session", e.session.Key, "from", e.session.Provider, "to", provider)
	e.session.Provider = provider
	e.session.SelectedModel = modelID
	e.session.DetectedModel = ""
	e.session = pipeline.Recalculate(e.session, t.reg)
	return true
}

func (t *Tracker) snapshot(e *entry) model.SessionSnapshot {
	snap := pipeline.Snapshot(e.session, t.reg)
	snap.InputStreaming = e.input.IsStreaming
	snap.OutputStreaming = e.output.IsStreaming
	return snap
}

// SelectModel switches a session's model and remembers the choice for new
// sessions on the same provider.
func (t *Tracker) SelectModel(key, modelID string) (model.SessionSnapshot, error) {
	t.mu.Lock()
	e, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("selecting model for %q: %w", key, ErrSessionNotFound)
	}

	s, err := pipeline.SwitchModel(e.session, modelID, t.reg)
	if err != nil {
		prev := t.snapshot(e)
		t.mu.Unlock()
		t.logger.Warn("model switch rejected", "session", key, "provider", prev.Provider, "model", modelID)
		return prev, err
	}
	e.session = s
	t.settings.SelectedModel[s.Provider] = modelID

	snap := t.snapshot(e)
	settings := t.settings.Clone()
	t.unlockAndFire(events{stats: []model.SessionSnapshot{snap}, settings: &settings})
	return snap, nil
}

// DetectModel records a model label scraped from the page. A label that
// matches one of the provider's models switches the session to it. The
// remembered per-provider choice is left alone.
func (t *Tracker) DetectModel(key, label string) (model.SessionSnapshot, bool, error) {
	t.mu.Lock()
	e, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return model.SessionSnapshot{}, false, fmt.Errorf("detecting model for %q: %w", key, ErrSessionNotFound)
	}

	e.session.DetectedModel = label
	id, matched := t.reg.MatchModel(e.session.Provider, label)
	if matched {
		if s, err := pipeline.SwitchModel(e.session, id, t.reg); err == nil {
			e.session = s
		}
	} else {
		t.logger.Warn("detected model not in registry", "session", key, "provider", e.session.Provider, "model", label)
	}

	snap := t.snapshot(e)
	t.unlockAndFire(events{stats: []model.SessionSnapshot{snap}})
	return snap, matched, nil
}

// ResetSession zeroes a session's stats and detector state, keeping its model.
func (t *Tracker) ResetSession(key string) (model.SessionSnapshot, error) {
	t.mu.Lock()
	e, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("resetting %q: %w", key, ErrSessionNotFound)
	}

	final := t.snapshot(e)
	now := t.now()
	fresh := pipeline.NewSession(uuid.NewString(), key, e.session.Provider, e.session.SelectedModel, t.reg, now)
	fresh.DetectedModel = e.session.DetectedModel
	*e = entry{session: fresh}

	snap := t.snapshot(e)
	t.unlockAndFire(events{
		stats:   []model.SessionSnapshot{snap},
		retired: []retired{{snap: final, reason: RetireReset}},
	})
	return snap, nil
}

// CloseSession drops a session, e.g. when its tab closes.
func (t *Tracker) CloseSession(key string) (model.SessionSnapshot, error) {
	t.mu.Lock()
	e, ok := t.sessions[key]
	if !ok {
		t.mu.Unlock()
		return model.SessionSnapshot{}, fmt.Errorf("closing %q: %w", key, ErrSessionNotFound)
	}
	final := t.snapshot(e)
	delete(t.sessions, key)
	t.unlockAndFire(events{retired: []retired{{snap: final, reason: RetireClosed}}})
	return final, nil
}

// Reset drops every session. Totals become zero.
func (t *Tracker) Reset() int {
	t.mu.Lock()
	var ev events
	for key, e := range t.sessions {
		ev.retired = append(ev.retired, retired{snap: t.snapshot(e), reason: RetireReset})
		delete(t.sessions, key)
	}
	n := len(ev.retired)
	t.unlockAndFire(ev)

	t.logger.Info("all sessions reset", "sessions", n)
	return n
}

// Query returns the snapshot for one session.
func (t *Tracker) Query(key string) (model.SessionSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sessions[key]
	if !ok {
		return model.SessionSnapshot{}, false
	}
	return t.snapshot(e), true
}

// Sessions returns every live session, most recently active first.
func (t *Tracker) Sessions() []model.SessionSnapshot {
	t.mu.Lock()
	out := make([]model.SessionSnapshot, 0, len(t.sessions))
	for _, e := range t.sessions {
		out = append(out, t.snapshot(e))
	}
	t.mu.Unlock()

	pipeline.SortByActivity(out)
	return out
}

// Totals sums the live sessions.
func (t *Tracker) Totals() model.Totals {
	return pipeline.Aggregate(t.Sessions())
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Sweep removes sessions idle for at least the TTL and returns how many.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	var ev events
	cutoff := now.Add(-t.ttl)
	for key, e := range t.sessions {
		if e.session.LastActivity.After(cutoff) {
			continue
		}
		ev.retired = append(ev.retired, retired{snap: t.snapshot(e), reason: RetireExpired})
		delete(t.sessions, key)
	}
	n := len(ev.retired)
	t.unlockAndFire(ev)
	return n
}

// Settings returns a copy of the current settings.
func (t *Tracker) Settings() model.Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings.Clone()
}

// SettingsJSON serializes the current settings blob.
func (t *Tracker) SettingsJSON() ([]byte, error) {
	return json.Marshal(t.Settings())
}

// LoadSettings replaces the settings from a serialized blob. Missing fields
// keep their defaults; model choices the registry doesn't know are dropped.
func (t *Tracker) LoadSettings(blob []byte) error {
	s := model.DefaultSettings()
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &s); err != nil {
			return fmt.Errorf("parsing settings: %w", err)
		}
	}
	if s.SelectedModel == nil {
		s.SelectedModel = make(map[string]string)
	}

	clean := make(map[string]string, len(s.SelectedModel))
	keys := make([]string, 0, len(s.SelectedModel))
	for k := range s.SelectedModel {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		provider := config.NormalizeProviderKey(k)
		modelID := s.SelectedModel[k]
		if _, ok := t.reg.LookupModel(provider, modelID); !ok {
			t.logger.Warn("dropping unknown saved model", "provider", provider, "model", modelID)
			continue
		}
		clean[provider] = modelID
	}
	s.SelectedModel = clean

	t.mu.Lock()
	t.settings = s
	t.mu.Unlock()
	return nil
}

// SetTracking turns snapshot processing on or off. Existing sessions stay.
func (t *Tracker) SetTracking(enabled bool) {
	t.mu.Lock()
	t.settings.TrackingEnabled = enabled
	settings := t.settings.Clone()
	t.unlockAndFire(events{settings: &settings})
}
