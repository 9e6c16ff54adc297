package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/metrics"
	"github.com/theirongolddev/tokmon/internal/model"
	"github.com/theirongolddev/tokmon/internal/pipeline"
	"github.com/theirongolddev/tokmon/internal/tracker"
)

// maxBody bounds request bodies. Page text for one stream fits comfortably.
const maxBody = 4 << 20

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	mux.HandleFunc("POST /v1/notify", s.handleNotify)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{key}", s.handleSession)
	mux.HandleFunc("DELETE /v1/sessions/{key}", s.handleClose)
	mux.HandleFunc("POST /v1/sessions/{key}/model", s.handleSelectModel)
	mux.HandleFunc("POST /v1/sessions/{key}/detect", s.handleDetectModel)
	mux.HandleFunc("POST /v1/sessions/{key}/reset", s.handleResetSession)
	mux.HandleFunc("POST /v1/reset", s.handleReset)

	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/settings", s.handleSettings)
	mux.HandleFunc("PUT /v1/settings/tracking", s.handleTracking)

	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

type notifyRequest struct {
	Session  string `json:"session"`
	Stream   string `json:"stream"`
	Provider string `json:"provider"`
	Text     string `json:"text"`
}

type notifyResponse struct {
	tracker.NotifyResult
	PollIntervalMS int64 `json:"poll_interval_ms"`
}

type sessionsResponse struct {
	Sessions []model.SessionSnapshot `json:"sessions"`
	Totals   model.Totals            `json:"totals"`
}

type modelRequest struct {
	Model string `json:"model"`
}

type detectRequest struct {
	Label string `json:"label"`
}

type detectResponse struct {
	Matched bool                  `json:"matched"`
	Session model.SessionSnapshot `json:"session"`
}

type trackingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotStatus())
}

func (s *Service) handleEvents(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	events := make([]Event, len(s.events))
	copy(events, s.events)
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, events)
}

func (s *Service) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, err := model.ParseStreamKind(req.Stream)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.tracker.Notify(req.Session, kind, req.Provider, req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.metrics.RecordSnapshot(config.NormalizeProviderKey(req.Provider), kind, snapshotResult(res))

	writeJSON(w, http.StatusOK, notifyResponse{
		NotifyResult:   res,
		PollIntervalMS: res.PollInterval.Milliseconds(),
	})
}

func snapshotResult(res tracker.NotifyResult) string {
	switch {
	case res.Ignored:
		return metrics.ResultIgnored
	case res.Flushed:
		return metrics.ResultFlushed
	case res.Emitted:
		return metrics.ResultEmitted
	default:
		return metrics.ResultSkipped
	}
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := pipeline.FilterByProvider(s.tracker.Sessions(), r.URL.Query().Get("provider"))
	if sessions == nil {
		sessions = []model.SessionSnapshot{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions: sessions,
		Totals:   pipeline.Aggregate(sessions),
	})
}

func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	snap, ok := s.tracker.Query(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%q: %w", key, tracker.ErrSessionNotFound))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleSelectModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	snap, err := s.tracker.SelectModel(r.PathValue("key"), req.Model)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownModel) {
			s.metrics.RecordModelSwitch(snap.Provider, false)
		}
		writeTrackerError(w, err)
		return
	}
	s.metrics.RecordModelSwitch(snap.Provider, true)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleDetectModel(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, errors.New("label is required"))
		return
	}
	snap, matched, err := s.tracker.DetectModel(r.PathValue("key"), req.Label)
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detectResponse{Matched: matched, Session: snap})
}

func (s *Service) handleResetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.ResetSession(r.PathValue("key"))
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleClose(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.CloseSession(r.PathValue("key"))
	if err != nil {
		writeTrackerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Service) handleReset(w http.ResponseWriter, _ *http.Request) {
	n := s.tracker.Reset()
	s.cache.Purge()
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Service) handleProviders(w http.ResponseWriter, _ *http.Request) {
	profiles := make([]config.ProviderProfile, 0, len(s.reg.Keys()))
	for _, key := range s.reg.Keys() {
		p, _ := s.reg.Lookup(key)
		profiles = append(profiles, p)
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Service) handleSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Settings())
}

func (s *Service) handleTracking(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	s.tracker.SetTracking(*req.Enabled)
	writeJSON(w, http.StatusOK, s.tracker.Settings())
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	id := s.addSubscriber(ch)
	defer s.removeSubscriber(id)

	// Send current totals immediately.
	current := Event{
		Type:      EventSnapshot,
		Timestamp: time.Now(),
		Totals:    s.tracker.Totals(),
	}
	writeSSE(w, current)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if ev.ID > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", ev.ID)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return false
	}
	return true
}

func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrUnknownModel):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
