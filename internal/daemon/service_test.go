package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	settings []byte
	retired  []model.SessionSnapshot
}

func (m *memStore) LoadSettings() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) SaveSettings(blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = append([]byte(nil), blob...)
	return nil
}

func (m *memStore) AddRetired(snap model.SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, snap)
	return nil
}

func newService(t *testing.T, st Store) *Service {
	t.Helper()
	cfg := ConfigFrom(config.DefaultConfig())
	s, err := New(cfg, config.DefaultRegistry(), st, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestDiffTotals(t *testing.T) {
	prev := model.Totals{Sessions: 2, InputTokens: 100, OutputTokens: 400, CostUSD: 0.01}
	curr := model.Totals{Sessions: 3, InputTokens: 150, OutputTokens: 600, CostUSD: 0.0135}

	delta := diffTotals(prev, curr)
	if delta.Sessions != 1 {
		t.Fatalf("Sessions delta = %d, want 1", delta.Sessions)
	}
	if delta.Tokens != 250 {
		t.Fatalf("Tokens delta = %d, want 250", delta.Tokens)
	}
	if math.Abs(delta.CostUSD-0.0035) > 1e-12 {
		t.Fatalf("Cost delta = %v, want 0.0035", delta.CostUSD)
	}
}

func TestPublishEventRingBuffer(t *testing.T) {
	s, err := New(Config{EventsBuffer: 2}, config.DefaultRegistry(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	s.publishEvent(Event{ID: 1})
	s.publishEvent(Event{ID: 2})
	s.publishEvent(Event{ID: 3})

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) != 2 {
		t.Fatalf("events len = %d, want 2", len(s.events))
	}
	if s.events[0].ID != 2 || s.events[1].ID != 3 {
		t.Fatalf("events ring contains IDs [%d, %d], want [2, 3]", s.events[0].ID, s.events[1].ID)
	}
}

func TestNotifyAndQuery(t *testing.T) {
	s := newService(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/v1/notify", `{"session":"tab-1","stream":"inputUpdate","provider":"https://claude.ai/new","text":"Hello, world!\n"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("notify status = %d: %s", rec.Code, rec.Body)
	}
	res := decode[notifyResponse](t, rec)
	if !res.Emitted || !res.Created || res.Tokens == 0 {
		t.Errorf("notify result = %+v", res)
	}
	if res.PollIntervalMS != 1000 {
		t.Errorf("poll interval = %dms, want 1000", res.PollIntervalMS)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions/tab-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d", rec.Code)
	}
	snap := decode[model.SessionSnapshot](t, rec)
	if snap.Provider != "claude.ai" || snap.Input.Chars != 14 {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions", "")
	list := decode[sessionsResponse](t, rec)
	if len(list.Sessions) != 1 || list.Totals.Sessions != 1 || list.Totals.InputTokens != snap.Input.Tokens {
		t.Errorf("sessions = %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/v1/sessions?provider=gemini", "")
	list = decode[sessionsResponse](t, rec)
	if len(list.Sessions) != 0 {
		t.Errorf("filtered sessions = %+v", list.Sessions)
	}

	rec = do(t, h, http.MethodGet, "/v1/events", "")
	events := decode[[]Event](t, rec)
	if len(events) != 1 || events[0].Type != EventStatsChanged || events[0].Delta.Sessions != 1 {
		t.Errorf("events = %+v", events)
	}
}

func TestNotifyBadRequests(t *testing.T) {
	h := newService(t, nil).Handler()
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad stream", `{"session":"a","stream":"sideways","text":"x"}`},
		{"no session", `{"stream":"input","text":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/notify", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSelectModel(t *testing.T) {
	st := &memStore{}
	s := newService(t, st)
	h := s.Handler()

	do(t, h, http.MethodPost, "/v1/notify", `{"session":"tab","stream":"output","provider":"claude.ai","text":"An answer of moderate length."}`)

	rec := do(t, h, http.MethodPost, "/v1/sessions/tab/model", `{"model":"gpt-4o"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown model status = %d, want 422", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/sessions/tab/model", `{"model":"claude-3-opus"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("switch status = %d: %s", rec.Code, rec.Body)
	}
	snap := decode[model.SessionSnapshot](t, rec)
	if snap.Model != "claude-3-opus" || snap.ModelName != "Claude 3 Opus" {
		t.Errorf("snapshot = %+v", snap)
	}

	rec = do(t, h, http.MethodPost, "/v1/sessions/missing/model", `{"model":"claude-3-opus"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session status = %d, want 404", rec.Code)
	}

	st.mu.Lock()
	saved := string(st.settings)
	st.mu.Unlock()
	if !strings.Contains(saved, `"claude.ai":"claude-3-opus"`) {
		t.Errorf("settings not persisted: %s", saved)
	}
}

func TestDetectResetClose(t *testing.T) {
	st := &memStore{}
	s := newService(t, st)
	h := s.Handler()

	do(t, h, http.MethodPost, "/v1/notify", `{"session":"a","stream":"input","provider":"chatgpt.com","text":"question one"}`)
	do(t, h, http.MethodPost, "/v1/notify", `{"session":"b","stream":"input","provider":"chatgpt.com","text":"question two"}`)

	rec := do(t, h, http.MethodPost, "/v1/sessions/a/detect", `{"label":"GPT-4o mini"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("detect status = %d: %s", rec.Code, rec.Body)
	}
	det := decode[detectResponse](t, rec)
	if !det.Matched || det.Session.Model != "gpt-4o-mini" {
		t.Errorf("detect = %+v", det)
	}

	rec = do(t, h, http.MethodPost, "/v1/sessions/a/reset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	if snap := decode[model.SessionSnapshot](t, rec); snap.Input.Tokens != 0 {
		t.Errorf("reset session still has tokens: %+v", snap)
	}

	rec = do(t, h, http.MethodDelete, "/v1/sessions/b", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("close status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/v1/sessions/b", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second close status = %d, want 404", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/reset", "")
	if got := decode[map[string]int](t, rec); got["removed"] != 1 {
		t.Errorf("reset removed = %v, want 1", got)
	}

	// Reset of a, close of b. The empty a is not persisted by reset-all.
	st.mu.Lock()
	n := len(st.retired)
	st.mu.Unlock()
	if n != 2 {
		t.Errorf("retired sessions persisted = %d, want 2", n)
	}
}

func TestTrackingToggle(t *testing.T) {
	st := &memStore{}
	h := newService(t, st).Handler()

	rec := do(t, h, http.MethodPut, "/v1/settings/tracking", `{"enabled":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tracking status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/v1/notify", `{"session":"a","stream":"input","provider":"claude.ai","text":"ignored"}`)
	if res := decode[notifyResponse](t, rec); !res.Ignored {
		t.Errorf("notify while disabled = %+v", res)
	}

	rec = do(t, h, http.MethodPut, "/v1/settings/tracking", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing enabled status = %d, want 400", rec.Code)
	}

	// A new service over the same store starts disabled.
	s2 := newService(t, st)
	if s2.Tracker().Settings().TrackingEnabled {
		t.Error("tracking setting not restored from store")
	}
}

func TestProvidersStatusMetrics(t *testing.T) {
	s := newService(t, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/providers", "")
	providers := decode[[]config.ProviderProfile](t, rec)
	if len(providers) != 4 || providers[0].Key != "chat.openai.com" {
		t.Errorf("providers = %d, first %q", len(providers), providers[0].Key)
	}

	do(t, h, http.MethodPost, "/v1/notify", `{"session":"a","stream":"input","provider":"claude.ai","text":"hi"}`)
	do(t, h, http.MethodPost, "/v1/notify", `{"session":"a","stream":"input","provider":"claude.ai","text":"hi"}`)

	rec = do(t, h, http.MethodGet, "/v1/status", "")
	status := decode[Status](t, rec)
	if status.Totals.Sessions != 1 || !status.TrackingEnabled || status.SessionTTLSec != 3600 {
		t.Errorf("status = %+v", status)
	}
	if status.CacheMisses != 1 {
		t.Errorf("cache misses = %d, want 1", status.CacheMisses)
	}

	rec = do(t, h, http.MethodGet, "/metrics", "")
	body := rec.Body.String()
	for _, want := range []string{
		`tokmon_snapshots_total{provider="claude.ai",result="emitted",stream="input"} 1`,
		`tokmon_snapshots_total{provider="claude.ai",result="skipped",stream="input"} 1`,
		"tokmon_sessions 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Body.String() != "ok\n" {
		t.Errorf("healthz = %q", rec.Body.String())
	}
}

func TestStreamDeliversStatsChanged(t *testing.T) {
	s := newService(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func(prefix string) string {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(l, prefix) {
					return l
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	if got := next("event: "); got != "event: snapshot" {
		t.Fatalf("first event = %q", got)
	}
	next("data: ")

	// Wait until the stream is subscribed before notifying.
	deadline := time.Now().Add(5 * time.Second)
	for s.snapshotStatus().SubscriberCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	body := bytes.NewBufferString(`{"session":"tab","stream":"output","provider":"gemini.google.com","text":"Streaming text"}`)
	post, err := http.Post(srv.URL+"/v1/notify", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	_ = post.Body.Close()

	if got := next("event: "); got != "event: stats_changed" {
		t.Fatalf("second event = %q", got)
	}
	data := strings.TrimPrefix(next("data: "), "data: ")
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Session == nil || ev.Session.Key != "tab" || ev.Totals.Sessions != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestConcurrentRequestsWithSweep(t *testing.T) {
	st := &memStore{}
	s := newService(t, st)
	h := s.Handler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := string(rune('a' + i))
				text := ""
				for j := 0; j < 30; j++ {
					text += "word "
					body, _ := json.Marshal(notifyRequest{Session: key, Stream: "output", Provider: "claude.ai", Text: text})
					if rec := do(t, h, http.MethodPost, "/v1/notify", string(body)); rec.Code != http.StatusOK {
						t.Errorf("notify status = %d: %s", rec.Code, rec.Body.String())
						return
					}
					if j%10 == 0 {
						do(t, h, http.MethodPost, "/v1/sessions/"+key+"/model", `{"model":"claude-3-haiku"}`)
					}
				}
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 30; j++ {
				s.Tracker().Sweep(time.Now())
				do(t, h, http.MethodGet, "/v1/status", "")
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent notify, model switch and sweep did not finish")
	}

	if n := s.Tracker().Len(); n != 8 {
		t.Errorf("sessions = %d, want 8", n)
	}
	status := s.snapshotStatus()
	if status.Totals.Sessions != 8 || status.Totals.Tokens() != s.Tracker().Totals().Tokens() {
		t.Errorf("status totals = %+v, tracker totals = %+v", status.Totals, s.Tracker().Totals())
	}
}
