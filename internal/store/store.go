// Package store persists the settings blob and the lifetime running total in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/theirongolddev/tokmon/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

const settingsName = "settings"

// Store is a SQLite-backed settings and totals store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSettings returns the saved settings blob, or nil if none was saved.
func (s *Store) LoadSettings() ([]byte, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE name = ?", settingsName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	return []byte(value), nil
}

// SaveSettings replaces the saved settings blob.
func (s *Store) SaveSettings(blob []byte) error {
	_, err := s.db.Exec(`INSERT INTO settings (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		settingsName, string(blob), s.timestamp())
	if err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

// AddRetired folds a finished session into the lifetime total.
func (s *Store) AddRetired(snap model.SessionSnapshot) error {
	provider := snap.Provider
	if provider == "" {
		provider = "unknown"
	}
	ts := s.timestamp()
	_, err := s.db.Exec(`INSERT INTO lifetime_totals
		(provider, sessions, input_tokens, output_tokens, input_chars, output_chars, cost_usd, first_seen, updated_at)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			sessions      = sessions + 1,
			input_tokens  = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			input_chars   = input_chars + excluded.input_chars,
			output_chars  = output_chars + excluded.output_chars,
			cost_usd      = cost_usd + excluded.cost_usd,
			updated_at    = excluded.updated_at`,
		provider, snap.Input.Tokens, snap.Output.Tokens, snap.Input.Chars, snap.Output.Chars, snap.CostUSD, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("adding retired session: %w", err)
	}
	return nil
}

// ProviderTotal is the lifetime total for one provider.
type ProviderTotal struct {
	Provider  string
	FirstSeen time.Time
	UpdatedAt time.Time
	model.Totals
}

// LifetimeByProvider returns the per-provider lifetime totals, most expensive first.
func (s *Store) LifetimeByProvider() ([]ProviderTotal, error) {
	rows, err := s.db.Query(`SELECT provider, sessions, input_tokens, output_tokens,
		input_chars, output_chars, cost_usd, first_seen, updated_at
		FROM lifetime_totals ORDER BY cost_usd DESC, provider`)
	if err != nil {
		return nil, fmt.Errorf("querying totals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderTotal
	for rows.Next() {
		var pt ProviderTotal
		var first, updated string
		if err := rows.Scan(&pt.Provider, &pt.Sessions, &pt.InputTokens, &pt.OutputTokens,
			&pt.InputChars, &pt.OutputChars, &pt.CostUSD, &first, &updated); err != nil {
			return nil, fmt.Errorf("scanning totals: %w", err)
		}
		pt.FirstSeen, _ = time.Parse(time.RFC3339, first)
		pt.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, pt)
	}
	return out, rows.Err()
}

// LifetimeTotals sums every provider's lifetime total.
func (s *Store) LifetimeTotals() (model.Totals, error) {
	rows, err := s.LifetimeByProvider()
	if err != nil {
		return model.Totals{}, err
	}
	var t model.Totals
	for _, r := range rows {
		t.Sessions += r.Sessions
		t.InputTokens += r.InputTokens
		t.OutputTokens += r.OutputTokens
		t.InputChars += r.InputChars
		t.OutputChars += r.OutputChars
		t.CostUSD += r.CostUSD
	}
	return t, nil
}

// ResetTotals clears the lifetime totals. Settings are kept.
func (s *Store) ResetTotals() error {
	if _, err := s.db.Exec("DELETE FROM lifetime_totals"); err != nil {
		return fmt.Errorf("resetting totals: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}
