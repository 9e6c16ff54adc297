// Package pipeline applies estimated token counts to sessions and derives
// costs and totals from them.
package pipeline

import (
	"sort"
	"strings"

	"github.com/theirongolddev/tokmon/internal/model"
)

// Aggregate sums all sessions into totals. It is recomputed from scratch on
// every change so the aggregate can never drift from the sessions.
func Aggregate(sessions []model.SessionSnapshot) model.Totals {
	var t model.Totals
	for _, s := range sessions {
		t.Sessions++
		t.InputTokens += s.Input.Tokens
		t.OutputTokens += s.Output.Tokens
		t.InputChars += s.Input.Chars
		t.OutputChars += s.Output.Chars
		t.CostUSD += s.CostUSD
	}
	return t
}

// ProviderTotals is the aggregate for one provider.
type ProviderTotals struct {
	Provider string
	model.Totals
}

// AggregateByProvider groups sessions by provider, most expensive first.
func AggregateByProvider(sessions []model.SessionSnapshot) []ProviderTotals {
	byProvider := make(map[string][]model.SessionSnapshot)
	for _, s := range sessions {
		byProvider[s.Provider] = append(byProvider[s.Provider], s)
	}

	out := make([]ProviderTotals, 0, len(byProvider))
	for p, group := range byProvider {
		out = append(out, ProviderTotals{Provider: p, Totals: Aggregate(group)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// FilterByProvider returns sessions whose provider contains the substring.
func FilterByProvider(sessions []model.SessionSnapshot, provider string) []model.SessionSnapshot {
	if provider == "" {
		return sessions
	}
	needle := strings.ToLower(provider)
	var out []model.SessionSnapshot
	for _, s := range sessions {
		if strings.Contains(strings.ToLower(s.Provider), needle) {
			out = append(out, s)
		}
	}
	return out
}

// SortByActivity orders sessions most recently active first.
func SortByActivity(sessions []model.SessionSnapshot) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].LastActivity.Equal(sessions[j].LastActivity) {
			return sessions[i].LastActivity.After(sessions[j].LastActivity)
		}
		return sessions[i].Key < sessions[j].Key
	})
}
