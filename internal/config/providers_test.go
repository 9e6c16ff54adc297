package config

import (
	"strings"
	"testing"
)

func TestDefaultRegistryValid(t *testing.T) {
	r := DefaultRegistry()
	if err := r.Validate(); err != nil {
		t.Fatalf("built-in registry invalid: %v", err)
	}
	for _, key := range r.Keys() {
		p, _ := r.Lookup(key)
		if len(p.Models) == 0 {
			t.Errorf("%s has no models", key)
		}
		if _, ok := p.Models[p.DefaultModel]; !ok {
			t.Errorf("%s default model %q missing", key, p.DefaultModel)
		}
		if p.Key != key {
			t.Errorf("profile key = %q, want %q", p.Key, key)
		}
	}
}

func TestNormalizeProviderKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"claude.ai", "claude.ai"},
		{"Claude.AI", "claude.ai"},
		{"https://chatgpt.com/c/abc-123", "chatgpt.com"},
		{"www.chatgpt.com", "chatgpt.com"},
		{"gemini.google.com:443", "gemini.google.com"},
		{"  chat.openai.com/?model=gpt-4  ", "chat.openai.com"},
	}
	for _, tt := range tests {
		if got := NormalizeProviderKey(tt.in); got != tt.want {
			t.Errorf("NormalizeProviderKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProfileFallsBackToGeneric(t *testing.T) {
	r := DefaultRegistry()
	p := r.Profile("poe.com")
	if p.CharsPerToken != GenericCharsPerToken {
		t.Errorf("CharsPerToken = %.1f, want %.1f", p.CharsPerToken, GenericCharsPerToken)
	}
	if len(p.Models) != 0 {
		t.Errorf("generic profile has %d models, want 0", len(p.Models))
	}
	if _, ok := r.Lookup("poe.com"); ok {
		t.Error("Lookup reported unknown provider as known")
	}
}

func TestProfileRates(t *testing.T) {
	p, ok := DefaultRegistry().Lookup("chatgpt.com")
	if !ok {
		t.Fatal("chatgpt.com missing")
	}
	if p.InputRate() != 0.0025 || p.OutputRate() != 0.01 {
		t.Errorf("rates = %v/%v, want 0.0025/0.01", p.InputRate(), p.OutputRate())
	}
}

func TestMatchModel(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		provider string
		label    string
		want     string
		ok       bool
	}{
		{"chatgpt.com", "GPT-4o", "gpt-4o", true},
		{"chatgpt.com", "ChatGPT 4o mini", "gpt-4o-mini", true},
		{"chatgpt.com", "Using gpt-4o-mini today", "gpt-4o-mini", true},
		{"claude.ai", "Claude 3 Opus", "claude-3-opus", true},
		{"claude.ai", "sonnet", "claude-3.5-sonnet", true},
		{"gemini.google.com", "Gemini 1.5 Pro", "gemini-1.5-pro", true},
		{"claude.ai", "mistral large", "", false},
		{"claude.ai", "", "", false},
		{"unknown.example", "gpt-4o", "", false},
	}
	for _, tt := range tests {
		got, ok := r.MatchModel(tt.provider, tt.label)
		if got != tt.want || ok != tt.ok {
			t.Errorf("MatchModel(%q, %q) = %q, %v; want %q, %v", tt.provider, tt.label, got, ok, tt.want, tt.ok)
		}
	}
}

func float(v float64) *float64 { return &v }
func str(v string) *string     { return &v }

func TestBuildRegistry_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderOverride{
		"claude.ai": {PunctuationWeight: float(0.8)},
		"poe.com":   {Name: str("Poe"), DefaultModel: str("assistant"), CharsPerToken: float(3.9)},
	}
	cfg.Pricing.Overrides = map[string]map[string]ModelPricingOverride{
		"claude.ai": {"claude-3.5-sonnet": {OutputPer1K: float(0.02)}},
		"poe.com":   {"assistant": {InputPer1K: float(0.001), OutputPer1K: float(0.002)}},
	}

	r, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}

	claude, _ := r.Lookup("claude.ai")
	if claude.PunctuationWeight != 0.8 {
		t.Errorf("claude punctuation = %v, want 0.8", claude.PunctuationWeight)
	}
	sonnet := claude.Models["claude-3.5-sonnet"]
	if sonnet.InputPer1K != 0.003 || sonnet.OutputPer1K != 0.02 {
		t.Errorf("sonnet pricing = %+v", sonnet)
	}
	if sonnet.DisplayName != "Claude 3.5 Sonnet" {
		t.Errorf("display name lost: %q", sonnet.DisplayName)
	}

	poe, ok := r.Lookup("poe.com")
	if !ok {
		t.Fatal("added provider missing")
	}
	if poe.Name != "Poe" || poe.CharsPerToken != 3.9 || poe.Models["assistant"].OutputPer1K != 0.002 {
		t.Errorf("poe profile = %+v", poe)
	}

	// Built-in table is untouched.
	if DefaultProviders["claude.ai"].Models["claude-3.5-sonnet"].OutputPer1K != 0.015 {
		t.Error("BuildRegistry mutated DefaultProviders")
	}
}

func TestBuildRegistry_RejectsMissingDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderOverride{
		"claude.ai": {DefaultModel: str("claude-9")},
		"poe.com":   {Name: str("Poe")},
	}
	_, err := BuildRegistry(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "claude-9") || !strings.Contains(msg, "poe.com: no models") {
		t.Errorf("error = %q, want both problems reported", msg)
	}
}

func TestModelIDsOrdering(t *testing.T) {
	p, _ := DefaultRegistry().Lookup("claude.ai")
	ids := p.ModelIDs()
	if len(ids) != 5 {
		t.Fatalf("len = %d, want 5", len(ids))
	}
	if ids[0] != "claude-3-opus" {
		t.Errorf("first = %q, want most expensive claude-3-opus", ids[0])
	}
	if ids[len(ids)-1] != "claude-3-haiku" {
		t.Errorf("last = %q, want cheapest claude-3-haiku", ids[len(ids)-1])
	}
}
