package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ModelPricing holds per-1K-token prices for a model.
type ModelPricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
	DisplayName string  `json:"display_name"`
}

// ProviderProfile holds pricing and tokenizer calibration for one chat provider.
// Profiles are shared by the registry; callers must not modify Models.
type ProviderProfile struct {
	Key               string                  `json:"key"`
	Name              string                  `json:"name"`
	CharsPerToken     float64                 `json:"chars_per_token"`
	PunctuationWeight float64                 `json:"punctuation_weight"`
	DefaultModel      string                  `json:"default_model"`
	Models            map[string]ModelPricing `json:"models"`
}

// InputRate returns the default model's input price per 1K tokens.
func (p ProviderProfile) InputRate() float64 {
	return p.Models[p.DefaultModel].InputPer1K
}

// OutputRate returns the default model's output price per 1K tokens.
func (p ProviderProfile) OutputRate() float64 {
	return p.Models[p.DefaultModel].OutputPer1K
}

// ModelIDs returns the profile's model ids sorted by input price, then id.
func (p ProviderProfile) ModelIDs() []string {
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := p.Models[ids[i]], p.Models[ids[j]]
		if a.InputPer1K != b.InputPer1K {
			return a.InputPer1K > b.InputPer1K
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Calibration used when a provider is unknown or leaves a field unset.
const (
	GenericCharsPerToken     = 3.7
	DefaultPunctuationWeight = 0.9
)

// GenericPricing is charged when neither the model nor the provider is known.
var GenericPricing = ModelPricing{InputPer1K: 0.003, OutputPer1K: 0.015, DisplayName: "Generic"}

var openAIModels = map[string]ModelPricing{
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01, DisplayName: "GPT-4o"},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006, DisplayName: "GPT-4o Mini"},
	"o1-preview":    {InputPer1K: 0.015, OutputPer1K: 0.06, DisplayName: "o1-preview"},
	"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012, DisplayName: "o1-mini"},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03, DisplayName: "GPT-4 Turbo"},
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06, DisplayName: "GPT-4"},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015, DisplayName: "GPT-3.5 Turbo"},
}

// DefaultProviders is the built-in provider table keyed by hostname.
var DefaultProviders = map[string]ProviderProfile{
	"chatgpt.com": {
		Name:              "ChatGPT",
		CharsPerToken:     3.7,
		PunctuationWeight: 0.9,
		DefaultModel:      "gpt-4o",
		Models:            openAIModels,
	},
	"chat.openai.com": {
		Name:              "ChatGPT",
		CharsPerToken:     3.7,
		PunctuationWeight: 0.9,
		DefaultModel:      "gpt-4o",
		Models:            withoutModel(openAIModels, "gpt-3.5-turbo"),
	},
	"claude.ai": {
		Name:              "Claude",
		CharsPerToken:     3.5,
		PunctuationWeight: 0.85,
		DefaultModel:      "claude-3.5-sonnet",
		Models: map[string]ModelPricing{
			"claude-3.5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015, DisplayName: "Claude 3.5 Sonnet"},
			"claude-3.5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004, DisplayName: "Claude 3.5 Haiku"},
			"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075, DisplayName: "Claude 3 Opus"},
			"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015, DisplayName: "Claude 3 Sonnet"},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125, DisplayName: "Claude 3 Haiku"},
		},
	},
	"gemini.google.com": {
		Name:              "Gemini",
		CharsPerToken:     4.0,
		PunctuationWeight: 0.8,
		DefaultModel:      "gemini-2.0-flash",
		Models: map[string]ModelPricing{
			"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004, DisplayName: "Gemini 2.0 Flash"},
			"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005, DisplayName: "Gemini 1.5 Pro"},
			"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003, DisplayName: "Gemini 1.5 Flash"},
			"gemini-1.0-pro":   {InputPer1K: 0.0005, OutputPer1K: 0.0015, DisplayName: "Gemini 1.0 Pro"},
		},
	},
}

func withoutModel(in map[string]ModelPricing, drop string) map[string]ModelPricing {
	out := make(map[string]ModelPricing, len(in))
	for k, v := range in {
		if k != drop {
			out[k] = v
		}
	}
	return out
}

// GenericProfile returns the calibration used for a provider we know nothing about.
// It carries no models, so cost falls through to GenericPricing.
func GenericProfile(key string) ProviderProfile {
	return ProviderProfile{
		Key:               key,
		Name:              "Unknown",
		CharsPerToken:     GenericCharsPerToken,
		PunctuationWeight: DefaultPunctuationWeight,
	}
}

// Registry is the provider table. It is built once at startup and only read afterwards.
type Registry struct {
	providers map[string]ProviderProfile
}

// NewRegistry copies base into a new registry. It does not validate.
func NewRegistry(base map[string]ProviderProfile) *Registry {
	r := &Registry{providers: make(map[string]ProviderProfile, len(base))}
	for key, p := range base {
		cp := p
		cp.Key = NormalizeProviderKey(key)
		cp.Models = make(map[string]ModelPricing, len(p.Models))
		for id, mp := range p.Models {
			cp.Models[id] = mp
		}
		r.providers[cp.Key] = cp
	}
	return r
}

// DefaultRegistry returns the built-in providers.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultProviders)
}

// BuildRegistry applies the config's provider and pricing overrides on top of
// the built-in table and validates the result.
func BuildRegistry(cfg Config) (*Registry, error) {
	r := DefaultRegistry()

	for rawKey, ov := range cfg.Providers {
		key := NormalizeProviderKey(rawKey)
		p, ok := r.providers[key]
		if !ok {
			p = GenericProfile(key)
			p.Models = make(map[string]ModelPricing)
		}
		if ov.Name != nil {
			p.Name = *ov.Name
		}
		if ov.CharsPerToken != nil {
			p.CharsPerToken = *ov.CharsPerToken
		}
		if ov.PunctuationWeight != nil {
			p.PunctuationWeight = *ov.PunctuationWeight
		}
		if ov.DefaultModel != nil {
			p.DefaultModel = *ov.DefaultModel
		}
		r.providers[key] = p
	}

	for rawKey, models := range cfg.Pricing.Overrides {
		key := NormalizeProviderKey(rawKey)
		p, ok := r.providers[key]
		if !ok {
			p = GenericProfile(key)
			p.Models = make(map[string]ModelPricing)
		}
		for id, ov := range models {
			mp := p.Models[id]
			if ov.InputPer1K != nil {
				mp.InputPer1K = *ov.InputPer1K
			}
			if ov.OutputPer1K != nil {
				mp.OutputPer1K = *ov.OutputPer1K
			}
			if ov.DisplayName != "" {
				mp.DisplayName = ov.DisplayName
			}
			if mp.DisplayName == "" {
				mp.DisplayName = id
			}
			p.Models[id] = mp
		}
		r.providers[key] = p
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks that every provider has models and a default model among them.
func (r *Registry) Validate() error {
	var errs []error
	for _, key := range r.Keys() {
		p := r.providers[key]
		if len(p.Models) == 0 {
			errs = append(errs, fmt.Errorf("provider %s: no models", key))
			continue
		}
		if _, ok := p.Models[p.DefaultModel]; !ok {
			errs = append(errs, fmt.Errorf("provider %s: default model %q not in model table", key, p.DefaultModel))
		}
		if p.CharsPerToken < 0 {
			errs = append(errs, fmt.Errorf("provider %s: negative chars_per_token", key))
		}
		for id, mp := range p.Models {
			if mp.InputPer1K < 0 || mp.OutputPer1K < 0 {
				errs = append(errs, fmt.Errorf("provider %s: model %s has negative pricing", key, id))
			}
		}
	}
	return errors.Join(errs...)
}

// Keys returns the provider keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the profile for a provider key, normalizing it first.
func (r *Registry) Lookup(key string) (ProviderProfile, bool) {
	p, ok := r.providers[NormalizeProviderKey(key)]
	return p, ok
}

// Profile returns the provider's profile, or GenericProfile if it is unknown.
func (r *Registry) Profile(key string) ProviderProfile {
	if p, ok := r.Lookup(key); ok {
		return p
	}
	return GenericProfile(NormalizeProviderKey(key))
}

// LookupModel returns a model's pricing within a provider.
func (r *Registry) LookupModel(provider, modelID string) (ModelPricing, bool) {
	p, ok := r.Lookup(provider)
	if !ok {
		return ModelPricing{}, false
	}
	mp, ok := p.Models[modelID]
	return mp, ok
}

// DefaultModel returns the provider's default model id, or "" if unknown.
func (r *Registry) DefaultModel(provider string) string {
	p, ok := r.Lookup(provider)
	if !ok {
		return ""
	}
	return p.DefaultModel
}

// MatchModel maps a free-form label scraped from a page (e.g. "Claude 3.5
// Sonnet" or "ChatGPT 4o mini") onto a model id of the provider.
// The longest matching model id wins so "gpt-4o-mini" beats "gpt-4o".
func (r *Registry) MatchModel(provider, label string) (string, bool) {
	p, ok := r.Lookup(provider)
	if !ok {
		return "", false
	}
	lower := strings.ToLower(strings.TrimSpace(label))
	if lower == "" {
		return "", false
	}
	if _, ok := p.Models[lower]; ok {
		return lower, true
	}

	best := ""
	for id, mp := range p.Models {
		spaced := strings.ReplaceAll(id, "-", " ")
		display := strings.ToLower(mp.DisplayName)
		if !strings.Contains(lower, id) && !strings.Contains(lower, spaced) &&
			!strings.Contains(lower, display) && !strings.Contains(display, lower) {
			continue
		}
		if len(id) > len(best) || (len(id) == len(best) && id < best) {
			best = id
		}
	}
	return best, best != ""
}

// NormalizeProviderKey reduces a URL or hostname to the registry key form.
// e.g., "https://www.Claude.ai/chat/123" -> "claude.ai"
func NormalizeProviderKey(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			s = u.Host
		}
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if host, _, ok := strings.Cut(s, ":"); ok {
		s = host
	}
	return strings.TrimPrefix(s, "www.")
}
