package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/model"
)

// ErrUnknownModel is returned when switching to a model the provider doesn't list.
var ErrUnknownModel = errors.New("unknown model")

// PricingSource says which level of the fallback chain priced a session.
type PricingSource int

const (
	// PricedByModel means the selected model was found.
	PricedByModel PricingSource = iota
	// PricedByDefault means the selected model was unknown and the provider's
	// default model was used.
	PricedByDefault
	// PricedGeneric means the provider itself was unknown.
	PricedGeneric
)

func (s PricingSource) String() string {
	switch s {
	case PricedByModel:
		return "model"
	case PricedByDefault:
		return "provider-default"
	default:
		return "generic"
	}
}

// ResolvePricing finds the price for a provider's model, falling back to the
// provider default and then to GenericPricing.
func ResolvePricing(reg *config.Registry, provider, modelID string) (config.ModelPricing, PricingSource) {
	p, ok := reg.Lookup(provider)
	if !ok {
		return config.GenericPricing, PricedGeneric
	}
	if mp, ok := p.Models[modelID]; ok {
		return mp, PricedByModel
	}
	if mp, ok := p.Models[p.DefaultModel]; ok {
		return mp, PricedByDefault
	}
	return config.GenericPricing, PricedGeneric
}

// CalculateCost prices input and output tokens at per-1K rates.
func CalculateCost(p config.ModelPricing, inputTokens, outputTokens int64) float64 {
	cost := float64(inputTokens) / 1000 * p.InputPer1K
	cost += float64(outputTokens) / 1000 * p.OutputPer1K
	return cost
}

// Recalculate recomputes the session's cost from its current token counts.
func Recalculate(s model.Session, reg *config.Registry) model.Session {
	pricing, _ := ResolvePricing(reg, s.Provider, s.SelectedModel)
	s.Cost = CalculateCost(pricing, s.Input.Tokens, s.Output.Tokens)
	return s
}

// ApplyUpdate records the current totals observed for one stream. The
// observed text is cumulative, so tokens and chars replace the previous
// values rather than adding to them.
func ApplyUpdate(s model.Session, kind model.StreamKind, tokens, chars int64, reg *config.Registry, now time.Time) model.Session {
	st := model.Stats{Tokens: tokens, Chars: chars}
	if kind == model.Output {
		s.Output = st
	} else {
		s.Input = st
	}
	s.LastActivity = now
	return Recalculate(s, reg)
}

// SwitchModel moves the session to another of its provider's models and
// reprices the existing token counts. Unknown models leave s unchanged.
func SwitchModel(s model.Session, modelID string, reg *config.Registry) (model.Session, error) {
	if _, ok := reg.LookupModel(s.Provider, modelID); !ok {
		return s, fmt.Errorf("switching %s to %q: %w", s.Provider, modelID, ErrUnknownModel)
	}
	s.SelectedModel = modelID
	return Recalculate(s, reg), nil
}

// NewSession returns an empty session for provider. modelID is used when the
// provider lists it, otherwise the provider's default model is selected.
func NewSession(id, key, provider, modelID string, reg *config.Registry, now time.Time) model.Session {
	provider = config.NormalizeProviderKey(provider)
	if _, ok := reg.LookupModel(provider, modelID); !ok {
		modelID = reg.DefaultModel(provider)
	}
	return model.Session{
		ID:            id,
		Key:           key,
		Provider:      provider,
		SelectedModel: modelID,
		CreatedAt:     now,
		LastActivity:  now,
	}
}

// Snapshot converts a session into the read-only view handed to collaborators.
func Snapshot(s model.Session, reg *config.Registry) model.SessionSnapshot {
	pricing, src := ResolvePricing(reg, s.Provider, s.SelectedModel)
	name := pricing.DisplayName
	if src == PricedGeneric && s.SelectedModel != "" {
		name = s.SelectedModel
	}
	return model.SessionSnapshot{
		ID:            s.ID,
		Key:           s.Key,
		Provider:      s.Provider,
		Model:         s.SelectedModel,
		ModelName:     name,
		DetectedModel: s.DetectedModel,
		Input:         s.Input,
		Output:        s.Output,
		CostUSD:       s.Cost,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
	}
}
