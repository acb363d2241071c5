package extract

import (
	"math"

	"github.com/hurttlocker/capmap/internal/model"
)

// GovernorConfig holds the confidence ceilings per status tier.
type GovernorConfig struct {
	// ClaimedUnverifiedCeiling caps signals nobody has confirmed. Default: 0.55.
	ClaimedUnverifiedCeiling float64

	// ConditionalCeiling caps signals that depend on staffing, power,
	// maintenance or referral. Default: 0.70.
	ConditionalCeiling float64

	// AbsentCeiling caps signals stating a capability is missing. Default: 0.20.
	AbsentCeiling float64
}

// DefaultGovernorConfig returns the standard ceilings.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		ClaimedUnverifiedCeiling: 0.55,
		ConditionalCeiling:       0.70,
		AbsentCeiling:            0.20,
	}
}

// Governor is the confidence policy applied after normalization.
// It only ever lowers confidence.
type Governor struct {
	config GovernorConfig
}

// NewGovernor creates a governor with the given ceilings.
func NewGovernor(cfg GovernorConfig) *Governor {
	return &Governor{config: cfg}
}

// Cap applies the ceiling for the signal's status and clamps to [0,1].
func (g *Governor) Cap(sig model.ExtractedSignal) model.ExtractedSignal {
	c := clampConfidence(sig.Confidence)
	switch sig.Status {
	case model.StatusClaimedUnverified:
		c = math.Min(c, g.config.ClaimedUnverifiedCeiling)
	case model.StatusConditional:
		c = math.Min(c, g.config.ConditionalCeiling)
	case model.StatusAbsent:
		c = math.Min(c, g.config.AbsentCeiling)
	}
	sig.Confidence = c
	return sig
}

// Apply caps every signal, returning a new slice.
func (g *Governor) Apply(signals []model.ExtractedSignal) []model.ExtractedSignal {
	out := make([]model.ExtractedSignal, 0, len(signals))
	for _, s := range signals {
		out = append(out, g.Cap(s))
	}
	return out
}

func clampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
