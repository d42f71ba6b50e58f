package routing

import (
	"time"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// Reason explains why a surface was chosen
type Reason string

const (
	ReasonConfigForced    Reason = "config_forced"
	ReasonCacheHit        Reason = "cache_hit"
	ReasonFreshDetection  Reason = "fresh_detection"
	ReasonFallbackDefault Reason = "fallback_default"

	// ReasonForcedAlternate marks the decision returned by ForceAlternate after a failed call
	ReasonForcedAlternate Reason = "forced_alternate"
)

// RoutingDecision contains information about a routing decision
type RoutingDecision struct {
	ChosenSurface   types.Surface     `json:"chosen_surface"`
	Reason          Reason            `json:"reason"`
	DecisionLatency time.Duration     `json:"decision_latency"`
	Fingerprint     types.Fingerprint `json:"fingerprint"`
	DecidedAt       time.Time         `json:"decided_at"`

	// Human-readable reasoning for the decision
	Reasoning string `json:"reasoning"`

	// Verdict the decision was based on; nil when no verdict was consulted
	Verdict *types.CapabilityVerdict `json:"verdict,omitempty"`
}
