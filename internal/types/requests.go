package types

import (
	"time"
)

// ChatRequest is what the messaging webhook layer hands to the relay
type ChatRequest struct {
	ID           string    `json:"id,omitempty"` // caller-supplied correlation id
	UserID       string    `json:"user_id"`
	Messages     []Message `json:"messages"`
	Instructions string    `json:"instructions,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	Temperature  *float32  `json:"temperature,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

// RoutingPreferences are operator settings, read-only to the router
type RoutingPreferences struct {
	PreferPrimary     bool          `yaml:"prefer_primary" json:"prefer_primary"`
	ForceLegacy       bool          `yaml:"force_legacy" json:"force_legacy"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	PerformanceBudget time.Duration `yaml:"performance_budget" json:"performance_budget"`

	// ObserveForcedOutcomes lets ConfigForced calls record the Legacy outcome in the cache
	ObserveForcedOutcomes bool `yaml:"observe_forced_outcomes" json:"observe_forced_outcomes"`
}

// DefaultRoutingPreferences returns the preferences used when nothing is configured
func DefaultRoutingPreferences() RoutingPreferences {
	return RoutingPreferences{
		PreferPrimary:     true,
		ForceLegacy:       false,
		CacheTTL:          time.Hour,
		PerformanceBudget: 50 * time.Millisecond,
	}
}
