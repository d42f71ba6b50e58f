package types

import (
	"time"
)

// Response types
type ChatResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage,omitempty"`

	// Routing metadata (added by the executor)
	ServedBy       Surface         `json:"served_by"`
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Router-specific types
type RouterMetadata struct {
	CorrelationID   string        `json:"correlation_id"`
	Fingerprint     Fingerprint   `json:"fingerprint"`
	Surface         Surface       `json:"surface"`
	RoutingReason   string        `json:"routing_reason"`
	DecisionLatency time.Duration `json:"decision_latency"`
	ProcessingTime  time.Duration `json:"processing_time"`
	AttemptCount    int           `json:"attempt_count"`
	FallbackUsed    bool          `json:"fallback_used"`
	FailedSurfaces  []Surface     `json:"failed_surfaces,omitempty"`
}

// Error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	Kind              string `json:"kind,omitempty"`
	CorrelationID     string `json:"correlation_id,omitempty"`
	FallbackAttempted bool   `json:"fallback_attempted"`
	Code              int    `json:"code,omitempty"`
}
