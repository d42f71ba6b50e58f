package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Surface identifies one of the two API variants exposed by the same Azure OpenAI deployment
type Surface string

const (
	// SurfacePrimary is the Responses API; not every deployment, region or API version has it
	SurfacePrimary Surface = "primary"
	// SurfaceLegacy is Chat Completions, available wherever the credentials are valid
	SurfaceLegacy Surface = "legacy"
)

// Alternate returns the opposite surface
func (s Surface) Alternate() Surface {
	if s == SurfacePrimary {
		return SurfaceLegacy
	}
	return SurfacePrimary
}

// Valid reports whether s is a known surface
func (s Surface) Valid() bool {
	return s == SurfacePrimary || s == SurfaceLegacy
}

// ErrorKind classifies why a surface could not serve a probe or a request
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindNotEnabled      ErrorKind = "not_enabled"
	ErrorKindNotFound        ErrorKind = "not_found"
	ErrorKindUnauthenticated ErrorKind = "unauthenticated"
	ErrorKindQuotaExceeded   ErrorKind = "quota_exceeded"
	ErrorKindUnknown         ErrorKind = "unknown"
)

// IsAvailabilityClass reports whether the kind means the surface itself is unusable for
// the deployment, as opposed to a failure tied to one request or its credentials.
func (k ErrorKind) IsAvailabilityClass() bool {
	return k == ErrorKindNotEnabled || k == ErrorKindNotFound
}

// Fingerprint identifies the endpoint+deployment+API-version triple a verdict applies to
type Fingerprint string

// Wildcard matches every fingerprint in administrative operations
const Wildcard Fingerprint = "*"

// NewFingerprint builds a fingerprint from its parts. The endpoint is normalized so that
// trivially different spellings of the same resource share verdicts.
func NewFingerprint(endpoint, deployment, apiVersion string) Fingerprint {
	return Fingerprint(fmt.Sprintf("%s|%s|%s", normalizeEndpoint(endpoint), strings.TrimSpace(deployment), strings.TrimSpace(apiVersion)))
}

func (f Fingerprint) String() string {
	return string(f)
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(endpoint), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}

// CapabilityVerdict is the outcome of probing one surface for one deployment
type CapabilityVerdict struct {
	Surface               Surface     `json:"surface"`
	Available             bool        `json:"available"`
	ErrorKind             ErrorKind   `json:"error_kind,omitempty"`
	DetectedAt            time.Time   `json:"detected_at"`
	DeploymentFingerprint Fingerprint `json:"deployment_fingerprint"`
	Detail                string      `json:"detail,omitempty"`
}

// CacheEntry wraps a verdict with its expiry. A zero ExpiresAt never expires.
type CacheEntry struct {
	Verdict   CapabilityVerdict `json:"verdict"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// NewCacheEntry computes the expiry from the verdict's detection time. ttl <= 0 yields
// an entry that never expires.
func NewCacheEntry(verdict CapabilityVerdict, ttl time.Duration) CacheEntry {
	entry := CacheEntry{Verdict: verdict}
	if ttl > 0 {
		entry.ExpiresAt = verdict.DetectedAt.Add(ttl)
	}
	return entry
}

// Unbounded reports whether the entry never expires
func (e CacheEntry) Unbounded() bool {
	return e.ExpiresAt.IsZero()
}

// ValidAt reports whether the entry can be trusted at now
func (e CacheEntry) ValidAt(now time.Time) bool {
	return e.Unbounded() || now.Before(e.ExpiresAt)
}

// Health snapshot types
type HealthSnapshot struct {
	Fingerprints map[Fingerprint]*FingerprintHealth `json:"fingerprints"`
	Counters     RoutingCounters                    `json:"counters"`
	CacheMode    string                             `json:"cache_mode"` // "durable" or "memory"
	Degraded     bool                               `json:"degraded"`
	Timestamp    int64                              `json:"timestamp"`
}

type FingerprintHealth struct {
	Surfaces      map[Surface]*CacheEntry `json:"surfaces"`
	LastDetection time.Time               `json:"last_detection"`
}

type RoutingCounters struct {
	TotalRouted          int64             `json:"total_routed"`
	BySurface            map[Surface]int64 `json:"by_surface"`
	ByReason             map[string]int64  `json:"by_reason"`
	FallbacksTriggered   int64             `json:"fallbacks_triggered"`
	AvgDecisionLatencyMs float64           `json:"avg_decision_latency_ms"`
}
