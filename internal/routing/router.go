package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tkhongsap/line-bot-connect/internal/cache"
	"github.com/tkhongsap/line-bot-connect/internal/clock"
	"github.com/tkhongsap/line-bot-connect/internal/detector"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// Router decides which surface serves a request for a deployment
type Router struct {
	cache    cache.Cache
	detector detector.Detector
	clock    clock.Clock
	logger   *logrus.Logger
	metrics  *Metrics

	// concurrent misses for the same fingerprint share one probe
	probes singleflight.Group

	stats routingStats

	detectionsMu  sync.RWMutex
	lastDetection map[types.Fingerprint]time.Time
}

// Options configure a Router. Zero values select the defaults.
type Options struct {
	Clock clock.Clock

	// Registerer receives the routing metrics; nil leaves them unregistered
	Registerer prometheus.Registerer
}

type routingStats struct {
	totalRouted    atomic.Int64
	fallbacks      atomic.Int64
	latencyTotalNs atomic.Int64

	mu        sync.Mutex
	bySurface map[types.Surface]int64
	byReason  map[string]int64
}

// NewRouter creates a new router instance
func NewRouter(c cache.Cache, d detector.Detector, opts Options, logger *logrus.Logger) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	return &Router{
		cache:    c,
		detector: d,
		clock:    opts.Clock,
		logger:   logger,
		metrics:  NewMetrics(opts.Registerer),
		stats: routingStats{
			bySurface: make(map[types.Surface]int64),
			byReason:  make(map[string]int64),
		},
		lastDetection: make(map[types.Fingerprint]time.Time),
	}
}

// Decide picks the surface for the next call on fp. It never fails: when nothing
// conclusive is known the Legacy surface is chosen.
func (r *Router) Decide(ctx context.Context, fp types.Fingerprint, prefs types.RoutingPreferences) RoutingDecision {
	decision := r.Peek(ctx, fp, prefs)
	r.record(decision, prefs)
	return decision
}

// Peek returns what Decide would choose without counting a routed call. A cache miss
// still runs the shared detection so the answer matches the next relay.
func (r *Router) Peek(ctx context.Context, fp types.Fingerprint, prefs types.RoutingPreferences) RoutingDecision {
	start := time.Now()

	decision := r.decide(ctx, fp, prefs)
	decision.DecisionLatency = time.Since(start)
	decision.Fingerprint = fp
	decision.DecidedAt = r.clock.Now()
	return decision
}

func (r *Router) decide(ctx context.Context, fp types.Fingerprint, prefs types.RoutingPreferences) RoutingDecision {
	if prefs.ForceLegacy {
		return RoutingDecision{
			ChosenSurface: types.SurfaceLegacy,
			Reason:        ReasonConfigForced,
			Reasoning:     "legacy surface forced by configuration",
		}
	}

	if entry, ok := r.cache.Get(ctx, fp, types.SurfacePrimary); ok {
		return fromVerdict(entry.Verdict, prefs, ReasonCacheHit)
	}

	verdict, err := r.detectShared(ctx, fp, prefs)
	if err != nil {
		entry := r.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"reason":      ReasonFallbackDefault,
		}).WithError(err)
		if errors.Is(err, detector.ErrIndeterminate) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			entry.Warn("Capability detection inconclusive, using legacy surface")
		} else {
			entry.Error("Capability detection failed, using legacy surface")
		}
		return RoutingDecision{
			ChosenSurface: types.SurfaceLegacy,
			Reason:        ReasonFallbackDefault,
			Reasoning:     "capability unknown: " + err.Error(),
		}
	}

	return fromVerdict(verdict, prefs, ReasonFreshDetection)
}

func fromVerdict(verdict types.CapabilityVerdict, prefs types.RoutingPreferences, reason Reason) RoutingDecision {
	decision := RoutingDecision{Reason: reason, Verdict: &verdict}

	switch {
	case verdict.Available && prefs.PreferPrimary:
		decision.ChosenSurface = types.SurfacePrimary
		decision.Reasoning = "primary surface available"
	case verdict.Available:
		decision.ChosenSurface = types.SurfaceLegacy
		decision.Reasoning = "primary surface available but not preferred"
	default:
		decision.ChosenSurface = types.SurfaceLegacy
		decision.Reasoning = fmt.Sprintf("primary surface unavailable (%s)", verdict.ErrorKind)
	}
	return decision
}

// detectShared probes the Primary surface once per fingerprint no matter how many
// callers miss at the same time. The probe runs detached from ctx so a caller giving
// up does not abort a detection other callers are waiting on; only completed,
// conclusive detections are stored.
func (r *Router) detectShared(ctx context.Context, fp types.Fingerprint, prefs types.RoutingPreferences) (types.CapabilityVerdict, error) {
	ch := r.probes.DoChan(string(fp), func() (any, error) {
		probeCtx := context.WithoutCancel(ctx)

		verdict, err := r.detector.Detect(probeCtx, fp, types.SurfacePrimary)
		if err != nil {
			r.metrics.detections.WithLabelValues("indeterminate").Inc()
			return verdict, err
		}

		if verdict.Available {
			r.metrics.detections.WithLabelValues("available").Inc()
		} else {
			r.metrics.detections.WithLabelValues("unavailable").Inc()
		}

		r.cache.Put(probeCtx, fp, types.SurfacePrimary, verdict, verdictTTL(verdict.ErrorKind, prefs.CacheTTL))
		r.noteDetection(fp, verdict.DetectedAt)
		return verdict, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return types.CapabilityVerdict{}, res.Err
		}
		return res.Val.(types.CapabilityVerdict), nil
	case <-ctx.Done():
		return types.CapabilityVerdict{}, fmt.Errorf("waiting for capability detection: %w", ctx.Err())
	}
}

// ForceAlternate switches to the surface opposite current after a failed call. Only
// availability failures (NotEnabled, NotFound) are recorded against the failed surface;
// anything tied to the single request leaves capability state alone.
func (r *Router) ForceAlternate(ctx context.Context, fp types.Fingerprint, current RoutingDecision, failureKind types.ErrorKind, prefs types.RoutingPreferences) RoutingDecision {
	start := time.Now()
	failed := current.ChosenSurface

	if failureKind.IsAvailabilityClass() {
		r.RecordOutcome(ctx, fp, failed, failureKind, prefs)
	}

	r.stats.fallbacks.Add(1)
	r.metrics.fallbacks.WithLabelValues(string(failed), errorKindLabel(string(failureKind))).Inc()

	decision := RoutingDecision{
		ChosenSurface:   failed.Alternate(),
		Reason:          ReasonForcedAlternate,
		Reasoning:       fmt.Sprintf("%s surface failed with %s", failed, errorKindLabel(string(failureKind))),
		Fingerprint:     fp,
		DecidedAt:       r.clock.Now(),
		DecisionLatency: time.Since(start),
	}

	r.logger.WithFields(logrus.Fields{
		"fingerprint": fp,
		"from":        failed,
		"to":          decision.ChosenSurface,
		"error_kind":  failureKind,
	}).Warn("Forcing alternate surface")

	return decision
}

// RecordOutcome stores what a live call taught us about surface. A successful call
// (kind None) records the surface as available; availability failures record a negative
// verdict. Other kinds are ignored. Nothing is written once ctx is done.
func (r *Router) RecordOutcome(ctx context.Context, fp types.Fingerprint, surface types.Surface, kind types.ErrorKind, prefs types.RoutingPreferences) {
	if ctx.Err() != nil {
		return
	}
	if kind != types.ErrorKindNone && !kind.IsAvailabilityClass() {
		return
	}

	verdict := types.CapabilityVerdict{
		Surface:               surface,
		Available:             kind == types.ErrorKindNone,
		ErrorKind:             kind,
		DetectedAt:            r.clock.Now(),
		DeploymentFingerprint: fp,
		Detail:                "observed on live request",
	}
	r.cache.Put(context.WithoutCancel(ctx), fp, surface, verdict, verdictTTL(kind, prefs.CacheTTL))
	r.noteDetection(fp, verdict.DetectedAt)
}

// verdictTTL keeps NotFound verdicts until an operator invalidates them; a deployment
// that does not exist does not come back on its own.
func verdictTTL(kind types.ErrorKind, ttl time.Duration) time.Duration {
	if kind == types.ErrorKindNotFound {
		return 0
	}
	return ttl
}

// Invalidate drops cached verdicts for fp, or all of them for types.Wildcard
func (r *Router) Invalidate(ctx context.Context, fp types.Fingerprint) {
	r.cache.Invalidate(ctx, fp)
	if fp != types.Wildcard {
		r.probes.Forget(string(fp))
	}
}

// Snapshot reports cached verdicts per fingerprint and the routing counters
func (r *Router) Snapshot(ctx context.Context) types.HealthSnapshot {
	entries := r.cache.Entries(ctx)

	fingerprints := make(map[types.Fingerprint]*types.FingerprintHealth, len(entries))
	for fp, bySurface := range entries {
		health := &types.FingerprintHealth{Surfaces: make(map[types.Surface]*types.CacheEntry, len(bySurface))}
		for surface, entry := range bySurface {
			entry := entry
			health.Surfaces[surface] = &entry
			if entry.Verdict.DetectedAt.After(health.LastDetection) {
				health.LastDetection = entry.Verdict.DetectedAt
			}
		}
		fingerprints[fp] = health
	}

	r.detectionsMu.RLock()
	for fp, at := range r.lastDetection {
		health, ok := fingerprints[fp]
		if !ok {
			health = &types.FingerprintHealth{Surfaces: make(map[types.Surface]*types.CacheEntry)}
			fingerprints[fp] = health
		}
		if at.After(health.LastDetection) {
			health.LastDetection = at
		}
	}
	r.detectionsMu.RUnlock()

	return types.HealthSnapshot{
		Fingerprints: fingerprints,
		Counters:     r.Counters(),
		CacheMode:    r.cache.Mode(),
		Degraded:     r.cache.Degraded(),
		Timestamp:    r.clock.Now().Unix(),
	}
}

// Counters returns a copy of the aggregate routing counters
func (r *Router) Counters() types.RoutingCounters {
	total := r.stats.totalRouted.Load()
	counters := types.RoutingCounters{
		TotalRouted:        total,
		BySurface:          make(map[types.Surface]int64),
		ByReason:           make(map[string]int64),
		FallbacksTriggered: r.stats.fallbacks.Load(),
	}
	if total > 0 {
		avg := time.Duration(r.stats.latencyTotalNs.Load() / total)
		counters.AvgDecisionLatencyMs = float64(avg) / float64(time.Millisecond)
	}

	r.stats.mu.Lock()
	for surface, n := range r.stats.bySurface {
		counters.BySurface[surface] = n
	}
	for reason, n := range r.stats.byReason {
		counters.ByReason[reason] = n
	}
	r.stats.mu.Unlock()

	return counters
}

// CacheDegraded reports whether the cache is serving from memory only
func (r *Router) CacheDegraded() bool {
	return r.cache.Degraded()
}

func (r *Router) record(decision RoutingDecision, prefs types.RoutingPreferences) {
	r.stats.totalRouted.Add(1)
	r.stats.latencyTotalNs.Add(int64(decision.DecisionLatency))

	r.stats.mu.Lock()
	r.stats.bySurface[decision.ChosenSurface]++
	r.stats.byReason[string(decision.Reason)]++
	r.stats.mu.Unlock()

	r.metrics.routed.WithLabelValues(string(decision.ChosenSurface), string(decision.Reason)).Inc()
	r.metrics.decisionLatency.WithLabelValues(string(decision.Reason)).Observe(decision.DecisionLatency.Seconds())

	fields := logrus.Fields{
		"fingerprint": decision.Fingerprint,
		"surface":     decision.ChosenSurface,
		"reason":      decision.Reason,
		"duration_ms": float64(decision.DecisionLatency.Microseconds()) / 1000,
	}

	if decision.Reason == ReasonCacheHit && prefs.PerformanceBudget > 0 && decision.DecisionLatency > prefs.PerformanceBudget {
		r.metrics.budgetOverruns.Inc()
		r.logger.WithFields(fields).WithField("budget_ms", prefs.PerformanceBudget.Milliseconds()).Warn("Routing decision exceeded performance budget")
		return
	}

	r.logger.WithFields(fields).Debug("Routing decision made")
}

func (r *Router) noteDetection(fp types.Fingerprint, at time.Time) {
	r.detectionsMu.Lock()
	defer r.detectionsMu.Unlock()
	if at.After(r.lastDetection[fp]) {
		r.lastDetection[fp] = at
	}
}
