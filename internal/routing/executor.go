package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/classify"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// ExecutionState is a step of the two-attempt relay
type ExecutionState string

const (
	StateInitial  ExecutionState = "initial"
	StateRetrying ExecutionState = "retrying"
	StateDone     ExecutionState = "done"
	StateFailed   ExecutionState = "failed"
)

// Executor relays a request to the surface the router picks and, for failures that
// say the surface itself is unusable, retries exactly once on the other surface.
type Executor struct {
	router   *Router
	registry *providers.Registry
	logger   *logrus.Logger
}

func NewExecutor(router *Router, registry *providers.Registry, logger *logrus.Logger) *Executor {
	return &Executor{
		router:   router,
		registry: registry,
		logger:   logger,
	}
}

// execution carries the state of one Execute call
type execution struct {
	state         ExecutionState
	correlationID string
	fp            types.Fingerprint
	req           *types.ChatRequest
	prefs         types.RoutingPreferences

	decision        RoutingDecision
	initialDecision RoutingDecision
	attempts        int
	failedSurfaces  []types.Surface
	fallbackUsed    bool

	lastErr   error
	lastClass classify.Classification
	resp      *types.ChatResponse
}

// Execute relays req for fp. On failure the error is a *types.RoutingError.
func (e *Executor) Execute(ctx context.Context, fp types.Fingerprint, req *types.ChatRequest, prefs types.RoutingPreferences) (*types.ChatResponse, error) {
	start := time.Now()
	x := &execution{
		state:         StateInitial,
		correlationID: correlationID(req),
		fp:            fp,
		req:           req,
		prefs:         prefs,
	}
	log := e.logger.WithFields(logrus.Fields{
		"correlation_id": x.correlationID,
		"fingerprint":    fp,
	})

	for {
		switch x.state {
		case StateInitial:
			x.decision = e.router.Decide(ctx, fp, prefs)
			x.initialDecision = x.decision
			x.state = e.attempt(ctx, x, log)

		case StateRetrying:
			x.decision = e.router.ForceAlternate(ctx, fp, x.decision, x.lastClass.Kind, prefs)
			x.fallbackUsed = true
			x.state = e.attempt(ctx, x, log)

		case StateDone:
			e.annotate(x, time.Since(start))
			e.router.metrics.executions.WithLabelValues(string(StateDone), string(x.decision.ChosenSurface)).Inc()
			log.WithFields(logrus.Fields{
				"surface":       x.decision.ChosenSurface,
				"reason":        x.initialDecision.Reason,
				"attempts":      x.attempts,
				"fallback_used": x.fallbackUsed,
				"duration_ms":   time.Since(start).Milliseconds(),
			}).Info("Request relayed")
			return x.resp, nil

		case StateFailed:
			err := e.routingError(x)
			e.router.metrics.executions.WithLabelValues(string(StateFailed), string(x.decision.ChosenSurface)).Inc()
			log.WithFields(logrus.Fields{
				"surface":            x.decision.ChosenSurface,
				"kind":               err.Kind,
				"attempts":           x.attempts,
				"fallback_attempted": err.FallbackAttempted,
				"duration_ms":        time.Since(start).Milliseconds(),
			}).WithError(x.lastErr).Error("Request relay failed")
			return nil, err
		}
	}
}

// attempt calls the surface chosen by x.decision and returns the next state
func (e *Executor) attempt(ctx context.Context, x *execution, log *logrus.Entry) ExecutionState {
	surface := x.decision.ChosenSurface
	x.attempts++

	client, err := e.registry.Client(x.fp, surface)
	if err != nil {
		x.lastErr = err
		x.lastClass = classify.Classification{Kind: types.ErrorKindUnknown, Message: err.Error()}
		x.failedSurfaces = append(x.failedSurfaces, surface)
		return StateFailed
	}

	resp, err := client.Complete(ctx, x.req)
	if err == nil {
		x.resp = resp
		e.observeForced(ctx, x, types.ErrorKindNone)
		return StateDone
	}

	x.lastErr = err
	x.lastClass = classify.FromError(err)
	x.failedSurfaces = append(x.failedSurfaces, surface)
	e.router.metrics.attempts.WithLabelValues(string(surface), errorKindLabel(string(x.lastClass.Kind))).Inc()
	e.observeForced(ctx, x, x.lastClass.Kind)

	log.WithFields(logrus.Fields{
		"surface":    surface,
		"attempt":    x.attempts,
		"error_kind": x.lastClass.Kind,
		"status":     x.lastClass.Status,
		"transport":  x.lastClass.Transport,
	}).WithError(err).Warn("Surface call failed")

	if x.state == StateInitial && retryable(ctx, x) {
		return StateRetrying
	}
	return StateFailed
}

// retryable decides whether the single fallback attempt is allowed
func retryable(ctx context.Context, x *execution) bool {
	if ctx.Err() != nil || x.lastClass.Canceled {
		return false
	}
	if x.decision.Reason == ReasonConfigForced {
		return false
	}

	c := x.lastClass
	if c.Kind.IsAvailabilityClass() {
		return true
	}
	return c.Kind == types.ErrorKindUnknown && (c.Transport || c.ServerError)
}

// observeForced records the Legacy outcome of a forced decision when the operator opted in
func (e *Executor) observeForced(ctx context.Context, x *execution, kind types.ErrorKind) {
	if !x.prefs.ObserveForcedOutcomes || x.decision.Reason != ReasonConfigForced {
		return
	}
	e.router.RecordOutcome(ctx, x.fp, x.decision.ChosenSurface, kind, x.prefs)
}

func (e *Executor) annotate(x *execution, processing time.Duration) {
	x.resp.ServedBy = x.decision.ChosenSurface
	x.resp.RouterMetadata = &types.RouterMetadata{
		CorrelationID:   x.correlationID,
		Fingerprint:     x.fp,
		Surface:         x.decision.ChosenSurface,
		RoutingReason:   string(x.initialDecision.Reason),
		DecisionLatency: x.initialDecision.DecisionLatency,
		ProcessingTime:  processing,
		AttemptCount:    x.attempts,
		FallbackUsed:    x.fallbackUsed,
		FailedSurfaces:  x.failedSurfaces,
	}
}

func (e *Executor) routingError(x *execution) *types.RoutingError {
	var surface types.Surface
	if n := len(x.failedSurfaces); n > 0 {
		surface = x.failedSurfaces[n-1]
	}

	return &types.RoutingError{
		Kind:              types.KindForErrorKind(x.lastClass.Kind, x.lastClass.RequestRejected),
		CorrelationID:     x.correlationID,
		FallbackAttempted: x.fallbackUsed,
		Surface:           surface,
		StatusCode:        x.lastClass.Status,
		Err:               x.lastErr,
	}
}

func correlationID(req *types.ChatRequest) string {
	if req != nil && req.ID != "" {
		return req.ID
	}
	return uuid.NewString()
}
