// Package detector probes an Azure OpenAI surface and turns the outcome into a verdict.
package detector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tkhongsap/line-bot-connect/internal/classify"
	"github.com/tkhongsap/line-bot-connect/internal/clock"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// ErrIndeterminate means the probe got no answer from the surface (timeout, DNS, reset,
// cancellation). The verdict returned alongside it must not be cached.
var ErrIndeterminate = errors.New("capability detection indeterminate")

var errProbePanicked = errors.New("probe panicked")

// Detector probes one surface for one deployment. It never reads or writes the cache.
type Detector interface {
	Detect(ctx context.Context, fp types.Fingerprint, surface types.Surface) (types.CapabilityVerdict, error)
}

// Compile-time check.
var _ Detector = (*ProbeDetector)(nil)

// Options tune the probe. Zero values select the defaults.
type Options struct {
	ProbeTimeout time.Duration
	ProbeRate    rate.Limit
	ProbeBurst   int
	Clock        clock.Clock
}

const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultProbeRate    = rate.Limit(2)
	DefaultProbeBurst   = 4
)

// ProbeDetector probes through the surface clients registered for each fingerprint
type ProbeDetector struct {
	registry     *providers.Registry
	limiter      *rate.Limiter
	probeTimeout time.Duration
	clock        clock.Clock
	logger       *logrus.Logger
}

func NewProbeDetector(registry *providers.Registry, opts Options, logger *logrus.Logger) *ProbeDetector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.ProbeRate <= 0 {
		opts.ProbeRate = DefaultProbeRate
	}
	if opts.ProbeBurst <= 0 {
		opts.ProbeBurst = DefaultProbeBurst
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	return &ProbeDetector{
		registry:     registry,
		limiter:      rate.NewLimiter(opts.ProbeRate, opts.ProbeBurst),
		probeTimeout: opts.ProbeTimeout,
		clock:        opts.Clock,
		logger:       logger,
	}
}

// Detect issues one probe bounded by the probe timeout, whatever deadline ctx carries.
// HTTP-classified failures, 5xx included, are conclusive and returned with a nil error.
func (d *ProbeDetector) Detect(ctx context.Context, fp types.Fingerprint, surface types.Surface) (types.CapabilityVerdict, error) {
	client, err := d.registry.Client(fp, surface)
	if err != nil {
		return types.CapabilityVerdict{}, err
	}

	verdict := types.CapabilityVerdict{
		Surface:               surface,
		DeploymentFingerprint: fp,
	}

	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	if err := d.limiter.Wait(probeCtx); err != nil {
		verdict.ErrorKind = types.ErrorKindUnknown
		verdict.DetectedAt = d.clock.Now()
		verdict.Detail = "probe rate limit: " + err.Error()
		return verdict, fmt.Errorf("%w: probe rate limited", ErrIndeterminate)
	}

	start := time.Now()
	probeErr := d.probe(probeCtx, client)
	duration := time.Since(start)
	verdict.DetectedAt = d.clock.Now()

	fields := logrus.Fields{
		"fingerprint": fp,
		"surface":     surface,
		"duration_ms": duration.Milliseconds(),
	}

	if errors.Is(probeErr, errProbePanicked) {
		verdict.ErrorKind = types.ErrorKindUnknown
		verdict.Detail = probeErr.Error()
		d.logger.WithFields(fields).WithError(probeErr).Error("Capability probe panicked")
		return verdict, fmt.Errorf("%w: %v", ErrIndeterminate, probeErr)
	}

	c := classify.FromError(probeErr)
	switch {
	case c.OK():
		verdict.Available = true
	case c.Transport:
		verdict.ErrorKind = types.ErrorKindUnknown
		verdict.Detail = c.Detail()
		d.logger.WithFields(fields).WithField("detail", verdict.Detail).Warn("Capability probe got no answer")
		return verdict, fmt.Errorf("%w: %s", ErrIndeterminate, verdict.Detail)
	default:
		verdict.ErrorKind = c.Kind
		verdict.Detail = c.Detail()
	}

	d.logger.WithFields(fields).WithFields(logrus.Fields{
		"available":  verdict.Available,
		"error_kind": verdict.ErrorKind,
		"status":     c.Status,
	}).Info("Capability probe completed")

	return verdict, nil
}

func (d *ProbeDetector) probe(ctx context.Context, client providers.SurfaceClient) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errProbePanicked, r)
		}
	}()
	return client.Probe(ctx)
}
