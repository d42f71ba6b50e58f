package routing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/cache"
	"github.com/tkhongsap/line-bot-connect/internal/classify"
	"github.com/tkhongsap/line-bot-connect/internal/clock"
	"github.com/tkhongsap/line-bot-connect/internal/detector"
	"github.com/tkhongsap/line-bot-connect/internal/providers"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const testFP = types.Fingerprint("https://line.openai.azure.com|gpt-4o|2025-04-01-preview")

var testStart = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

// fakeDetector returns a scripted verdict and counts calls
type fakeDetector struct {
	clock *clock.Fake
	calls atomic.Int64

	mu        sync.Mutex
	available bool
	kind      types.ErrorKind
	err       error
	gate      chan struct{}
}

func (d *fakeDetector) Detect(ctx context.Context, fp types.Fingerprint, surface types.Surface) (types.CapabilityVerdict, error) {
	d.calls.Add(1)

	d.mu.Lock()
	gate := d.gate
	available, kind, err := d.available, d.kind, d.err
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	verdict := types.CapabilityVerdict{
		Surface:               surface,
		Available:             available,
		ErrorKind:             kind,
		DetectedAt:            d.clock.Now(),
		DeploymentFingerprint: fp,
	}
	if err != nil {
		verdict.ErrorKind = types.ErrorKindUnknown
		return verdict, err
	}
	return verdict, nil
}

func (d *fakeDetector) set(available bool, kind types.ErrorKind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available, d.kind, d.err = available, kind, err
}

func (d *fakeDetector) block() chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	return d.gate
}

var _ detector.Detector = (*fakeDetector)(nil)

// fakeSurface answers Complete from a script of errors; nil means success
type fakeSurface struct {
	surface types.Surface
	calls   atomic.Int64

	mu     sync.Mutex
	script []error
	hook   func(ctx context.Context) error
}

func (s *fakeSurface) Surface() types.Surface { return s.surface }

func (s *fakeSurface) Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	n := int(s.calls.Add(1)) - 1

	s.mu.Lock()
	hook := s.hook
	var err error
	if n < len(s.script) {
		err = s.script[n]
	}
	s.mu.Unlock()

	if hook != nil {
		if hookErr := hook(ctx); hookErr != nil {
			return nil, hookErr
		}
	}
	if err != nil {
		return nil, err
	}
	return &types.ChatResponse{ID: "resp", Content: "reply from " + string(s.surface)}, nil
}

func (s *fakeSurface) Probe(ctx context.Context) error { return nil }

func (s *fakeSurface) fail(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = errs
}

type testHarness struct {
	clock    *clock.Fake
	detector *fakeDetector
	cache    *cache.TieredCache
	router   *Router
	executor *Executor
	primary  *fakeSurface
	legacy   *fakeSurface
	registry *prometheus.Registry
}

func createTestRouter(t *testing.T) *testHarness {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	clk := clock.NewFake(testStart)
	det := &fakeDetector{clock: clk, available: true}
	c := cache.NewTieredCache(nil, cache.Options{Clock: clk}, logger)
	reg := prometheus.NewRegistry()
	router := NewRouter(c, det, Options{Clock: clk, Registerer: reg}, logger)

	primary := &fakeSurface{surface: types.SurfacePrimary}
	legacy := &fakeSurface{surface: types.SurfaceLegacy}
	clients := providers.NewRegistry()
	clients.Register(testFP, primary, legacy)

	return &testHarness{
		clock:    clk,
		detector: det,
		cache:    c,
		router:   router,
		executor: NewExecutor(router, clients, logger),
		primary:  primary,
		legacy:   legacy,
		registry: reg,
	}
}

func defaultPrefs() types.RoutingPreferences {
	return types.DefaultRoutingPreferences()
}

func statusErr(status int, body string) error {
	return &classify.StatusError{StatusCode: status, Body: []byte(body)}
}

const (
	notEnabledBody   = `{"error":{"code":"OperationNotSupported","message":"The responses operation does not work with the specified model."}}`
	notFoundBody     = `{"error":{"code":"DeploymentNotFound","message":"The API deployment for this resource does not exist."}}`
	unauthorizedBody = `{"error":{"code":"401","message":"Access denied due to invalid subscription key."}}`
	quotaBody        = `{"error":{"code":"429","message":"Rate limit is exceeded."}}`
	contentBody      = `{"error":{"message":"The response was filtered due to the prompt triggering Azure OpenAI's content management policy.","innererror":{"code":"ResponsibleAIPolicyViolation"}}}`
	serverBody       = `{"error":{"code":"InternalServerError","message":"The server had an error while processing your request."}}`
)
