package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tkhongsap/line-bot-connect/internal/types"
)

// ErrUnknownFingerprint is returned when no client is registered for a fingerprint/surface pair
var ErrUnknownFingerprint = errors.New("no surface client registered for fingerprint")

// SurfaceClient talks to one API surface of one Azure OpenAI deployment
type SurfaceClient interface {
	Surface() types.Surface
	Complete(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// Probe issues the cheapest request the surface accepts. A nil error means the
	// surface is usable; any error is left for the classifier to interpret.
	Probe(ctx context.Context) error
}

// Registry holds the clients for every configured deployment, keyed by fingerprint
type Registry struct {
	mu      sync.RWMutex
	clients map[types.Fingerprint]map[types.Surface]SurfaceClient
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[types.Fingerprint]map[types.Surface]SurfaceClient),
	}
}

// Register adds clients for a fingerprint, replacing any client already registered
// for the same surface.
func (r *Registry) Register(fp types.Fingerprint, clients ...SurfaceClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySurface, ok := r.clients[fp]
	if !ok {
		bySurface = make(map[types.Surface]SurfaceClient, 2)
		r.clients[fp] = bySurface
	}
	for _, client := range clients {
		bySurface[client.Surface()] = client
	}
}

// Client returns the client serving surface for fp
func (r *Registry) Client(fp types.Fingerprint, surface types.Surface) (SurfaceClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[fp][surface]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnknownFingerprint, fp, surface)
	}
	return client, nil
}

// Fingerprints lists registered fingerprints in sorted order
func (r *Registry) Fingerprints() []types.Fingerprint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fps := make([]types.Fingerprint, 0, len(r.clients))
	for fp := range r.clients {
		fps = append(fps, fp)
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
	return fps
}
