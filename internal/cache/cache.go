// Package cache stores capability verdicts per (fingerprint, surface).
//
// TieredCache keeps a durable Store (JSON file or Redis) as the source of truth and an
// in-process mirror that answers whenever the durable tier is slow or failing. Cache
// problems are logged and never returned to callers: the worst outcome of a lost entry
// is a fresh detection.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkhongsap/line-bot-connect/internal/clock"
	"github.com/tkhongsap/line-bot-connect/internal/types"
)

const (
	ModeDurable = "durable"
	ModeMemory  = "memory"

	DefaultReadTimeout  = 10 * time.Millisecond
	DefaultWriteTimeout = 250 * time.Millisecond
	DefaultListTimeout  = time.Second
)

// Cache is what the router needs from capability storage
type Cache interface {
	Get(ctx context.Context, fp types.Fingerprint, surface types.Surface) (types.CacheEntry, bool)
	Put(ctx context.Context, fp types.Fingerprint, surface types.Surface, verdict types.CapabilityVerdict, ttl time.Duration)
	Invalidate(ctx context.Context, fp types.Fingerprint)
	Entries(ctx context.Context) map[types.Fingerprint]map[types.Surface]types.CacheEntry
	Degraded() bool
	Mode() string
}

// Store is a durable backend. Keys come from Key; entries are stored as given,
// expiry is judged by the caller.
type Store interface {
	Load(ctx context.Context, key string) (types.CacheEntry, bool, error)
	Save(ctx context.Context, key string, entry types.CacheEntry) error
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context) (map[string]types.CacheEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// Key is the durable key for a (fingerprint, surface) pair
func Key(fp types.Fingerprint, surface types.Surface) string {
	return string(fp) + "#" + string(surface)
}

// ParseKey splits a key produced by Key
func ParseKey(key string) (types.Fingerprint, types.Surface, bool) {
	idx := strings.LastIndex(key, "#")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	surface := types.Surface(key[idx+1:])
	if !surface.Valid() {
		return "", "", false
	}
	return types.Fingerprint(key[:idx]), surface, true
}

// Options tune TieredCache. Zero values select the defaults.
type Options struct {
	Clock        clock.Clock
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ListTimeout  time.Duration
}

// Compile-time check.
var _ Cache = (*TieredCache)(nil)

type TieredCache struct {
	store Store

	mu     sync.RWMutex
	mirror map[string]types.CacheEntry
	// unsynced holds keys whose mirror entry is newer than the durable one
	unsynced map[string]struct{}
	// removed holds keys whose durable delete failed, with the time of the delete;
	// durable entries detected before it are stale
	removed map[string]time.Time
	// clearedAt is the time of a wildcard invalidation the durable store did not apply
	clearedAt time.Time

	clock        clock.Clock
	readTimeout  time.Duration
	writeTimeout time.Duration
	listTimeout  time.Duration
	logger       *logrus.Logger

	readDegraded   atomic.Bool
	writeDegraded  atomic.Bool
	degradedEvents atomic.Int64
}

// NewTieredCache builds a cache over store. A nil store runs memory-only.
func NewTieredCache(store Store, opts Options, logger *logrus.Logger) *TieredCache {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = DefaultListTimeout
	}

	return &TieredCache{
		store:        store,
		mirror:       make(map[string]types.CacheEntry),
		unsynced:     make(map[string]struct{}),
		removed:      make(map[string]time.Time),
		clock:        opts.Clock,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		listTimeout:  opts.ListTimeout,
		logger:       logger,
	}
}

// Get returns the entry for (fp, surface) if one exists and has not expired. When both
// tiers hold an entry the later detection wins; an expired winner counts as absent.
// A mirror entry that won because its durable write failed is written again.
func (c *TieredCache) Get(ctx context.Context, fp types.Fingerprint, surface types.Surface) (types.CacheEntry, bool) {
	key := Key(fp, surface)
	now := c.clock.Now()

	var (
		durable      types.CacheEntry
		durableFound bool
		durableRead  bool
	)
	if c.store != nil {
		err := c.bounded(ctx, c.readTimeout, func(ctx context.Context) error {
			var loadErr error
			durable, durableFound, loadErr = c.store.Load(ctx, key)
			return loadErr
		})

		switch {
		case err == nil:
			durableRead = true
			c.markHealthy(opRead)
		case ctx.Err() == nil:
			c.markDegraded(opRead, key, err)
		}

		if durableFound && c.stale(key, durable) {
			durableFound = false
			c.retryDelete(ctx, key)
		}
	}

	c.mu.RLock()
	mirrored, inMirror := c.mirror[key]
	_, unsynced := c.unsynced[key]
	c.mu.RUnlock()

	if durableFound && (!inMirror || !mirrored.Verdict.DetectedAt.After(durable.Verdict.DetectedAt)) {
		if !durable.ValidAt(now) {
			return types.CacheEntry{}, false
		}
		c.refreshMirror(key, durable)
		return durable, true
	}

	if !inMirror || !mirrored.ValidAt(now) {
		return types.CacheEntry{}, false
	}
	if unsynced && durableRead {
		c.writeDurable(ctx, key, mirrored)
	}
	return mirrored, true
}

// Put records verdict for (fp, surface). ttl <= 0 stores an entry that never expires.
// A verdict detected before the one already held is dropped.
func (c *TieredCache) Put(ctx context.Context, fp types.Fingerprint, surface types.Surface, verdict types.CapabilityVerdict, ttl time.Duration) {
	verdict.Surface = surface
	verdict.DeploymentFingerprint = fp
	entry := types.NewCacheEntry(verdict, ttl)
	key := Key(fp, surface)

	if !c.storeMirror(key, entry) {
		c.logger.WithFields(logrus.Fields{
			"fingerprint": fp,
			"surface":     surface,
		}).Debug("Dropped stale verdict")
		return
	}

	if c.store == nil {
		return
	}
	c.writeDurable(ctx, key, entry)
}

// writeDurable saves entry unless the store holds a newer live detection. On failure
// the key stays unsynced so a later Get writes it again.
func (c *TieredCache) writeDurable(ctx context.Context, key string, entry types.CacheEntry) {
	err := c.bounded(ctx, c.writeTimeout, func(ctx context.Context) error {
		existing, found, err := c.store.Load(ctx, key)
		if err != nil {
			return err
		}
		if found && !c.stale(key, existing) && entry.Verdict.DetectedAt.Before(existing.Verdict.DetectedAt) {
			c.refreshMirror(key, existing)
			return nil
		}
		return c.store.Save(ctx, key, entry)
	})

	c.mu.Lock()
	if err != nil {
		c.unsynced[key] = struct{}{}
	} else {
		delete(c.unsynced, key)
		delete(c.removed, key)
	}
	c.mu.Unlock()

	if err != nil {
		c.markDegraded(opWrite, key, err)
		return
	}
	c.markHealthy(opWrite)
}

// Invalidate removes every surface entry for fp, or everything for types.Wildcard.
// When the durable store does not apply the removal, entries it still holds from
// before the invalidation are ignored and deleted again on the next read.
func (c *TieredCache) Invalidate(ctx context.Context, fp types.Fingerprint) {
	now := c.clock.Now()

	if fp == types.Wildcard {
		c.mu.Lock()
		c.mirror = make(map[string]types.CacheEntry)
		c.unsynced = make(map[string]struct{})
		c.mu.Unlock()

		if c.store != nil {
			err := c.bounded(ctx, c.listTimeout, c.store.Clear)

			c.mu.Lock()
			if err != nil {
				c.clearedAt = now
			} else {
				c.clearedAt = time.Time{}
				c.removed = make(map[string]time.Time)
			}
			c.mu.Unlock()

			if err != nil {
				c.markDegraded(opClear, "*", err)
			} else {
				c.markHealthy(opWrite)
			}
		}
	} else {
		keys := []string{Key(fp, types.SurfacePrimary), Key(fp, types.SurfaceLegacy)}

		c.mu.Lock()
		for _, key := range keys {
			delete(c.mirror, key)
			delete(c.unsynced, key)
		}
		c.mu.Unlock()

		if c.store != nil {
			err := c.bounded(ctx, c.writeTimeout, func(ctx context.Context) error {
				return c.store.Delete(ctx, keys...)
			})

			c.mu.Lock()
			for _, key := range keys {
				if err != nil {
					c.removed[key] = now
				} else {
					delete(c.removed, key)
				}
			}
			c.mu.Unlock()

			if err != nil {
				c.markDegraded(opDelete, string(fp), err)
			} else {
				c.markHealthy(opWrite)
			}
		}
	}

	c.logger.WithField("fingerprint", fp).Info("Capability cache invalidated")
}

// stale reports whether a durable entry predates an invalidation the store missed
func (c *TieredCache) stale(key string, entry types.CacheEntry) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if at, ok := c.removed[key]; ok && entry.Verdict.DetectedAt.Before(at) {
		return true
	}
	return !c.clearedAt.IsZero() && entry.Verdict.DetectedAt.Before(c.clearedAt)
}

// retryDelete removes a stale durable entry. A key cleared only by a failed wildcard
// invalidation is deleted individually.
func (c *TieredCache) retryDelete(ctx context.Context, key string) {
	err := c.bounded(ctx, c.writeTimeout, func(ctx context.Context) error {
		return c.store.Delete(ctx, key)
	})
	if err != nil {
		if ctx.Err() == nil {
			c.markDegraded(opDelete, key, err)
		}
		return
	}

	c.mu.Lock()
	delete(c.removed, key)
	c.mu.Unlock()
	c.markHealthy(opWrite)
}

// Entries returns every unexpired entry, merging the durable tier with the mirror.
// When both hold an entry the newer detection wins.
func (c *TieredCache) Entries(ctx context.Context) map[types.Fingerprint]map[types.Surface]types.CacheEntry {
	now := c.clock.Now()
	merged := make(map[string]types.CacheEntry)

	c.mu.RLock()
	for key, entry := range c.mirror {
		merged[key] = entry
	}
	c.mu.RUnlock()

	if c.store != nil {
		var durable map[string]types.CacheEntry
		err := c.bounded(ctx, c.listTimeout, func(ctx context.Context) error {
			var listErr error
			durable, listErr = c.store.List(ctx)
			return listErr
		})
		if err != nil {
			c.markDegraded(opList, "*", err)
		}
		for key, entry := range durable {
			if c.stale(key, entry) {
				continue
			}
			if existing, ok := merged[key]; ok && existing.Verdict.DetectedAt.After(entry.Verdict.DetectedAt) {
				continue
			}
			merged[key] = entry
		}
	}

	result := make(map[types.Fingerprint]map[types.Surface]types.CacheEntry)
	for key, entry := range merged {
		if !entry.ValidAt(now) {
			continue
		}
		fp, surface, ok := ParseKey(key)
		if !ok {
			continue
		}
		if result[fp] == nil {
			result[fp] = make(map[types.Surface]types.CacheEntry, 2)
		}
		result[fp][surface] = entry
	}
	return result
}

// Degraded reports whether the last durable read or the last durable write failed.
// Reads and writes recover independently.
func (c *TieredCache) Degraded() bool {
	return c.readDegraded.Load() || c.writeDegraded.Load()
}

// DegradationEvents counts durable failures since start
func (c *TieredCache) DegradationEvents() int64 {
	return c.degradedEvents.Load()
}

func (c *TieredCache) Mode() string {
	if c.store == nil {
		return ModeMemory
	}
	return ModeDurable
}

// Close releases the durable store
func (c *TieredCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// storeMirror writes entry unless the mirror already holds a newer detection
func (c *TieredCache) storeMirror(key string, entry types.CacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.mirror[key]; ok && entry.Verdict.DetectedAt.Before(existing.Verdict.DetectedAt) {
		return false
	}
	c.mirror[key] = entry
	return true
}

func (c *TieredCache) refreshMirror(key string, entry types.CacheEntry) {
	c.storeMirror(key, entry)
}

// bounded runs fn and gives up after timeout. fn keeps running in the background if it
// ignores its context; its result is then discarded.
func (c *TieredCache) bounded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	boundCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(boundCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-boundCtx.Done():
		return fmt.Errorf("durable store did not answer within %s: %w", timeout, boundCtx.Err())
	}
}

// durable operations, grouped by which health flag they drive
const (
	opRead   = "read"
	opList   = "list"
	opWrite  = "write"
	opDelete = "delete"
	opClear  = "clear"
)

func (c *TieredCache) flag(op string) *atomic.Bool {
	if op == opRead || op == opList {
		return &c.readDegraded
	}
	return &c.writeDegraded
}

func (c *TieredCache) markDegraded(op, key string, err error) {
	c.degradedEvents.Add(1)
	wasDegraded := c.flag(op).Swap(true)

	entry := c.logger.WithFields(logrus.Fields{
		"operation": op,
		"key":       key,
		"timeout":   errors.Is(err, context.DeadlineExceeded),
	}).WithError(err)
	if wasDegraded {
		entry.Debug("Capability cache still degraded, serving from memory")
		return
	}
	entry.Warn("Capability cache degraded, serving from memory")
}

func (c *TieredCache) markHealthy(op string) {
	if c.flag(op).Swap(false) && !c.Degraded() {
		c.logger.Info("Capability cache durable store recovered")
	}
}
