package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/swarmhost/swarmhost/internal/keylock"
	"github.com/swarmhost/swarmhost/internal/store"
	"github.com/swarmhost/swarmhost/internal/swarm"
)

// DefaultStaleness is the default bound on how old a cached disk-usage
// reading may be before Stats remeasures it. Tunable via
// cache_staleness_seconds in the server configuration.
const DefaultStaleness = 30 * time.Second

// ActiveArchive is the live, in-memory representation of a mounted archive:
// open storage, swarm membership, and the last usage measurement. Handles
// are owned exclusively by the cache; callers receive stats snapshots.
type ActiveArchive struct {
	key  string
	arch swarm.Archive
	opts swarm.Options

	mu      sync.Mutex
	usage   int64
	usageAt time.Time
}

// Dir returns the archive's storage directory.
func (h *ActiveArchive) Dir() string { return h.arch.Dir() }

// Manifest reads the archive's manifest.
func (h *ActiveArchive) Manifest(ctx context.Context) (*swarm.Manifest, error) {
	return h.arch.Manifest(ctx)
}

// lastUsage returns the cached usage reading without remeasuring.
func (h *ActiveArchive) lastUsage() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage
}

// ArchiveStats is a point-in-time snapshot of an active archive.
type ArchiveStats struct {
	Key       string        `json:"key"`
	NumPeers  int           `json:"num_peers"`
	DiskUsage int64         `json:"disk_usage"`
	SwarmOpts swarm.Options `json:"swarm_opts"`
}

// CacheOptions configures the archive cache.
type CacheOptions struct {
	MaxActive int           // capacity bound on concurrently mounted archives
	Staleness time.Duration // usage readings older than this are remeasured
	JoinOpts  swarm.Options
}

// ArchiveCache is a bounded, least-recently-used pool of active archive
// handles, decoupled from the unbounded set of archive records in the
// store. At most one handle exists per key; concurrent loads for the same
// cold key coalesce into a single swarm join.
type ArchiveCache struct {
	repl      swarm.Replicator
	st        *store.Store
	locks     *keylock.Registry
	metrics   *Metrics
	staleness time.Duration
	joinOpts  swarm.Options
	handles   *lru.Cache[string, *ActiveArchive]
}

// NewArchiveCache creates a cache bounded at opts.MaxActive handles.
func NewArchiveCache(repl swarm.Replicator, st *store.Store, locks *keylock.Registry, metrics *Metrics, opts CacheOptions) (*ArchiveCache, error) {
	if opts.MaxActive <= 0 {
		return nil, fmt.Errorf("max active archives must be positive, got %d", opts.MaxActive)
	}
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}

	c := &ArchiveCache{
		repl:      repl,
		st:        st,
		locks:     locks,
		metrics:   metrics,
		staleness: opts.Staleness,
		joinOpts:  opts.JoinOpts,
	}

	// The eviction callback runs synchronously inside Add/Remove, so the
	// coldest handle is fully torn down before the insertion that displaced
	// it returns, keeping the active-handle-count invariant exact.
	handles, err := lru.NewWithEvict[string, *ActiveArchive](opts.MaxActive, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.handles = handles
	return c, nil
}

// GetOrLoad returns the active handle for key, mounting the archive on a
// cold hit. Hits are O(1) and refresh recency. Cold loads serialize on the
// archive's keylock so concurrent misses await one load instead of racing
// duplicate swarm joins.
func (c *ArchiveCache) GetOrLoad(ctx context.Context, key string) (*ActiveArchive, error) {
	if h, ok := c.handles.Get(key); ok {
		return h, nil
	}

	unlock := c.locks.Lock("archive:" + key)
	defer unlock()

	// Another caller may have completed the load while we queued.
	if h, ok := c.handles.Get(key); ok {
		return h, nil
	}

	if _, err := c.st.GetArchive(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("archive %s: %w", key, ErrNotFound)
		}
		return nil, err
	}

	arch, err := c.repl.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", key, err)
	}
	if err := arch.Join(ctx, c.joinOpts); err != nil {
		_ = arch.Close(ctx)
		return nil, fmt.Errorf("join swarm for %s: %w", key, err)
	}

	h := &ActiveArchive{key: key, arch: arch, opts: c.joinOpts}
	if usage, err := arch.DiskUsage(ctx); err == nil {
		h.usage = usage
		h.usageAt = time.Now()
	}

	c.handles.Add(key, h)
	if c.metrics != nil {
		c.metrics.SwarmJoins.Inc()
		c.metrics.ActiveArchives.Set(float64(c.handles.Len()))
	}
	log.Debug().Str("key", key).Int("active", c.handles.Len()).Msg("archive mounted")
	return h, nil
}

// EvictIfPresent tears down the handle for key if it is active. It waits on
// the archive's keylock first, so a removal never races a half-open handle
// from an in-flight load.
func (c *ArchiveCache) EvictIfPresent(ctx context.Context, key string) {
	unlock := c.locks.Lock("archive:" + key)
	defer unlock()

	if c.handles.Remove(key) {
		if c.metrics != nil {
			c.metrics.ActiveArchives.Set(float64(c.handles.Len()))
		}
	}
}

// Stats returns a snapshot for key, mounting the archive if needed. Disk
// usage is recomputed lazily: readings older than the staleness bound are
// remeasured and the fresh figure persisted for quota accounting while the
// archive is inactive.
func (c *ArchiveCache) Stats(ctx context.Context, key string) (ArchiveStats, error) {
	h, err := c.GetOrLoad(ctx, key)
	if err != nil {
		return ArchiveStats{}, err
	}

	h.mu.Lock()
	stale := time.Since(h.usageAt) > c.staleness
	h.mu.Unlock()

	if stale {
		usage, err := h.arch.DiskUsage(ctx)
		if err != nil {
			return ArchiveStats{}, fmt.Errorf("measure archive %s: %w", key, err)
		}
		h.mu.Lock()
		h.usage = usage
		h.usageAt = time.Now()
		h.mu.Unlock()

		if err := c.st.SetArchiveUsage(ctx, key, usage); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to persist archive usage")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return ArchiveStats{
		Key:       key,
		NumPeers:  h.arch.NumPeers(),
		DiskUsage: h.usage,
		SwarmOpts: h.opts,
	}, nil
}

// Usage returns the last-known usage for key when the archive is active.
// It does not touch recency and does not trigger a load.
func (c *ArchiveCache) Usage(key string) (int64, bool) {
	h, ok := c.handles.Peek(key)
	if !ok {
		return 0, false
	}
	return h.lastUsage(), true
}

// Len returns the number of active handles.
func (c *ArchiveCache) Len() int {
	return c.handles.Len()
}

// Keys returns active keys ordered oldest to newest.
func (c *ArchiveCache) Keys() []string {
	return c.handles.Keys()
}

// Close tears down all active handles.
func (c *ArchiveCache) Close(ctx context.Context) {
	c.handles.Purge()
	if c.metrics != nil {
		c.metrics.ActiveArchives.Set(0)
	}
}

// onEvict synchronously tears down a handle leaving the cache: persist the
// last usage reading, leave the swarm, release storage.
func (c *ArchiveCache) onEvict(key string, h *ActiveArchive) {
	ctx := context.Background()

	if usage := h.lastUsage(); usage > 0 {
		if err := c.st.SetArchiveUsage(ctx, key, usage); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to persist usage on eviction")
		}
	}
	if err := h.arch.Close(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("archive teardown failed")
	}
	if c.metrics != nil {
		c.metrics.Evictions.Inc()
	}
	log.Debug().Str("key", key).Msg("archive unmounted")
}
