package host

import (
	"archive/tar"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/swarmhost/swarmhost/internal/keylock"
	"github.com/swarmhost/swarmhost/internal/store"
	"github.com/swarmhost/swarmhost/internal/swarm"
)

// namePattern constrains archive names to DNS labels, since names become
// subdomains under per-archive sites mode.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ArchiveInfo is the read-path snapshot for one archive.
type ArchiveInfo struct {
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	OwnerID   string          `json:"owner_id"`
	NumPeers  int             `json:"num_peers"`
	DiskUsage int64           `json:"disk_usage"`
	SwarmOpts swarm.Options   `json:"swarm_opts"`
	Manifest  *swarm.Manifest `json:"manifest,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// QuotaState is a user's derived quota standing.
type QuotaState struct {
	QuotaBytes  int64   `json:"quota_bytes"` // 0 = unlimited
	UsedBytes   int64   `json:"used_bytes"`
	PercentUsed float64 `json:"percent_used"`
}

// Manager is the archive host manager: the orchestrating façade over the
// record store, the quota guard, and the active-archive cache. Mutations on
// a user serialize on that user's keylock; operations on different users
// proceed in parallel.
type Manager struct {
	st      *store.Store
	cache   *ArchiveCache
	locks   *keylock.Registry
	quota   *QuotaGuard
	metrics *Metrics
}

// NewManager wires the manager. The quota guard reads live usage from the
// cache and falls back to the persisted figure for inactive archives.
func NewManager(st *store.Store, cache *ArchiveCache, locks *keylock.Registry, defaultQuota int64, metrics *Metrics) *Manager {
	m := &Manager{st: st, cache: cache, locks: locks, metrics: metrics}
	m.quota = NewQuotaGuard(defaultQuota, m.archiveUsage)
	return m
}

// Quota exposes the quota guard, for collaborators that only need quota
// arithmetic.
func (m *Manager) Quota() *QuotaGuard { return m.quota }

// archiveUsage is the UsageFunc backing quota computation.
func (m *Manager) archiveUsage(ctx context.Context, ref store.ArchiveRef) int64 {
	if usage, ok := m.cache.Usage(ref.Key); ok {
		return usage
	}
	rec, err := m.st.GetArchive(ctx, ref.Key)
	if err != nil {
		return 0
	}
	return rec.DiskUsage
}

// AddArchive creates an archive record for the user. An empty key generates
// a fresh one. The archive is mounted asynchronously after the call
// returns; the record exists either way, and a failed warm is retried by
// the next access.
func (m *Manager) AddArchive(ctx context.Context, userID, name, key string) (*store.ArchiveRecord, error) {
	if !namePattern.MatchString(name) {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if key == "" {
		key = generateKey()
	} else if !store.ValidKey(key) {
		return nil, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}

	unlock := m.locks.Lock("user:" + userID)
	defer unlock()

	user, err := m.st.GetUser(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if user.Suspended {
		return nil, fmt.Errorf("user %s is suspended: %w", user.Username, ErrForbidden)
	}
	if user.ArchiveNamed(name) != nil {
		return nil, fmt.Errorf("archive %q: %w", name, ErrConflict)
	}

	if err := m.quota.CheckAdmission(ctx, user, 0); err != nil {
		if m.metrics != nil {
			m.metrics.QuotaRejections.Inc()
		}
		return nil, err
	}

	rec := &store.ArchiveRecord{Key: key, Name: name, OwnerID: userID}
	if err := m.st.CreateArchive(ctx, rec); err != nil {
		return nil, mapStoreErr(err)
	}

	user.Archives = append(user.Archives, store.ArchiveRef{Key: key, Name: name})
	if err := m.st.UpdateUser(ctx, user); err != nil {
		// Roll the record back so no archive exists without a user
		// reference.
		if derr := m.st.DeleteArchive(ctx, key); derr != nil {
			log.Error().Err(derr).Str("key", key).Msg("rollback of archive record failed")
		}
		return nil, mapStoreErr(err)
	}

	if m.metrics != nil {
		m.metrics.ArchivesAdded.Inc()
	}
	log.Info().Str("user", user.Username).Str("name", name).Str("key", key).Msg("archive added")

	// Warm the cache without holding the user lock; mounting is not
	// required for the add to succeed.
	go func() {
		if _, err := m.cache.GetOrLoad(context.Background(), key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("archive warm-up failed")
		}
	}()

	return rec, nil
}

// RemoveArchive deletes the user's archive. Removal is destructive: the
// handle is torn down, the record and the user's reference are removed.
func (m *Manager) RemoveArchive(ctx context.Context, userID, key string) error {
	unlock := m.locks.Lock("user:" + userID)
	defer unlock()

	rec, err := m.st.GetArchive(ctx, key)
	if err != nil {
		return mapStoreErr(err)
	}
	if rec.OwnerID != userID {
		return fmt.Errorf("archive %s is not owned by caller: %w", key, ErrForbidden)
	}

	// Delete the record first so a concurrent load fails instead of
	// remounting, then wait on the archive keylock for any in-flight load
	// to finish before teardown.
	if err := m.st.DeleteArchive(ctx, key); err != nil {
		return mapStoreErr(err)
	}
	m.cache.EvictIfPresent(ctx, key)

	user, err := m.st.GetUser(ctx, userID)
	if err != nil {
		return mapStoreErr(err)
	}
	refs := user.Archives[:0]
	for _, ref := range user.Archives {
		if ref.Key != key {
			refs = append(refs, ref)
		}
	}
	user.Archives = refs
	if err := m.st.UpdateUser(ctx, user); err != nil {
		return mapStoreErr(err)
	}

	if m.metrics != nil {
		m.metrics.ArchivesRemoved.Inc()
	}
	log.Info().Str("user", user.Username).Str("key", key).Msg("archive removed")
	return nil
}

// GetArchiveInfo returns a stats snapshot for an archive, mounting it if
// needed. It takes no per-entity lock; a concurrent remove surfaces as
// ErrNotFound.
func (m *Manager) GetArchiveInfo(ctx context.Context, key string) (*ArchiveInfo, error) {
	rec, err := m.st.GetArchive(ctx, key)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	stats, err := m.cache.Stats(ctx, key)
	if err != nil {
		return nil, err
	}

	h, err := m.cache.GetOrLoad(ctx, key) // O(1) hit after Stats
	if err != nil {
		return nil, err
	}
	manifest, err := h.Manifest(ctx)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("manifest read failed")
		manifest = &swarm.Manifest{}
	}

	return &ArchiveInfo{
		Key:       rec.Key,
		Name:      rec.Name,
		OwnerID:   rec.OwnerID,
		NumPeers:  stats.NumPeers,
		DiskUsage: stats.DiskUsage,
		SwarmOpts: stats.SwarmOpts,
		Manifest:  manifest,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// UserQuota computes the user's current quota standing.
func (m *Manager) UserQuota(ctx context.Context, userID string) (QuotaState, error) {
	user, err := m.st.GetUser(ctx, userID)
	if err != nil {
		return QuotaState{}, mapStoreErr(err)
	}
	return QuotaState{
		QuotaBytes:  m.quota.QuotaBytes(user),
		UsedBytes:   m.quota.UsedBytes(ctx, user),
		PercentUsed: m.quota.PercentUsed(ctx, user),
	}, nil
}

// ListArchives returns the user's archive records.
func (m *Manager) ListArchives(ctx context.Context, userID string) ([]*store.ArchiveRecord, error) {
	if _, err := m.st.GetUser(ctx, userID); err != nil {
		return nil, mapStoreErr(err)
	}
	return m.st.ListArchivesByOwner(ctx, userID)
}

// ExportArchive writes a gzipped tarball of the archive's current contents
// to w. The archive is mounted if needed.
func (m *Manager) ExportArchive(ctx context.Context, key string, w io.Writer) error {
	if _, err := m.st.GetArchive(ctx, key); err != nil {
		return mapStoreErr(err)
	}
	h, err := m.cache.GetOrLoad(ctx, key)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	root := h.Dir()

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("export archive %s: %w", key, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// mapStoreErr translates store sentinels into the host taxonomy.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	default:
		return err
	}
}

// generateKey produces a fresh 32-byte archive key in hex.
func generateKey() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(b[:])
}
