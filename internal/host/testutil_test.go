package host

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/swarmhost/swarmhost/internal/keylock"
	"github.com/swarmhost/swarmhost/internal/store"
	"github.com/swarmhost/swarmhost/internal/swarm"
)

// fakeReplicator is a controllable swarm.Replicator backed by real
// directories, with observable open/join/teardown counts.
type fakeReplicator struct {
	root      string
	joinDelay time.Duration
	joinErr   error
	peers     int

	mu       sync.Mutex
	opens    int
	joins    atomic.Int32
	archives map[string]*fakeArchive
}

func newFakeReplicator(t *testing.T) *fakeReplicator {
	t.Helper()
	return &fakeReplicator{
		root:     t.TempDir(),
		archives: make(map[string]*fakeArchive),
	}
}

func (f *fakeReplicator) Open(ctx context.Context, key string) (swarm.Archive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	dir := filepath.Join(f.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	a := &fakeArchive{key: key, dir: dir, repl: f}
	f.archives[key] = a
	return a, nil
}

func (f *fakeReplicator) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeReplicator) archive(key string) *fakeArchive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.archives[key]
}

type fakeArchive struct {
	key  string
	dir  string
	repl *fakeReplicator

	joined atomic.Bool
	closed atomic.Bool
}

func (a *fakeArchive) Key() string { return a.key }
func (a *fakeArchive) Dir() string { return a.dir }

func (a *fakeArchive) Join(ctx context.Context, opts swarm.Options) error {
	if a.repl.joinDelay > 0 {
		time.Sleep(a.repl.joinDelay)
	}
	if a.repl.joinErr != nil {
		return a.repl.joinErr
	}
	a.repl.joins.Add(1)
	a.joined.Store(true)
	return nil
}

func (a *fakeArchive) Leave(ctx context.Context) error {
	a.joined.Store(false)
	return nil
}

func (a *fakeArchive) NumPeers() int { return a.repl.peers }

func (a *fakeArchive) DiskUsage(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(a.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (a *fakeArchive) Manifest(ctx context.Context) (*swarm.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, swarm.ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &swarm.Manifest{}, nil
		}
		return nil, err
	}
	var m swarm.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *fakeArchive) Close(ctx context.Context) error {
	_ = a.Leave(ctx)
	a.closed.Store(true)
	return nil
}

// testHost bundles a fully wired manager with its collaborators.
type testHost struct {
	st    *store.Store
	repl  *fakeReplicator
	cache *ArchiveCache
	mgr   *Manager
	locks *keylock.Registry
}

type testHostOptions struct {
	maxActive    int
	staleness    time.Duration
	defaultQuota int64
}

func newTestHost(t *testing.T, opts testHostOptions) *testHost {
	t.Helper()

	if opts.maxActive == 0 {
		opts.maxActive = 10
	}
	if opts.staleness == 0 {
		opts.staleness = time.Hour
	}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	repl := newFakeReplicator(t)
	locks := keylock.New()
	cache, err := NewArchiveCache(repl, st, locks, nil, CacheOptions{
		MaxActive: opts.maxActive,
		Staleness: opts.staleness,
		JoinOpts:  swarm.DefaultOptions(),
	})
	require.NoError(t, err)

	return &testHost{
		st:    st,
		repl:  repl,
		cache: cache,
		mgr:   NewManager(st, cache, locks, opts.defaultQuota, nil),
		locks: locks,
	}
}

// addUser creates a user record directly in the store.
func (h *testHost) addUser(t *testing.T, username string) *store.UserRecord {
	t.Helper()
	u := &store.UserRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: "x",
		Scopes:       []string{store.ScopeUser},
	}
	require.NoError(t, h.st.CreateUser(context.Background(), u))
	return u
}

// addArchiveRecord persists an archive record and the owner's reference,
// bypassing the manager.
func (h *testHost) addArchiveRecord(t *testing.T, u *store.UserRecord, name, key string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.st.CreateArchive(ctx, &store.ArchiveRecord{
		Key: key, Name: name, OwnerID: u.ID,
	}))
	u.Archives = append(u.Archives, store.ArchiveRef{Key: key, Name: name})
	require.NoError(t, h.st.UpdateUser(ctx, u))
}
