// Package swarm provides the replication side of archive hosting: opening an
// archive's on-disk storage, joining and leaving its swarm, and reading live
// peer counts and disk usage. The wire protocol between peers is owned
// entirely by this package; callers only see the Archive interface.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed archive handle.
var ErrClosed = errors.New("archive handle closed")

// ManifestFile is the well-known manifest name inside an archive root.
const ManifestFile = "archive.json"

// Options controls how an archive participates in its swarm.
type Options struct {
	Upload   bool `json:"upload"`
	Download bool `json:"download"`
}

// DefaultOptions joins as a full replicating peer.
func DefaultOptions() Options {
	return Options{Upload: true, Download: true}
}

// Manifest is the archive's self-describing metadata, read from
// archive.json at the archive root.
type Manifest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Archive is one mounted, replicated directory tree.
type Archive interface {
	// Key returns the archive's content-addressed key.
	Key() string
	// Dir returns the archive's storage directory on the local disk.
	Dir() string
	// Join announces the archive to its swarm.
	Join(ctx context.Context, opts Options) error
	// Leave withdraws from the swarm. Safe to call when not joined.
	Leave(ctx context.Context) error
	// NumPeers returns the number of peers currently replicating the
	// archive, zero when not joined or no tracker is configured.
	NumPeers() int
	// DiskUsage measures the archive's on-disk size in bytes.
	DiskUsage(ctx context.Context) (int64, error)
	// Manifest reads the archive manifest; a missing manifest yields an
	// empty one, not an error.
	Manifest(ctx context.Context) (*Manifest, error)
	// Close releases the storage handle. It implies Leave.
	Close(ctx context.Context) error
}

// Replicator opens archives by key.
type Replicator interface {
	Open(ctx context.Context, key string) (Archive, error)
}

// DiskReplicator stores each archive under root/<key>/ and coordinates
// swarm membership through an optional tracker. A nil tracker client means
// archives replicate nowhere and always report zero peers.
type DiskReplicator struct {
	root    string
	tracker *TrackerClient
	peerID  string
}

// NewDiskReplicator creates a replicator rooted at dir. tracker may be nil.
func NewDiskReplicator(dir, peerID string, tracker *TrackerClient) (*DiskReplicator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &DiskReplicator{root: dir, tracker: tracker, peerID: peerID}, nil
}

// Open opens (creating if necessary) the storage for an archive.
func (r *DiskReplicator) Open(ctx context.Context, key string) (Archive, error) {
	dir := filepath.Join(r.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open archive storage: %w", err)
	}
	return &diskArchive{key: key, dir: dir, repl: r}, nil
}

type diskArchive struct {
	key  string
	dir  string
	repl *DiskReplicator

	mu      sync.Mutex
	joined  bool
	closed  bool
	session *trackerSession
}

func (a *diskArchive) Key() string { return a.key }
func (a *diskArchive) Dir() string { return a.dir }

func (a *diskArchive) Join(ctx context.Context, opts Options) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.joined {
		return nil
	}

	if a.repl.tracker != nil {
		session, err := a.repl.tracker.join(ctx, a.key, a.repl.peerID)
		if err != nil {
			return fmt.Errorf("join swarm: %w", err)
		}
		a.session = session
	}
	a.joined = true
	log.Debug().Str("key", a.key).Bool("upload", opts.Upload).
		Bool("download", opts.Download).Msg("joined swarm")
	return nil
}

func (a *diskArchive) Leave(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaveLocked()
}

func (a *diskArchive) leaveLocked() error {
	if !a.joined {
		return nil
	}
	if a.session != nil {
		a.session.close()
		a.session = nil
	}
	a.joined = false
	log.Debug().Str("key", a.key).Msg("left swarm")
	return nil
}

func (a *diskArchive) NumPeers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return 0
	}
	return a.session.numPeers()
}

func (a *diskArchive) DiskUsage(ctx context.Context) (int64, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	dir := a.dir
	a.mu.Unlock()

	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
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
	if err != nil {
		return 0, fmt.Errorf("measure disk usage: %w", err)
	}
	return total, nil
}

func (a *diskArchive) Manifest(ctx context.Context) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(a.dir, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (a *diskArchive) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if err := a.leaveLocked(); err != nil {
		return err
	}
	a.closed = true
	return nil
}
