package swarm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return strings.Repeat("ab", 32)
}

func TestOpenCreatesStorage(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)

	assert.Equal(t, testKey(), a.Key())
	info, err := os.Stat(a.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDiskUsage(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), "index.html"), make([]byte, 1000), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(a.Dir(), "img"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), "img", "logo.png"), make([]byte, 500), 0o644))

	usage, err := a.DiskUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), usage)
}

func TestManifest(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)

	// Missing manifest yields an empty one
	m, err := a.Manifest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, m.Title)

	content := `{"title":"My Blog","description":"posts"}`
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), ManifestFile), []byte(content), 0o644))

	m, err = a.Manifest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "My Blog", m.Title)
	assert.Equal(t, "posts", m.Description)
}

func TestManifestMalformed(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(a.Dir(), ManifestFile), []byte("{nope"), 0o644))

	_, err = a.Manifest(context.Background())
	assert.Error(t, err)
}

func TestJoinLeaveWithoutTracker(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)

	require.NoError(t, a.Join(context.Background(), DefaultOptions()))
	assert.Equal(t, 0, a.NumPeers())

	// Join is idempotent while joined
	require.NoError(t, a.Join(context.Background(), DefaultOptions()))

	require.NoError(t, a.Leave(context.Background()))
	require.NoError(t, a.Leave(context.Background())) // safe when not joined
}

func TestCloseImpliesLeaveAndRejectsFurtherUse(t *testing.T) {
	repl, err := NewDiskReplicator(t.TempDir(), "peer-1", nil)
	require.NoError(t, err)

	a, err := repl.Open(context.Background(), testKey())
	require.NoError(t, err)
	require.NoError(t, a.Join(context.Background(), DefaultOptions()))

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background())) // idempotent

	assert.ErrorIs(t, a.Join(context.Background(), DefaultOptions()), ErrClosed)
	_, err = a.DiskUsage(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
