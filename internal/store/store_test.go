package store

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func testUser(username string) *UserRecord {
	return &UserRecord{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "x",
		Scopes:       []string{ScopeUser},
	}
}

func testKey(seed byte) string {
	return strings.Repeat(string([]byte{'a' + seed%6, '0' + seed%10}), 32)
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUser("alice")
	require.NoError(t, s.CreateUser(ctx, u))
	assert.False(t, u.CreatedAt.IsZero())

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byName, err := s.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	byEmail, err := s.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)
}

func TestCreateUserConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("alice")))

	dup := testUser("alice")
	dup.Email = "other@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, dup), ErrConflict)

	sameEmail := testUser("bob")
	sameEmail.Email = "alice@example.com"
	assert.ErrorIs(t, s.CreateUser(ctx, sameEmail), ErrConflict)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUser(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUserByUsername(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUser("alice")
	require.NoError(t, s.CreateUser(ctx, u))

	u.Suspended = true
	u.SuspendedReason = "tos violation"
	u.Archives = append(u.Archives, ArchiveRef{Key: testKey(1), Name: "blog"})
	require.NoError(t, s.UpdateUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, got.Suspended)
	assert.Equal(t, "tos violation", got.SuspendedReason)
	require.Len(t, got.Archives, 1)
	assert.Equal(t, "blog", got.Archives[0].Name)
}

func TestUpdateUserUsernameConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, testUser("alice")))
	bob := testUser("bob")
	require.NoError(t, s.CreateUser(ctx, bob))

	bob.Username = "alice"
	assert.ErrorIs(t, s.UpdateUser(ctx, bob), ErrConflict)
}

func TestUsersSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	u := testUser("alice")
	require.NoError(t, s.CreateUser(ctx, u))
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{
		Key: testKey(2), Name: "blog", OwnerID: u.ID,
	}))

	s2, err := Open(dir)
	require.NoError(t, err)

	got, err := s2.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	a, err := s2.GetArchive(ctx, testKey(2))
	require.NoError(t, err)
	assert.Equal(t, "blog", a.Name)
}

func TestCreateArchiveConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := uuid.NewString()
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{
		Key: testKey(3), Name: "blog", OwnerID: owner,
	}))

	// Same key
	err := s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(3), Name: "other", OwnerID: owner})
	assert.ErrorIs(t, err, ErrConflict)

	// Same (owner, name)
	err = s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(4), Name: "blog", OwnerID: owner})
	assert.ErrorIs(t, err, ErrConflict)

	// Same name, different owner is fine
	err = s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(5), Name: "blog", OwnerID: uuid.NewString()})
	assert.NoError(t, err)
}

func TestDeleteArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{
		Key: testKey(1), Name: "blog", OwnerID: "o",
	}))
	require.NoError(t, s.DeleteArchive(ctx, testKey(1)))

	_, err := s.GetArchive(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteArchive(ctx, testKey(1)), ErrNotFound)
}

func TestSetArchiveUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{
		Key: testKey(1), Name: "blog", OwnerID: "o",
	}))
	require.NoError(t, s.SetArchiveUsage(ctx, testKey(1), 4096))

	a, err := s.GetArchive(ctx, testKey(1))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), a.DiskUsage)

	// Unknown key is a no-op, not an error
	assert.NoError(t, s.SetArchiveUsage(ctx, testKey(9), 1))
}

func TestListUsersOrderAndCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"carol", "alice", "bob", "dave"} {
		require.NoError(t, s.CreateUser(ctx, testUser(name)))
	}

	all, err := s.ListUsers(ctx, ListOptions{})
	require.NoError(t, err)
	names := make([]string, len(all))
	for i, u := range all {
		names[i] = u.Username
	}
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, names)

	page, err := s.ListUsers(ctx, ListOptions{Cursor: "bob", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "carol", page[0].Username)
	assert.Equal(t, "dave", page[1].Username)

	rev, err := s.ListUsers(ctx, ListOptions{Reverse: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rev, 1)
	assert.Equal(t, "dave", rev[0].Username)
}

func TestListArchivesByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := uuid.NewString()
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(1), Name: "wiki", OwnerID: owner}))
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(2), Name: "blog", OwnerID: owner}))
	require.NoError(t, s.CreateArchive(ctx, &ArchiveRecord{Key: testKey(3), Name: "zine", OwnerID: "someone-else"}))

	got, err := s.ListArchivesByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "blog", got[0].Name)
	assert.Equal(t, "wiki", got[1].Name)
}

func TestClonesDoNotAliasStoreState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := testUser("alice")
	require.NoError(t, s.CreateUser(ctx, u))

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	got.Username = "mallory"
	got.Archives = append(got.Archives, ArchiveRef{Key: testKey(1), Name: "x"})

	again, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Username)
	assert.Empty(t, again.Archives)
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey(strings.Repeat("ab", 32)))
	assert.False(t, ValidKey("abc"))
	assert.False(t, ValidKey(strings.Repeat("AB", 32)))
	assert.False(t, ValidKey(strings.Repeat("zz", 32)))
}
