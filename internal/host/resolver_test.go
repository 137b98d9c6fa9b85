package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSitesModeValid(t *testing.T) {
	assert.True(t, SitesDisabled.Valid())
	assert.True(t, SitesPerUser.Valid())
	assert.True(t, SitesPerArchive.Valid())
	assert.False(t, SitesMode("per-planet").Valid())
}

func TestResolveApex(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	r := NewDomainResolver(h.st, SitesDisabled, "swarmhost.example")

	// The apex resolves in every mode, even disabled.
	res, err := r.Resolve(context.Background(), "swarmhost.example")
	require.NoError(t, err)
	assert.Nil(t, res.User)
	assert.Nil(t, res.Archive)

	// Port, case and trailing dot are normalized away.
	_, err = r.Resolve(context.Background(), "SwarmHost.Example.:8443")
	assert.NoError(t, err)
}

func TestResolveDisabledRejectsSubdomains(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	h.addUser(t, "alice")
	r := NewDomainResolver(h.st, SitesDisabled, "swarmhost.example")

	_, err := r.Resolve(context.Background(), "alice.swarmhost.example")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestResolvePerUser(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	u := h.addUser(t, "alice")
	r := NewDomainResolver(h.st, SitesPerUser, "swarmhost.example")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "alice.swarmhost.example")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	assert.Equal(t, u.ID, res.User.ID)
	assert.Nil(t, res.Archive)

	// Two labels do not fit per-user mode.
	_, err = r.Resolve(ctx, "blog.alice.swarmhost.example")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestResolvePerArchive(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	u := h.addUser(t, "alice")
	h.addArchiveRecord(t, u, "blog", key(1))
	r := NewDomainResolver(h.st, SitesPerArchive, "swarmhost.example")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "blog.alice.swarmhost.example")
	require.NoError(t, err)
	require.NotNil(t, res.User)
	require.NotNil(t, res.Archive)
	assert.Equal(t, u.ID, res.User.ID)
	assert.Equal(t, key(1), res.Archive.Key)

	// The bare subdomain form works when a proxy stripped the apex.
	res, err = r.Resolve(ctx, "blog.alice")
	require.NoError(t, err)
	assert.Equal(t, key(1), res.Archive.Key)

	// One label does not fit per-archive mode.
	_, err = r.Resolve(ctx, "alice.swarmhost.example")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestResolveFailuresAreUniform(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	u := h.addUser(t, "alice")
	h.addArchiveRecord(t, u, "blog", key(1))
	r := NewDomainResolver(h.st, SitesPerArchive, "swarmhost.example")
	ctx := context.Background()

	// Existing user, unknown archive.
	_, errKnownUser := r.Resolve(ctx, "ghost.alice.swarmhost.example")
	// Unknown user entirely.
	_, errUnknownUser := r.Resolve(ctx, "ghost.mallory.swarmhost.example")

	assert.ErrorIs(t, errKnownUser, ErrInvalidDomain)
	assert.ErrorIs(t, errUnknownUser, ErrInvalidDomain)
	// Nothing in either message distinguishes which lookup step failed.
	assert.Equal(t, `"ghost.alice.swarmhost.example": invalid domain`, errKnownUser.Error())
	assert.Equal(t, `"ghost.mallory.swarmhost.example": invalid domain`, errUnknownUser.Error())
}

func TestResolveRejectsSuspendedUser(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	u := h.addUser(t, "alice")
	h.addArchiveRecord(t, u, "blog", key(1))

	u.Suspended = true
	u.SuspendedReason = "abuse"
	require.NoError(t, h.st.UpdateUser(context.Background(), u))

	r := NewDomainResolver(h.st, SitesPerArchive, "swarmhost.example")
	_, err := r.Resolve(context.Background(), "blog.alice.swarmhost.example")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestHostPolicyGatesIssuance(t *testing.T) {
	h := newTestHost(t, testHostOptions{})
	h.addUser(t, "alice")
	policy := NewDomainResolver(h.st, SitesPerUser, "swarmhost.example").HostPolicy()
	ctx := context.Background()

	assert.NoError(t, policy(ctx, "alice.swarmhost.example"))
	assert.Error(t, policy(ctx, "mallory.swarmhost.example"))
}
