package host

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmhost/swarmhost/internal/store"
)

func quotaUser(quota int64, usages ...int64) (*store.UserRecord, UsageFunc) {
	u := &store.UserRecord{ID: "u1", Username: "alice", DiskQuota: quota}
	byKey := make(map[string]int64)
	for i, usage := range usages {
		k := key(byte(i + 1))
		u.Archives = append(u.Archives, store.ArchiveRef{Key: k, Name: string(rune('a' + i))})
		byKey[k] = usage
	}
	return u, func(ctx context.Context, ref store.ArchiveRef) int64 {
		return byKey[ref.Key]
	}
}

func TestQuotaResolutionOrder(t *testing.T) {
	u, usage := quotaUser(0)
	q := NewQuotaGuard(100, usage)
	assert.Equal(t, int64(100), q.QuotaBytes(u), "platform default applies without override")

	u.DiskQuota = 50
	assert.Equal(t, int64(50), q.QuotaBytes(u), "per-user override wins")
}

func TestUsedBytesSumsArchives(t *testing.T) {
	u, usage := quotaUser(0, 100, 200, 300)
	q := NewQuotaGuard(1000, usage)

	assert.Equal(t, int64(600), q.UsedBytes(context.Background(), u))
	assert.InDelta(t, 0.6, q.PercentUsed(context.Background(), u), 0.001)
}

func TestCheckAdmission(t *testing.T) {
	u, usage := quotaUser(0, 800)
	q := NewQuotaGuard(1000, usage)
	ctx := context.Background()

	assert.NoError(t, q.CheckAdmission(ctx, u, 100))
	assert.NoError(t, q.CheckAdmission(ctx, u, 200), "exactly at quota is admitted")
	assert.ErrorIs(t, q.CheckAdmission(ctx, u, 201), ErrQuotaExceeded)
}

func TestUnlimitedQuota(t *testing.T) {
	u, usage := quotaUser(0, 1<<40)
	q := NewQuotaGuard(0, usage)
	ctx := context.Background()

	assert.NoError(t, q.CheckAdmission(ctx, u, 1<<40))
	assert.Equal(t, float64(0), q.PercentUsed(ctx, u))
}
