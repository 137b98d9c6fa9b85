package host

import (
	"context"
	"fmt"

	"github.com/swarmhost/swarmhost/internal/store"
)

// UsageFunc reports the current disk usage of one archive in bytes: the
// live reading when the archive is mounted, or the last persisted figure
// otherwise.
type UsageFunc func(ctx context.Context, ref store.ArchiveRef) int64

// QuotaGuard computes a user's disk quota and usage and gates admission of
// new data. Usage is measured by on-demand filesystem inspection, not
// byte-level interception, so enforcement is advisory at admission time:
// an in-progress write can overshoot until the next measurement.
type QuotaGuard struct {
	defaultLimit int64 // bytes; 0 = unlimited
	usage        UsageFunc
}

// NewQuotaGuard creates a quota guard with the platform default limit.
func NewQuotaGuard(defaultLimit int64, usage UsageFunc) *QuotaGuard {
	return &QuotaGuard{defaultLimit: defaultLimit, usage: usage}
}

// QuotaBytes resolves the user's quota: the per-user override when set,
// else the platform default. 0 means unlimited.
func (q *QuotaGuard) QuotaBytes(u *store.UserRecord) int64 {
	if u.DiskQuota > 0 {
		return u.DiskQuota
	}
	return q.defaultLimit
}

// UsedBytes sums disk usage over the user's archives.
func (q *QuotaGuard) UsedBytes(ctx context.Context, u *store.UserRecord) int64 {
	var total int64
	for _, ref := range u.Archives {
		total += q.usage(ctx, ref)
	}
	return total
}

// PercentUsed returns used/quota, or 0 for unlimited quotas.
func (q *QuotaGuard) PercentUsed(ctx context.Context, u *store.UserRecord) float64 {
	quota := q.QuotaBytes(u)
	if quota <= 0 {
		return 0
	}
	return float64(q.UsedBytes(ctx, u)) / float64(quota)
}

// CheckAdmission fails with ErrQuotaExceeded when accepting incoming bytes
// would push the user past their quota.
func (q *QuotaGuard) CheckAdmission(ctx context.Context, u *store.UserRecord, incoming int64) error {
	quota := q.QuotaBytes(u)
	if quota <= 0 {
		return nil
	}
	if used := q.UsedBytes(ctx, u); used+incoming > quota {
		return fmt.Errorf("user %s: %d+%d of %d bytes: %w", u.Username, used, incoming, quota, ErrQuotaExceeded)
	}
	return nil
}
