package coordination

import (
	"context"
)

// Leadership elects a single leader between many processes.
type Leadership interface {
	// Run campaigns for leadership until ctx is done. onElected is called with a
	// context that is cancelled when the leadership is lost, after it returns
	// onRevoked is called. Campaigning starts again after losing the leadership.
	Run(ctx context.Context, onElected func(ctx context.Context), onRevoked func()) error
}

// DistributedLock serializes work on the same tenant resource between processes.
type DistributedLock interface {
	// WithLock runs fn holding the lock of the tenant resource, the lock is released
	// when fn returns or panics.
	WithLock(ctx context.Context, tenantID, resourceID string, fn func(ctx context.Context) error) error
}

// LockKey returns the key of a tenant resource lock.
func LockKey(tenantID, resourceID string) string {
	return tenantID + "/" + resourceID
}
