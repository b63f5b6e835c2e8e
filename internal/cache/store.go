package cache

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Locker is a lease keyed by name. The holder proves ownership with its token;
// a lease that is not released expires after its ttl.
type Locker interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// LockStore is what the sync run needs: a lease plus a way to read who holds it.
type LockStore interface {
	Store
	Locker
}
