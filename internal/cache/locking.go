package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// LockingCache wraps a Cache with file-based advisory locking so that,
// per spec, at most one writer per key runs at a time while concurrent
// readers are allowed once the writer has completed. Read/Get is never
// locked; PutChunked/Delete are.
type LockingCache struct {
	inner       Cache
	lockDir     string
	lockTimeout time.Duration
}

// NewLockingCache wraps inner, storing lock files under lockDir.
func NewLockingCache(inner Cache, lockDir string, lockTimeout time.Duration) (*LockingCache, error) {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "create lock directory", err)
	}
	return &LockingCache{inner: inner, lockDir: lockDir, lockTimeout: lockTimeout}, nil
}

func (c *LockingCache) lockPath(key string) string {
	safe := sanitizeKey(key)
	if len(safe) < 2 {
		return filepath.Join(c.lockDir, safe+".lock")
	}
	return filepath.Join(c.lockDir, safe[:2], safe[2:]+".lock")
}

func (c *LockingCache) acquire(ctx context.Context, key string) (*flock.Flock, error) {
	path := c.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "create lock shard dir", err)
	}
	fl := flock.New(path)
	lockCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, c.lockTimeout)
		defer cancel()
	}
	locked, err := fl.TryLockContext(lockCtx, 10*time.Millisecond)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkTransient, "lock acquisition failed for "+key, err)
	}
	if !locked {
		return nil, migerr.New(migerr.KindNetworkTransient, "lock acquisition timed out for "+key)
	}
	return fl, nil
}

func (c *LockingCache) PutChunked(ctx context.Context, key string, src bytestream.Stream) (int64, error) {
	fl, err := c.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()
	return c.inner.PutChunked(ctx, key, src)
}

func (c *LockingCache) Delete(ctx context.Context, key string) error {
	fl, err := c.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	return c.inner.Delete(ctx, key)
}

func (c *LockingCache) Get(ctx context.Context, key string) (bytestream.Stream, error) {
	return c.inner.Get(ctx, key)
}

func (c *LockingCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return c.inner.GetBytes(ctx, key)
}

func (c *LockingCache) List(ctx context.Context, prefix string) ([]string, error) {
	return c.inner.List(ctx, prefix)
}

func (c *LockingCache) AvailableBytes(ctx context.Context) (int64, error) {
	return c.inner.AvailableBytes(ctx)
}

func (c *LockingCache) Close() error { return c.inner.Close() }
