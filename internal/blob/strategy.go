// Package blob implements the blob migration strategy layer: two ways
// to move one content-addressed blob from the source PDS to the
// target, selected per-run from a deterministic rule over blob count,
// cache headroom, and a reliability preference, the way the registry
// package picks a backend by name from a small set of registered
// factories.
package blob

import (
	"context"
	"sync"

	"github.com/pdsmove/pdsmove/pkg/models"
)

// Name identifies a registered strategy.
type Name string

const (
	StreamingDirect Name = "streaming-direct"
	StoreAndForward Name = "store-and-forward"
)

// migrateFunc performs one blob's migration under a given strategy.
type migrateFunc func(ctx context.Context, m *Migrator, did string, blob *models.Blob) error

var (
	registryMu sync.RWMutex
	registry   = map[Name]migrateFunc{}
	registerOnce sync.Once
)

// RegisterStrategy adds a named strategy implementation. Built-in
// strategies register themselves the first time the registry is
// touched; callers may register additional names (e.g. a test double)
// before calling Select or Migrator.MigrateBlob.
func RegisterStrategy(name Name, fn migrateFunc) {
	ensureBuiltins()
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

func lookup(name Name) (migrateFunc, bool) {
	ensureBuiltins()
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

func ensureBuiltins() {
	registerOnce.Do(func() {
		registryMu.Lock()
		registry[StreamingDirect] = migrateStreamingDirect
		registry[StoreAndForward] = migrateStoreAndForward
		registryMu.Unlock()
	})
}

// SelectionInput is the information the selection rule needs; all
// fields describe the batch of blobs still pending, not just one.
type SelectionInput struct {
	PendingBlobs      int
	TotalBytes        int64
	CacheAvailable    int64
	PreferReliability bool
}

// Select picks Store-and-Forward when the batch is small enough and
// the durable cache has at least twice its total size free and the
// caller has asked for reliability over throughput; otherwise it picks
// Streaming-Direct, which needs no cache headroom and moves each blob
// in a single network hop.
func Select(in SelectionInput) Name {
	const maxBlobsForStoreAndForward = 50
	const quotaMultiple = 2
	if in.PendingBlobs <= maxBlobsForStoreAndForward &&
		in.CacheAvailable >= quotaMultiple*in.TotalBytes &&
		in.PreferReliability {
		return StoreAndForward
	}
	return StreamingDirect
}
