// Package cache implements the durable cache: a content-addressed byte
// store with interchangeable backends, selected once per process and
// fixed for the session.
package cache

import (
	"context"

	"github.com/pdsmove/pdsmove/internal/bytestream"
)

// Cache is the backend-agnostic contract every durable-cache
// implementation satisfies. PutChunked is all-or-nothing: a failure
// mid-stream leaves no partial key behind.
type Cache interface {
	PutChunked(ctx context.Context, key string, src bytestream.Stream) (int64, error)
	Get(ctx context.Context, key string) (bytestream.Stream, error)
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	AvailableBytes(ctx context.Context) (int64, error)
	Close() error
}
