// Package streaming runs the channel tee across cooperative goroutines:
// one source stream is cached and forwarded to a target concurrently,
// in bounded memory, joined with errgroup so the first failure on
// either side tears down the whole pipeline.
package streaming

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/internal/cache"
	"github.com/pdsmove/pdsmove/internal/tee"
)

// Stats reports what a successful Sync moved.
type Stats struct {
	BytesToCache  int64
	BytesToTarget int64
}

// OpenFunc lazily opens the source stream (e.g. issues the source GET
// once the upload side is ready to receive).
type OpenFunc func(ctx context.Context) (bytestream.Stream, error)

// UploadFunc drains s to the target (e.g. a chunked PUT/POST),
// returning the number of bytes it sent.
type UploadFunc func(ctx context.Context, s bytestream.Stream) (int64, error)

// Sync opens src, tees it into a cache-write consumer and an
// upload-target consumer, and runs both concurrently with capacity
// chunks of slack between the slower consumer and the producer.
func Sync(ctx context.Context, open OpenFunc, c cache.Cache, cacheKey string, upload UploadFunc, capacity int) (Stats, error) {
	src, err := open(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer src.Close()

	a, b, cancel := tee.Tee(ctx, src, capacity)

	g, gctx := errgroup.WithContext(ctx)
	var stats Stats

	g.Go(func() error {
		n, err := c.PutChunked(gctx, cacheKey, a)
		stats.BytesToCache = n
		if err != nil {
			cancel(err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		n, err := upload(gctx, b)
		stats.BytesToTarget = n
		if err != nil {
			cancel(err)
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return stats, err
	}
	return stats, nil
}
