package blob

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/internal/cache"
	"github.com/pdsmove/pdsmove/internal/cidutil"
	"github.com/pdsmove/pdsmove/internal/pds"
	"github.com/pdsmove/pdsmove/internal/streaming"
	"github.com/pdsmove/pdsmove/pkg/migerr"
	"github.com/pdsmove/pdsmove/pkg/models"
)

// EvictFunc frees at least needed bytes from the durable cache, used
// by Store-and-Forward when a blob no longer fits.
type EvictFunc func(ctx context.Context, needed int64) error

// Migrator moves blobs from Source to Target under a chosen Strategy,
// backed by Cache for Store-and-Forward's intermediate copy.
type Migrator struct {
	Source *pds.Client
	Target *pds.Client
	Cache  cache.Cache

	ChunkSize   int
	TeeCapacity int
	MaxAttempts int
	MaxInterval time.Duration
	Evict       EvictFunc
}

func (m *Migrator) chunkSize() int {
	if m.ChunkSize <= 0 {
		return bytestream.DefaultChunkSize
	}
	return m.ChunkSize
}

func (m *Migrator) teeCapacity() int {
	if m.TeeCapacity <= 0 {
		return 4
	}
	return m.TeeCapacity
}

func (m *Migrator) maxAttempts() int {
	if m.MaxAttempts <= 0 {
		return 5
	}
	return m.MaxAttempts
}

func (m *Migrator) maxInterval() time.Duration {
	if m.MaxInterval <= 0 {
		return 60 * time.Second
	}
	return m.MaxInterval
}

func cacheKeyFor(cid string) string { return "blob/" + cid }

// MigrateBlob drives blob through strategy, retrying retryable
// failures with exponential backoff up to MaxAttempts attempts. Each
// wait uses the backoff library's default randomization (±50% around
// the nominal interval, capped at MaxInterval), not full jitter.
// blob.Attempts and blob.Status are updated in place as it runs; the
// caller sees them when MigrateBlob returns, and nothing is persisted
// between attempts.
func (m *Migrator) MigrateBlob(ctx context.Context, did string, strategy Name, blob *models.Blob) error {
	fn, ok := lookup(strategy)
	if !ok {
		return migerr.New(migerr.KindProtocol, "unknown blob strategy: "+string(strategy))
	}

	blob.Status = models.BlobInFlight

	eb := backoff.NewExponentialBackOff()
	eb.MaxInterval = m.maxInterval()
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.maxAttempts()-1)), ctx)

	op := func() error {
		blob.Attempts++
		err := fn(ctx, m, did, blob)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, policy); err != nil {
		blob.Status = models.BlobFailed
		return err
	}
	blob.Status = models.BlobDone
	return nil
}

// retryable decides whether an outer retry of the whole blob is worth
// attempting. Quota-exceeded is retried too: migrateStoreAndForward
// already tried to evict before surfacing it, and a sibling blob's
// completion (freeing its own cache entry) may make room between
// attempts.
func retryable(err error) bool {
	k := migerr.KindOf(err)
	return k.Retryable() || k == migerr.KindQuotaExceeded
}

// migrateStreamingDirect fetches the blob once from the source,
// verifies its CID as it streams, and fans it out to the durable cache
// and the target upload concurrently. A slow target throttles the
// source read via the tee's backpressure instead of buffering.
func migrateStreamingDirect(ctx context.Context, m *Migrator, did string, blob *models.Blob) error {
	open := func(ctx context.Context) (bytestream.Stream, error) {
		raw, err := m.Source.GetBlob(ctx, did, blob.CID, m.chunkSize())
		if err != nil {
			return nil, err
		}
		verified, err := cidutil.Wrap(raw, blob.CID)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return verified, nil
	}
	upload := func(ctx context.Context, s bytestream.Stream) (int64, error) {
		return m.Target.UploadBlob(ctx, blob.MimeType, s)
	}

	_, err := streaming.Sync(ctx, open, m.Cache, cacheKeyFor(blob.CID), upload, m.teeCapacity())
	return err
}

// migrateStoreAndForward downloads and verifies the blob into the
// durable cache as one network leg, then uploads from the cache as a
// second, independent leg. The two legs can be retried separately:
// a failed upload does not re-fetch from the source, and a failed
// download is skipped on retry once the cache already holds the blob.
func migrateStoreAndForward(ctx context.Context, m *Migrator, did string, blob *models.Blob) error {
	key := cacheKeyFor(blob.CID)

	if _, err := m.Cache.GetBytes(ctx, key); err != nil {
		if err := downloadToCache(ctx, m, did, key, blob); err != nil {
			if migerr.KindOf(err) == migerr.KindQuotaExceeded && m.Evict != nil {
				if evictErr := m.Evict(ctx, blob.Size); evictErr != nil {
					return migerr.Wrap(migerr.KindQuotaExceeded, "evict for blob "+blob.CID, evictErr)
				}
				if err := downloadToCache(ctx, m, did, key, blob); err != nil {
					return err
				}
			} else {
				return err
			}
		}
	}

	cached, err := m.Cache.Get(ctx, key)
	if err != nil {
		return err
	}
	defer cached.Close()

	if _, err := m.Target.UploadBlob(ctx, blob.MimeType, cached); err != nil {
		return err
	}

	return m.Cache.Delete(ctx, key)
}

// downloadToCache fetches blob from the source, verifies it, and
// writes it into the cache under key as one all-or-nothing operation.
func downloadToCache(ctx context.Context, m *Migrator, did, key string, blob *models.Blob) error {
	raw, err := m.Source.GetBlob(ctx, did, blob.CID, m.chunkSize())
	if err != nil {
		return err
	}
	defer raw.Close()
	verified, err := cidutil.Wrap(raw, blob.CID)
	if err != nil {
		return err
	}
	_, err = m.Cache.PutChunked(ctx, key, verified)
	return err
}
