package cache

import (
	"context"
	"errors"
	"io"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

var bucketName = []byte("entries")

// BoltCache is the indexed-key-value backend, the server-side analogue
// of a browser's IndexedDB store: one embedded database file holding
// every entry, useful where a sharded file tree is undesirable (e.g. a
// single-file portable cache).
type BoltCache struct {
	db *bolt.DB
}

// NewBoltCache opens (creating if absent) a bbolt database at path.
func NewBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "open bolt cache", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "init bolt cache bucket", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) PutChunked(ctx context.Context, key string, src bytestream.Stream) (int64, error) {
	var buf []byte
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return int64(len(buf)), err
		}
		buf = append(buf, chunk.Bytes...)
		if chunk.IsLast {
			break
		}
	}
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), buf)
	})
	if err != nil {
		return int64(len(buf)), migerr.Wrap(migerr.KindNetworkPermanent, "bolt put", err)
	}
	return int64(len(buf)), nil
}

func (c *BoltCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return migerr.New(migerr.KindProtocol, "cache miss: "+key)
		}
		out = append(out, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BoltCache) Get(ctx context.Context, key string) (bytestream.Stream, error) {
	b, err := c.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return bytestream.FromBytes(b, bytestream.DefaultChunkSize), nil
}

func (c *BoltCache) Delete(ctx context.Context, key string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return migerr.Wrap(migerr.KindNetworkPermanent, "bolt delete", err)
	}
	return nil
}

func (c *BoltCache) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketName).Cursor()
		p := []byte(prefix)
		for k, _ := cur.Seek(p); k != nil && hasPrefix(k, p); k, _ = cur.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "bolt list", err)
	}
	return keys, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (c *BoltCache) AvailableBytes(ctx context.Context) (int64, error) {
	// bbolt grows a single file; there is no fixed quota below the
	// filesystem's own, so report the configured soft ceiling instead.
	return 1 << 30, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
