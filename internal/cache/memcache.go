package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// MemCache is an in-process string-keyed store bounded by a byte
// quota, the analogue of a browser's synchronous string-only storage
// (values are base64-encoded as that API would require). It is the
// fallback of last resort and is never chosen when a durable backend
// is available.
type MemCache struct {
	mu       sync.RWMutex
	entries  map[string]string // base64-encoded values
	quota    int64
	occupied int64
}

// NewMemCache builds a MemCache enforcing quotaBytes of raw (decoded)
// payload across all entries.
func NewMemCache(quotaBytes int64) *MemCache {
	return &MemCache{entries: make(map[string]string), quota: quotaBytes}
}

func (c *MemCache) PutChunked(ctx context.Context, key string, src bytestream.Stream) (int64, error) {
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

	c.mu.Lock()
	defer c.mu.Unlock()
	var prevSize int64
	if existing, ok := c.entries[key]; ok {
		prevSize = decodedLen(existing)
	}
	if c.occupied-prevSize+int64(len(buf)) > c.quota {
		return 0, migerr.New(migerr.KindQuotaExceeded, "memory cache quota exceeded for "+key)
	}
	c.entries[key] = base64.StdEncoding.EncodeToString(buf)
	c.occupied += int64(len(buf)) - prevSize
	return int64(len(buf)), nil
}

func decodedLen(encoded string) int64 {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func (c *MemCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	encoded, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, migerr.New(migerr.KindProtocol, "cache miss: "+key)
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindIntegrity, "corrupt memory cache entry", err)
	}
	return b, nil
}

func (c *MemCache) Get(ctx context.Context, key string) (bytestream.Stream, error) {
	b, err := c.GetBytes(ctx, key)
	if err != nil {
		return nil, err
	}
	return bytestream.FromBytes(b, bytestream.DefaultChunkSize), nil
}

func (c *MemCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		c.occupied -= decodedLen(existing)
		delete(c.entries, key)
	}
	return nil
}

func (c *MemCache) List(ctx context.Context, prefix string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (c *MemCache) AvailableBytes(ctx context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quota - c.occupied, nil
}

func (c *MemCache) Close() error { return nil }
