package cache

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// DiskCache is the primary backend: a git-like sharded file tree under
// baseDir, keyed by content-address strings (CIDs, "did:plc:..."
// checkpoint keys, etc).
type DiskCache struct {
	baseDir string
}

// NewDiskCache ensures baseDir exists and returns a cache rooted there.
func NewDiskCache(baseDir string) (*DiskCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "create cache directory", err)
	}
	return &DiskCache{baseDir: baseDir}, nil
}

func (c *DiskCache) paths(key string) (dir, path string) {
	safe := sanitizeKey(key)
	if len(safe) < 3 {
		return c.baseDir, filepath.Join(c.baseDir, safe)
	}
	dir = filepath.Join(c.baseDir, safe[:2])
	return dir, filepath.Join(dir, safe[2:])
}

// sanitizeKey escapes path separators (and the escape character itself)
// in keys like "blob/bafy..." so each key maps to one flat, reversible
// file-name component safe to shard by prefix.
func sanitizeKey(key string) string {
	return url.PathEscape(key)
}

func (c *DiskCache) PutChunked(ctx context.Context, key string, src bytestream.Stream) (int64, error) {
	dir, path := c.paths(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, migerr.Wrap(migerr.KindNetworkPermanent, "create cache shard dir", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, migerr.Wrap(migerr.KindNetworkPermanent, "create cache temp file", err)
	}
	n, err := bytestream.WriteTo(ctx, src, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return n, err
	}
	if closeErr != nil {
		os.Remove(tmp)
		return n, migerr.Wrap(migerr.KindNetworkPermanent, "close cache temp file", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return n, migerr.Wrap(migerr.KindNetworkPermanent, "commit cache entry", err)
	}
	return n, nil
}

func (c *DiskCache) Get(ctx context.Context, key string) (bytestream.Stream, error) {
	_, path := c.paths(key)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, migerr.Wrap(migerr.KindProtocol, "cache miss: "+key, err)
		}
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "open cache entry", err)
	}
	return bytestream.FromReader(f, bytestream.DefaultChunkSize), nil
}

func (c *DiskCache) GetBytes(ctx context.Context, key string) ([]byte, error) {
	_, path := c.paths(key)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, migerr.Wrap(migerr.KindProtocol, "cache miss: "+key, err)
		}
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "read cache entry", err)
	}
	return b, nil
}

func (c *DiskCache) Delete(ctx context.Context, key string) error {
	dir, path := c.paths(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return migerr.Wrap(migerr.KindNetworkPermanent, "delete cache entry", err)
	}
	if dir != c.baseDir {
		_ = os.Remove(dir) // best-effort cleanup of an emptied shard
	}
	return nil
}

func (c *DiskCache) List(ctx context.Context, prefix string) ([]string, error) {
	safe := sanitizeKey(prefix)
	var keys []string
	err := filepath.WalkDir(c.baseDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, _ := filepath.Rel(c.baseDir, p)
		safeKey := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if strings.HasPrefix(safeKey, safe) {
			if key, err := url.PathUnescape(safeKey); err == nil {
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, migerr.Wrap(migerr.KindNetworkPermanent, "list cache entries", err)
	}
	return keys, nil
}

func (c *DiskCache) AvailableBytes(ctx context.Context) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.baseDir, &stat); err != nil {
		return 0, migerr.Wrap(migerr.KindNetworkPermanent, "statfs cache directory", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

func (c *DiskCache) Close() error { return nil }

var _ io.Closer = (*DiskCache)(nil)
