package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/internal/cache"
)

func TestSyncWritesToBothCacheAndTarget(t *testing.T) {
	data := []byte("repository commit car contents, streamed to both sinks at once")
	open := func(ctx context.Context) (bytestream.Stream, error) {
		return bytestream.FromBytes(data, 8), nil
	}

	c := cache.NewMemCache(1 << 20)

	var uploaded []byte
	upload := func(ctx context.Context, s bytestream.Stream) (int64, error) {
		n, err := bytestream.WriteTo(ctx, s, sinkFunc(func(p []byte) {
			uploaded = append(uploaded, p...)
		}))
		return n, err
	}

	stats, err := Sync(context.Background(), open, c, "blob/test-key", upload, 2)
	require.NoError(t, err)
	require.EqualValues(t, len(data), stats.BytesToCache)
	require.EqualValues(t, len(data), stats.BytesToTarget)
	require.Equal(t, data, uploaded)

	cached, err := c.GetBytes(context.Background(), "blob/test-key")
	require.NoError(t, err)
	require.Equal(t, data, cached)
}

func TestSyncPropagatesUploadFailureAndCancelsCacheWrite(t *testing.T) {
	data := []byte("some data that will fail to upload")
	open := func(ctx context.Context) (bytestream.Stream, error) {
		return bytestream.FromBytes(data, 4), nil
	}
	c := cache.NewMemCache(1 << 20)

	wantErr := require.Error
	upload := func(ctx context.Context, s bytestream.Stream) (int64, error) {
		return 0, errUploadFailed
	}

	_, err := Sync(context.Background(), open, c, "blob/fail-key", upload, 1)
	wantErr(t, err)

	_, err = c.GetBytes(context.Background(), "blob/fail-key")
	require.Error(t, err)
}

var errUploadFailed = &uploadError{}

type uploadError struct{}

func (e *uploadError) Error() string { return "upload failed" }

type sinkFunc func([]byte)

func (s sinkFunc) Write(p []byte) (int, error) {
	s(p)
	return len(p), nil
}
