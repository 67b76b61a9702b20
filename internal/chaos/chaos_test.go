package chaos

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

func TestResetAtOffsetFiresOnceThenPassesThrough(t *testing.T) {
	inner := bytestream.FromBytes([]byte("0123456789abcdef"), 4)
	s := ResetAtOffset(inner, 5) // second chunk covers bytes 4-7

	ctx := context.Background()
	_, err := s.Next(ctx) // first chunk, bytes 0-3, untouched
	require.NoError(t, err)

	_, err = s.Next(ctx) // second chunk should reset
	require.Error(t, err)
	require.Equal(t, migerr.KindNetworkTransient, migerr.KindOf(err))

	_, err = s.Next(ctx) // third chunk, bytes 8-11, passes through once the reset has fired
	require.NoError(t, err)

	// Reopening a fresh stream resets `fired`, so migration retry logic
	// that re-opens its source does not see the fault twice from one wrap.
	inner2 := bytestream.FromBytes([]byte("0123456789abcdef"), 4)
	s2 := ResetAtOffset(inner2, 5)
	_, _ = s2.Next(ctx)
	_, err = s2.Next(ctx)
	require.Error(t, err)
}

func TestResetAtOffsetLeavesOtherChunksAlone(t *testing.T) {
	inner := bytestream.FromBytes([]byte("0123456789abcdef"), 4)
	s := ResetAtOffset(inner, 100) // never reached within the data
	ctx := context.Background()
	for {
		_, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
}

func TestPerChunkDelayDelaysEachRead(t *testing.T) {
	inner := bytestream.FromBytes([]byte("ab"), 8)
	s := PerChunkDelay(inner, 20*time.Millisecond)

	start := time.Now()
	_, err := s.Next(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPerChunkDelayRespectsCancellation(t *testing.T) {
	inner := bytestream.FromBytes([]byte("ab"), 8)
	s := PerChunkDelay(inner, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.Error(t, err)
	require.Equal(t, migerr.KindCancelled, migerr.KindOf(err))
}
