package bytestream

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromReaderYieldsChunksInOrder(t *testing.T) {
	data := strings.Repeat("abcdefgh", 10) // 80 bytes
	s := FromReader(strings.NewReader(data), 16)

	var got bytes.Buffer
	ctx := context.Background()
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got.Write(chunk.Bytes)
		if chunk.IsLast {
			break
		}
	}
	require.Equal(t, data, got.String())
}

func TestFromReaderMarksFinalChunk(t *testing.T) {
	s := FromReader(strings.NewReader("hello"), 64)
	chunk, err := s.Next(context.Background())
	require.NoError(t, err)
	require.True(t, chunk.IsLast)
	require.Equal(t, "hello", string(chunk.Bytes))
}

func TestFromBytesRoundTripsThroughWriteTo(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	s := FromBytes(data, 8)

	var buf bytes.Buffer
	n, err := WriteTo(context.Background(), s, &buf)
	require.NoError(t, err)
	require.EqualValues(t, len(data), n)
	require.Equal(t, data, buf.Bytes())
}

func TestNextAfterDoneReturnsEOF(t *testing.T) {
	s := FromBytes([]byte("x"), 64)
	ctx := context.Background()
	_, err := s.Next(ctx)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestNextRespectsCancelledContext(t *testing.T) {
	s := FromBytes([]byte("some bytes"), 64)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx)
	require.Error(t, err)
}

type closeTrackingReader struct {
	io.Reader
	closed bool
}

func (c *closeTrackingReader) Close() error {
	c.closed = true
	return nil
}

func TestFromReaderClosesUnderlyingCloser(t *testing.T) {
	r := &closeTrackingReader{Reader: strings.NewReader("abc")}
	s := FromReader(r, 64)
	require.NoError(t, s.Close())
	require.True(t, r.closed)
}
