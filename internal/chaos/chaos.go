// Package chaos injects deterministic faults into a bytestream.Stream
// for tests: a connection reset at a fixed byte offset, or a fixed
// per-chunk delay. It exists only to drive the end-to-end scenarios
// that require a source or target misbehaving in a reproducible way.
package chaos

import (
	"context"
	"time"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// ResetAtOffset wraps inner so that the chunk whose range first covers
// resetOffset fails with a KindNetworkTransient error instead of being
// delivered, simulating a connection reset mid-blob. Only the first
// such occurrence on a given wrapper fires; later chunks from the same
// wrapper pass through untouched. A new wrapper around a reopened
// stream fires again at the same offset.
func ResetAtOffset(inner bytestream.Stream, resetOffset int64) bytestream.Stream {
	return &resetStream{inner: inner, resetOffset: resetOffset}
}

type resetStream struct {
	inner       bytestream.Stream
	resetOffset int64
	fired       bool
}

func (r *resetStream) Next(ctx context.Context) (bytestream.Chunk, error) {
	chunk, err := r.inner.Next(ctx)
	if err != nil {
		return chunk, err
	}
	if !r.fired && chunk.Offset <= r.resetOffset && r.resetOffset < chunk.Offset+int64(len(chunk.Bytes)) {
		r.fired = true
		return bytestream.Chunk{}, migerr.New(migerr.KindNetworkTransient, "simulated connection reset")
	}
	return chunk, nil
}

func (r *resetStream) Close() error { return r.inner.Close() }

// PerChunkDelay wraps inner so every Next call sleeps delay before
// returning, simulating a slow producer or consumer side of a tee.
func PerChunkDelay(inner bytestream.Stream, delay time.Duration) bytestream.Stream {
	return &delayStream{inner: inner, delay: delay}
}

type delayStream struct {
	inner bytestream.Stream
	delay time.Duration
}

func (d *delayStream) Next(ctx context.Context) (bytestream.Chunk, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return bytestream.Chunk{}, migerr.Wrap(migerr.KindCancelled, "delay interrupted", ctx.Err())
	}
	return d.inner.Next(ctx)
}

func (d *delayStream) Close() error { return d.inner.Close() }
