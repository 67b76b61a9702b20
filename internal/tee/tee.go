// Package tee implements the bounded, dual-consumer stream duplicator:
// one producer stream is fanned out to two independent consumers with
// backpressure, so neither consumer can force the other (or the
// producer) to buffer without limit.
package tee

import (
	"context"
	"sync"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// Tee splits src into two independent Streams, a and b. The producer
// goroutine reads src and pushes each chunk onto both consumers'
// bounded channels; a send blocks if either consumer's channel is
// full, which is how backpressure from a slow consumer propagates back
// to the producer (and, transitively, to whatever src itself is
// reading from, e.g. an HTTP response body).
//
// Either consumer closing early, or cancelling via the returned cancel
// func, tears down the producer and the sibling consumer with a
// KindCancelled error.
func Tee(ctx context.Context, src bytestream.Stream, capacity int) (a, b bytestream.Stream, cancel func(error)) {
	if capacity < 1 {
		capacity = 1
	}
	ctx, cancelFn := context.WithCancelCause(ctx)

	chunksA := make(chan item, capacity)
	chunksB := make(chan item, capacity)

	consA := &consumer{ch: chunksA, ctx: ctx, cancel: cancelFn}
	consB := &consumer{ch: chunksB, ctx: ctx, cancel: cancelFn}

	go produce(ctx, src, chunksA, chunksB, cancelFn)

	return consA, consB, func(err error) { cancelFn(err) }
}

type item struct {
	chunk bytestream.Chunk
	err   error
}

func produce(ctx context.Context, src bytestream.Stream, chunksA, chunksB chan<- item, cancel context.CancelCauseFunc) {
	defer close(chunksA)
	defer close(chunksB)
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			sendBoth(ctx, chunksA, chunksB, item{err: err})
			return
		}
		if ok := sendBoth(ctx, chunksA, chunksB, item{chunk: chunk}); !ok {
			return
		}
		if chunk.IsLast {
			return
		}
	}
}

// sendBoth delivers it to both channels, respecting cancellation; it
// returns false if the context was cancelled before both sends landed.
func sendBoth(ctx context.Context, chunksA, chunksB chan<- item, it item) bool {
	var wg sync.WaitGroup
	ok := true
	var mu sync.Mutex
	wg.Add(2)
	send := func(ch chan<- item) {
		defer wg.Done()
		select {
		case ch <- it:
		case <-ctx.Done():
			mu.Lock()
			ok = false
			mu.Unlock()
		}
	}
	go send(chunksA)
	go send(chunksB)
	wg.Wait()
	return ok
}

type consumer struct {
	ch     <-chan item
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (c *consumer) Next(ctx context.Context) (bytestream.Chunk, error) {
	select {
	case it, open := <-c.ch:
		if !open {
			return bytestream.Chunk{}, migerr.New(migerr.KindCancelled, "tee consumer closed")
		}
		return it.chunk, it.err
	case <-ctx.Done():
		return bytestream.Chunk{}, migerr.Wrap(migerr.KindCancelled, "tee consumer context done", ctx.Err())
	case <-c.ctx.Done():
		return bytestream.Chunk{}, migerr.Wrap(migerr.KindCancelled, "tee cancelled", context.Cause(c.ctx))
	}
}

// Close cancels the tee with a KindCancelled cause, signalling the
// producer and sibling consumer to unwind. The cancellation is
// unconditional, even when the sibling has already read its last chunk.
func (c *consumer) Close() error {
	c.cancel(migerr.New(migerr.KindCancelled, "tee consumer closed by caller"))
	return nil
}
