// Package cidutil verifies blob content against its content identifier
// (CID) while streaming, the way a hash-computing storage decorator
// verifies a digest on the write path instead of buffering first.
package cidutil

import (
	"context"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/pdsmove/pdsmove/internal/bytestream"
	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// VerifyingStream wraps a Stream, hashing every chunk as it passes
// through, and reports a KindIntegrity error if the accumulated hash
// does not match the expected CID. The check runs on the Next call that
// delivers a chunk marked IsLast (the error is returned with that chunk)
// and on a Next call that returns io.EOF.
type VerifyingStream struct {
	inner    bytestream.Stream
	expected cid.Cid
	hasher   io.Writer
	digest   *multihashDigest
}

// Wrap returns a Stream that verifies each byte read against
// expectedCID's multihash once the inner stream is exhausted.
func Wrap(inner bytestream.Stream, expectedCID string) (*VerifyingStream, error) {
	c, err := cid.Decode(expectedCID)
	if err != nil {
		return nil, migerr.Wrap(migerr.KindProtocol, "invalid cid "+expectedCID, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, migerr.Wrap(migerr.KindProtocol, "invalid multihash in cid "+expectedCID, err)
	}
	digest, err := newMultihashDigest(decoded.Code)
	if err != nil {
		return nil, err
	}
	return &VerifyingStream{inner: inner, expected: c, digest: digest, hasher: digest}, nil
}

func (v *VerifyingStream) Next(ctx context.Context) (bytestream.Chunk, error) {
	chunk, err := v.inner.Next(ctx)
	if err != nil {
		if err == io.EOF {
			if verr := v.verify(); verr != nil {
				return bytestream.Chunk{}, verr
			}
		}
		return chunk, err
	}
	v.hasher.Write(chunk.Bytes)
	if chunk.IsLast {
		if verr := v.verify(); verr != nil {
			return chunk, verr
		}
	}
	return chunk, nil
}

func (v *VerifyingStream) verify() error {
	sum := v.digest.Sum()
	mh, err := multihash.Encode(sum, v.digest.code)
	if err != nil {
		return migerr.Wrap(migerr.KindIntegrity, "encode computed multihash", err)
	}
	got := cid.NewCidV1(v.expected.Type(), mh)
	if !got.Equals(v.expected) {
		return migerr.New(migerr.KindIntegrity, "blob cid mismatch: expected "+v.expected.String()+" got "+got.String())
	}
	return nil
}

func (v *VerifyingStream) Close() error { return v.inner.Close() }
