package cidutil

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/multiformats/go-multihash"

	"github.com/pdsmove/pdsmove/pkg/migerr"
)

// multihashDigest accumulates a running hash for one of the multihash
// codes AT Protocol blobs actually use (sha2-256, occasionally
// sha2-512); it implements io.Writer so a stream can tee into it.
type multihashDigest struct {
	code int
	h     hash.Hash
}

func newMultihashDigest(code int) (*multihashDigest, error) {
	switch code {
	case multihash.SHA2_256:
		return &multihashDigest{code: code, h: sha256.New()}, nil
	case multihash.SHA2_512:
		return &multihashDigest{code: code, h: sha512.New()}, nil
	default:
		return nil, migerr.New(migerr.KindProtocol, "unsupported multihash code for blob verification")
	}
}

func (d *multihashDigest) Write(p []byte) (int, error) { return d.h.Write(p) }

func (d *multihashDigest) Sum() []byte { return d.h.Sum(nil) }
