package types

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2s"
)

const (
	AlgSHA256     = "sha256"
	AlgBLAKE2s256 = "blake2s256"
)

// Checksum is the expected digest of a package, written as "<algorithm>:<hex>".
// A bare hex value is a sha256 digest.
type Checksum struct {
	Algorithm string
	Sum       []byte
}

func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	alg, digest, found := strings.Cut(s, ":")
	if !found {
		alg, digest = AlgSHA256, s
	}
	alg = strings.ToLower(alg)

	sum, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid %s digest: %w", alg, err)
	}

	switch alg {
	case AlgSHA256, AlgBLAKE2s256:
		if len(sum) != 32 {
			return Checksum{}, fmt.Errorf("%s digest must be 32 bytes, got %d", alg, len(sum))
		}
	default:
		return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}

	return Checksum{Algorithm: alg, Sum: sum}, nil
}

// NewHash returns a fresh hash matching the checksum algorithm
func (c Checksum) NewHash() hash.Hash {
	if c.Algorithm == AlgBLAKE2s256 {
		h, err := blake2s.New256(nil)
		if err != nil {
			panic(err) // Should never happen with nil Key
		}
		return h
	}
	return sha256.New()
}

func (c Checksum) Matches(sum []byte) bool {
	return subtle.ConstantTimeCompare(c.Sum, sum) == 1
}

func (c Checksum) String() string {
	return c.Algorithm + ":" + hex.EncodeToString(c.Sum)
}
