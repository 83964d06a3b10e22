// Copyright 2024-2026 Aiku AI

package archive

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is the BLAKE3-256 digest of an uncompressed payload.
type Digest [32]byte

func digestOf(data []byte) Digest {
	return blake3.Sum256(data)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
