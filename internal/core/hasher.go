package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// GenesisHashSeed anchors the hash chain. Changing it invalidates every
// stored chain, so it is versioned.
const GenesisHashSeed = "LendLedger:genesis:v1"

// GenesisHash returns the chain anchor for sequence zero.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash extends the chain: SHA-256 over the previous hash, the global
// sequence (little-endian), and the post-apply state digest. Any divergence
// in applied events or resulting state breaks the chain at the first
// differing sequence.
func ComputeHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))
	h.Write(seq[:])

	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
