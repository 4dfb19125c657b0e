package core

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

const GenesisHashSeed = "MarginLedger:genesis:v1"

// GenesisHash is the prev_hash of sequence 0.
func GenesisHash() [32]byte {
	return blake3.Sum256([]byte(GenesisHashSeed))
}

// ChainHash is BLAKE3(prev || little-endian sequence || digest).
func ChainHash(prev [32]byte, sequence int64, digest []byte) [32]byte {
	buf := make([]byte, 0, len(prev)+8+len(digest))
	buf = append(buf, prev[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, digest...)
	return blake3.Sum256(buf)
}

// StateHasher holds the tip of the hash chain over applied commands.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// ComputeHash extends the chain by one command and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	h.tip = ChainHash(h.tip, sequence, stateDigest)
	return h.tip
}

func (h *StateHasher) GetPrevHash() [32]byte { return h.tip }

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) { h.tip = hash }
