package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

const GenesisHashSeed = "PerpVAMM:genesis:v1"

// StateHasher chains envelope digests: hash[N] = SHA-256(hash[N-1] || N || digest[N])
type StateHasher struct {
	mu       sync.Mutex
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ResumeStateHasher continues a chain from a persisted tip
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash returns the previous tip and the new hash, and advances the chain
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) (prev, hash [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.prevHash

	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash
	return prev, hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevHash
}

// VerifyChain recomputes each link and reports the first sequence that does
// not match, or -1 when the chain is intact.
func VerifyChain(genesis [32]byte, links []ChainLink) int64 {
	prev := genesis
	for _, l := range links {
		h := ResumeStateHasher(prev)
		p, hash := h.ComputeHash(l.Sequence, l.Digest)
		if p != l.PrevHash || hash != l.StateHash {
			return l.Sequence
		}
		prev = hash
	}
	return -1
}

// ChainLink is one persisted hash-chain entry
type ChainLink struct {
	Sequence  int64
	Digest    []byte
	PrevHash  [32]byte
	StateHash [32]byte
}
