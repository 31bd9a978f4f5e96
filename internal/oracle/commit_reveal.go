package oracle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// RoundState is the per-asset commit-reveal phase
type RoundState uint8

const (
	RoundIdle RoundState = iota
	RoundCommitted
	RoundRevealed
	RoundExpired
)

func (s RoundState) String() string {
	switch s {
	case RoundIdle:
		return "idle"
	case RoundCommitted:
		return "committed"
	case RoundRevealed:
		return "revealed"
	case RoundExpired:
		return "expired"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyCommitted = errors.New("round already committed")
	ErrNotCommitted     = errors.New("no open commitment")
	ErrRevealWindow     = errors.New("reveal outside window")
	ErrHashMismatch     = errors.New("revealed price does not match commitment")
)

type round struct {
	state       RoundState
	commitment  [32]byte
	committedAt time.Time
	revealed    Price
	hasRevealed bool
}

// CommitRevealFeed publishes a price only after a committer reveals the
// preimage of an earlier hash. Engines read only the last revealed price.
type CommitRevealFeed struct {
	mu           sync.Mutex
	rounds       map[string]*round
	revealWindow time.Duration
}

func NewCommitRevealFeed(revealWindow time.Duration) *CommitRevealFeed {
	return &CommitRevealFeed{
		rounds:       make(map[string]*round),
		revealWindow: revealWindow,
	}
}

// Commitment returns sha256(price || salt) with price as a 32-byte big-endian word
func Commitment(price *uint256.Int, salt []byte) [32]byte {
	word := price.Bytes32()
	h := sha256.New()
	h.Write(word[:])
	h.Write(salt)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Commit opens a round. A commitment that was never revealed within the
// window is expired first, so a fresh commit is always accepted after it.
func (f *CommitRevealFeed) Commit(assetID string, commitment [32]byte, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.roundLocked(assetID)
	f.expireLocked(r, at)
	if r.state == RoundCommitted {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, assetID)
	}
	r.state = RoundCommitted
	r.commitment = commitment
	r.committedAt = at
	return nil
}

// Reveal checks the preimage and publishes the price
func (f *CommitRevealFeed) Reveal(assetID string, price *uint256.Int, salt []byte, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.roundLocked(assetID)
	f.expireLocked(r, at)
	switch r.state {
	case RoundCommitted:
	case RoundExpired:
		return fmt.Errorf("%w: %s commitment expired", ErrRevealWindow, assetID)
	default:
		return fmt.Errorf("%w: %s", ErrNotCommitted, assetID)
	}
	if at.Before(r.committedAt) {
		return fmt.Errorf("%w: %s reveal precedes commit", ErrRevealWindow, assetID)
	}
	want := Commitment(price, salt)
	if !bytes.Equal(want[:], r.commitment[:]) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, assetID)
	}

	r.state = RoundRevealed
	r.revealed = Price{Value: new(uint256.Int).Set(price), UpdatedAt: at}
	r.hasRevealed = true
	return nil
}

// State reports the current phase of an asset's round at the given time
func (f *CommitRevealFeed) State(assetID string, at time.Time) RoundState {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[assetID]
	if !ok {
		return RoundIdle
	}
	f.expireLocked(r, at)
	return r.state
}

// GetPrice returns the last revealed price; the age check is the caller's
func (f *CommitRevealFeed) GetPrice(assetID string) (Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[assetID]
	if !ok || !r.hasRevealed {
		return Price{}, fmt.Errorf("%w: %s", ErrNoPrice, assetID)
	}
	return Price{Value: new(uint256.Int).Set(r.revealed.Value), UpdatedAt: r.revealed.UpdatedAt}, nil
}

func (f *CommitRevealFeed) roundLocked(assetID string) *round {
	r, ok := f.rounds[assetID]
	if !ok {
		r = &round{}
		f.rounds[assetID] = r
	}
	return r
}

func (f *CommitRevealFeed) expireLocked(r *round, at time.Time) {
	if r.state == RoundCommitted && at.Sub(r.committedAt) > f.revealWindow {
		r.state = RoundExpired
	}
}
