package oracle_test

import (
	"errors"
	"testing"
	"time"

	"PerpVAMM/internal/oracle"
	"PerpVAMM/internal/testutil"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFresh_RejectsStalePrice(t *testing.T) {
	feed := oracle.NewStaticFeed()
	feed.Set("ETH", testutil.W(2000), t0)

	if _, err := oracle.Fresh(feed, "ETH", time.Minute, t0.Add(30*time.Second)); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}
	_, err := oracle.Fresh(feed, "ETH", time.Minute, t0.Add(2*time.Minute))
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestFresh_MissingAsset(t *testing.T) {
	_, err := oracle.Fresh(oracle.NewStaticFeed(), "BTC", time.Minute, t0)
	if !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
}

func TestCommitReveal_HappyPath(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(time.Minute)
	price := testutil.W(2000)
	salt := []byte("salt-1")

	if s := feed.State("ETH", t0); s != oracle.RoundIdle {
		t.Fatalf("initial state: got %s", s)
	}
	if err := feed.Commit("ETH", oracle.Commitment(price, salt), t0); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s := feed.State("ETH", t0); s != oracle.RoundCommitted {
		t.Fatalf("after commit: got %s", s)
	}

	// Nothing is readable until reveal
	if _, err := feed.GetPrice("ETH"); !errors.Is(err, oracle.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice before reveal, got %v", err)
	}

	at := t0.Add(10 * time.Second)
	if err := feed.Reveal("ETH", price, salt, at); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if s := feed.State("ETH", at); s != oracle.RoundRevealed {
		t.Fatalf("after reveal: got %s", s)
	}

	p, err := feed.GetPrice("ETH")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	testutil.RequireEqual(t, "price", p.Value, price)
	if !p.UpdatedAt.Equal(at) {
		t.Errorf("updated at: got %s, want %s", p.UpdatedAt, at)
	}
}

func TestCommitReveal_WrongSalt(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(time.Minute)
	price := testutil.W(2000)
	_ = feed.Commit("ETH", oracle.Commitment(price, []byte("a")), t0)

	err := feed.Reveal("ETH", price, []byte("b"), t0.Add(time.Second))
	if !errors.Is(err, oracle.ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
	if s := feed.State("ETH", t0.Add(time.Second)); s != oracle.RoundCommitted {
		t.Errorf("failed reveal must keep the round open, got %s", s)
	}
}

func TestCommitReveal_Expiry(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(time.Minute)
	price := testutil.W(2000)
	salt := []byte("s")
	_ = feed.Commit("ETH", oracle.Commitment(price, salt), t0)

	late := t0.Add(2 * time.Minute)
	if s := feed.State("ETH", late); s != oracle.RoundExpired {
		t.Fatalf("expected expired, got %s", s)
	}
	if err := feed.Reveal("ETH", price, salt, late); !errors.Is(err, oracle.ErrRevealWindow) {
		t.Fatalf("expected ErrRevealWindow, got %v", err)
	}

	// A new round can start after expiry
	if err := feed.Commit("ETH", oracle.Commitment(price, salt), late); err != nil {
		t.Fatalf("recommit: %v", err)
	}
}

func TestCommitReveal_DoubleCommit(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(time.Minute)
	c := oracle.Commitment(testutil.W(1), nil)
	_ = feed.Commit("ETH", c, t0)
	if err := feed.Commit("ETH", c, t0.Add(time.Second)); !errors.Is(err, oracle.ErrAlreadyCommitted) {
		t.Fatalf("expected ErrAlreadyCommitted, got %v", err)
	}
}

func TestCommitReveal_RevealWithoutCommit(t *testing.T) {
	feed := oracle.NewCommitRevealFeed(time.Minute)
	if err := feed.Reveal("ETH", testutil.W(1), nil, t0); !errors.Is(err, oracle.ErrNotCommitted) {
		t.Fatalf("expected ErrNotCommitted, got %v", err)
	}
}
