package persistence_test

import (
	"context"
	"testing"
	"time"

	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	"PerpVAMM/internal/persistence"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// chain builds n sequenced, hash-chained envelopes the way the engine does.
func chain(t *testing.T, n int, requestKey string) []*event.EventEnvelope {
	t.Helper()
	h := core.NewStateHasher()
	user := uuid.New()
	out := make([]*event.EventEnvelope, 0, n)
	for i := 1; i <= n; i++ {
		env, err := event.NewEnvelope(&event.MarginAdded{
			MarketID: "ETH-PERP",
			UserID:   user,
			Amount:   event.Dec(testutil.W(uint64(i))),
			Margin:   event.Dec(testutil.W(uint64(100 + i))),
		}, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		env.Sequence = int64(i)
		env.IdempotencyKey = requestKey
		env.PrevHash, env.StateHash = h.ComputeHash(env.Sequence, env.Digest())
		out = append(out, env)
	}
	return out
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestEventRow_RoundTrip(t *testing.T) {
	env := chain(t, 1, "req-1")[0]

	row := persistence.NewEventRow(env)
	if row.MarketID == nil || *row.MarketID != "ETH-PERP" {
		t.Fatalf("market id not carried: %v", row.MarketID)
	}
	if row.EventType != "MarginAdded" {
		t.Errorf("event type = %s", row.EventType)
	}

	back, err := row.Envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if back.ID != env.ID || back.Sequence != env.Sequence || back.StateHash != env.StateHash {
		t.Fatal("identity fields changed")
	}
	if string(back.Digest()) != string(env.Digest()) {
		t.Fatal("digest changed across storage form")
	}
}

func TestEventRow_Malformed(t *testing.T) {
	row := persistence.NewEventRow(chain(t, 1, "")[0])

	bad := row
	bad.EventType = "Nope"
	if _, err := bad.Envelope(); err == nil {
		t.Error("expected error for unknown event type")
	}

	bad = row
	bad.StateHash = bad.StateHash[:31]
	if _, err := bad.Envelope(); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestEventRow_NoMarket(t *testing.T) {
	env := chain(t, 1, "")[0]
	env.MarketID = ""
	if row := persistence.NewEventRow(env); row.MarketID != nil {
		t.Errorf("market id = %q, want NULL", *row.MarketID)
	}
}

func TestJournalRow(t *testing.T) {
	l := ledger.NewMemoryLedger()
	sink := make(chan []ledger.Journal, 4)
	l.SetJournalSink(sink)

	user := uuid.New()
	if err := l.Deposit(user, "USDC", testutil.W(25)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	batch := <-sink
	if len(batch) == 0 {
		t.Fatal("empty journal batch")
	}
	row := persistence.NewJournalRow(batch[0])
	if row.Amount != testutil.W(25).Dec() {
		t.Errorf("amount = %s, want %s", row.Amount, testutil.W(25).Dec())
	}
	if row.DebitAccount == row.CreditAccount {
		t.Error("debit and credit account paths collapsed")
	}
}

// ============================================================================
// Test: Postgres round trip (integration)
// ============================================================================

func TestPersistenceWorker_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	envs := chain(t, 7, "req-42")
	in := make(chan *event.EventEnvelope, len(envs))
	for _, env := range envs {
		in <- env
	}
	close(in)

	w := persistence.NewPersistenceWorker(db, in, nil, 3, 50*time.Millisecond, nil)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	reader := persistence.NewEventLogReader(db)
	seq, tip, err := reader.Tip(ctx)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if seq != 7 || tip != envs[6].StateHash {
		t.Fatalf("tip = %d %x, want 7 %x", seq, tip, envs[6].StateHash)
	}

	broken, err := reader.Verify(ctx, 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if broken != -1 {
		t.Fatalf("chain broken at %d", broken)
	}

	idem := persistence.NewPostgresIdempotencyChecker(db)
	if dup, err := idem.IsDuplicate("add_margin", "req-42"); err != nil || !dup {
		t.Errorf("IsDuplicate(add_margin) = %v, %v", dup, err)
	}
	if dup, err := idem.IsDuplicate("open", "req-42"); err != nil || dup {
		t.Errorf("IsDuplicate(open) = %v, %v", dup, err)
	}
	keys, err := idem.RecentKeys(ctx, 3)
	if err != nil {
		t.Fatalf("recent keys: %v", err)
	}
	if len(keys) != 3 || keys[0] != "add_margin:req-42" {
		t.Errorf("recent keys = %v", keys)
	}
}
