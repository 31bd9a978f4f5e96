package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"PerpVAMM/internal/auth"
	"PerpVAMM/internal/core"
	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"

	"github.com/holiman/uint256"
)

// underwater opens a 10 ETH long with 2100 margin for a fresh trader, then
// lets another trader short the pool down by shortSize.
func (f *fixture) underwater(t *testing.T, marketID string, shortSize uint64) auth.Context {
	t.Helper()
	victim := f.trader(t, 10_000)
	f.open(t, victim, marketID, event.SideLong, 10, 2_100)

	whale := f.trader(t, 100_000)
	f.open(t, whale, marketID, event.SideShort, shortSize, 50_000)
	return victim
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		shortSize uint64
		outcome   string
	}{
		// mark ~1900: equity ~694 covers the ~470 penalty
		{"equity covers penalty", 36, "healthy"},
		// mark ~1849: equity ~193 is below the ~458 penalty
		{"equity below penalty", 50, "partial_bad_debt"},
		// mark ~1683: equity is negative
		{"negative equity", 100, "full_bad_debt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			victim := f.underwater(t, "ETH-PERP", tt.shortSize)
			keeper := f.liquidator()
			walletBefore := f.ledger.Balance(victim.Caller, token)

			liq, err := f.engine.IsLiquidatable(context.Background(), "ETH-PERP", victim.Caller)
			if err != nil || !liq {
				t.Fatalf("IsLiquidatable = %v, %v; want true", liq, err)
			}

			res, err := f.engine.Liquidate(context.Background(), keeper, core.LiquidateRequest{
				MarketID: "ETH-PERP",
				User:     victim.Caller,
			})
			if err != nil {
				t.Fatalf("liquidate: %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if !res.Position.IsFlat() || !res.Position.Margin.IsZero() {
				t.Fatalf("position not reset: %+v", res.Position)
			}
			if pos := f.engine.Position("ETH-PERP", victim.Caller); !pos.IsFlat() {
				t.Fatalf("stored position not flat: %+v", pos)
			}

			notional, _ := fpmath.ComputeNotional(res.ClosedSize, res.ExitPrice)
			testutil.RequireEqual(t, "notional", res.Notional, notional)
			penalty, _ := state.ComputePenalty(res.Notional, state.DefaultRiskParams())
			testutil.RequireEqual(t, "penalty", res.Penalty, penalty)

			two := uint256.NewInt(2)
			switch tt.outcome {
			case "healthy":
				testutil.RequireEqual(t, "reward", res.LiquidatorReward, new(uint256.Int).Div(res.Penalty, two))
				testutil.RequireEqual(t, "residual", res.UserResidual, new(uint256.Int).Sub(res.Equity, res.Penalty))
				testutil.RequireEqual(t, "bad debt", res.BadDebt, new(uint256.Int))
			case "partial_bad_debt":
				testutil.RequireEqual(t, "reward", res.LiquidatorReward, new(uint256.Int).Div(res.Equity, two))
				testutil.RequireEqual(t, "residual", res.UserResidual, new(uint256.Int))
				testutil.RequireEqual(t, "bad debt", res.BadDebt, new(uint256.Int))
			case "full_bad_debt":
				testutil.RequireEqual(t, "reward", res.LiquidatorReward, new(uint256.Int))
				testutil.RequireEqual(t, "residual", res.UserResidual, new(uint256.Int))
				testutil.RequireEqual(t, "bad debt", res.BadDebt, fpmath.Abs(res.Equity))
			}

			shares := new(uint256.Int).Add(res.LiquidatorReward, res.FeeShare)
			shares.Add(shares, res.UserResidual)
			if !fpmath.IsNegative(res.Equity) {
				testutil.RequireEqual(t, "equity distributed", shares, res.Equity)
			}

			testutil.RequireEqual(t, "liquidator wallet", f.ledger.Balance(keeper.Caller, token), res.LiquidatorReward)
			wantWallet := new(uint256.Int).Add(walletBefore, res.UserResidual)
			testutil.RequireEqual(t, "user wallet", f.ledger.Balance(victim.Caller, token), wantWallet)
		})
	}
}

func TestLiquidate_InsuranceCoversBadDebt(t *testing.T) {
	f := newFixture(t)
	victim := f.underwater(t, "ETH-PERP", 100)
	f.fund.Receive(testutil.W(5_000))
	before := f.engine.Insurance()

	res, err := f.engine.Liquidate(context.Background(), f.liquidator(), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     victim.Caller,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.BadDebt.IsZero() {
		t.Fatal("expected bad debt")
	}
	testutil.RequireEqual(t, "paid", res.InsurancePaid, res.BadDebt)

	after := f.engine.Insurance()
	testutil.RequireEqual(t, "balance", after.Balance, new(uint256.Int).Sub(before.Balance, res.BadDebt))
	sum := new(uint256.Int).Add(after.Balance, after.TotalPaid)
	testutil.RequireEqual(t, "fund accounting", sum, after.TotalReceived)
}

func TestLiquidate_CompletesWithEmptyFund(t *testing.T) {
	f := newFixture(t)
	victim := f.underwater(t, "ETH-PERP", 100)

	// drain what trading fees put into the fund
	f.fund.Cover(f.fund.Balance())

	res, err := f.engine.Liquidate(context.Background(), f.liquidator(), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     victim.Caller,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if res.Outcome != "full_bad_debt" {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	testutil.RequireEqual(t, "paid", res.InsurancePaid, new(uint256.Int))
	if pos := f.engine.Position("ETH-PERP", victim.Caller); !pos.IsFlat() {
		t.Fatal("liquidation must complete even when the fund is empty")
	}
}

func TestClose_VaultShortAfterBadDebt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	victim := f.trader(t, 10_000)
	f.open(t, victim, "ETH-PERP", event.SideLong, 10, 2_100)
	whale := f.trader(t, 100_000)
	f.open(t, whale, "ETH-PERP", event.SideShort, 100, 50_000)
	f.fund.Cover(f.fund.Balance())

	liq, err := f.engine.Liquidate(ctx, f.liquidator(), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     victim.Caller,
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if liq.Outcome != "full_bad_debt" {
		t.Fatalf("outcome = %s", liq.Outcome)
	}

	// The victim's uncovered loss is the whale's profit; nothing backs it
	custody := f.ledger.CustodyBalance(token)
	walletBefore := f.ledger.Balance(whale.Caller, token)
	f.drain()

	res, err := f.engine.ClosePosition(ctx, whale, core.CloseRequest{MarketID: "ETH-PERP"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Position.IsFlat() {
		t.Fatalf("position not closed: %+v", res.Position)
	}
	testutil.RequireEqual(t, "paid", res.MarginReturned, custody)
	if res.Unpaid.IsZero() {
		t.Fatal("expected an unpaid remainder")
	}
	testutil.RequireEqual(t, "wallet", f.ledger.Balance(whale.Caller, token), new(uint256.Int).Add(walletBefore, custody))
	testutil.RequireEqual(t, "custody", f.ledger.CustodyBalance(token), new(uint256.Int))
	if err := f.ledger.Validate(); err != nil {
		t.Fatalf("ledger: %v", err)
	}

	var closed event.PositionClosed
	for _, env := range f.drain() {
		if env.EventType != event.EventTypePositionClosed {
			continue
		}
		if err := json.Unmarshal(env.Payload, &closed); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	if !closed.MarginReturned.Equal(event.Dec(custody)) || !closed.Unpaid.Equal(event.Dec(res.Unpaid)) {
		t.Fatalf("event paid %s unpaid %s, want %s and %s",
			closed.MarginReturned, closed.Unpaid, event.Dec(custody), event.Dec(res.Unpaid))
	}
}

func TestLiquidate_Partial(t *testing.T) {
	f := newFixture(t)
	victim := f.underwater(t, "ETH-PERP", 36)
	marginBefore := f.engine.Position("ETH-PERP", victim.Caller).Margin

	res, err := f.engine.Liquidate(context.Background(), f.liquidator(), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     victim.Caller,
		Size:     testutil.W(4),
	})
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	testutil.RequireEqual(t, "size", res.Position.Size, testutil.W(6))

	// 4/10 of the margin backs the liquidated part
	portion, _ := fpmath.MulDiv(marginBefore, testutil.W(4), testutil.W(10))
	testutil.RequireEqual(t, "margin", res.Position.Margin, new(uint256.Int).Sub(marginBefore, portion))
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	f := newFixture(t)
	alice := f.trader(t, 10_000)
	f.open(t, alice, "ETH-PERP", event.SideLong, 10, 2_500)
	before := f.pool(t, "ETH-PERP").Snapshot()

	_, err := f.engine.Liquidate(context.Background(), f.liquidator(), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     alice.Caller,
	})
	if !errors.Is(err, core.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if f.pool(t, "ETH-PERP").Snapshot() != before {
		t.Fatal("pool changed after a rejected liquidation")
	}
}

func TestLiquidate_RequiresRole(t *testing.T) {
	f := newFixture(t)
	victim := f.underwater(t, "ETH-PERP", 36)

	_, err := f.engine.Liquidate(context.Background(), f.trader(t, 1), core.LiquidateRequest{
		MarketID: "ETH-PERP",
		User:     victim.Caller,
	})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestLiquidate_ConcurrentMarkets(t *testing.T) {
	markets := []string{"ETH-PERP", "BTC-PERP", "SOL-PERP"}
	f := newFixture(t, markets...)

	victims := make(map[string]auth.Context, len(markets))
	for _, id := range markets {
		victims[id] = f.underwater(t, id, 100)
	}
	f.fund.Receive(testutil.W(2_000))

	var wg sync.WaitGroup
	errs := make(chan error, len(markets))
	for _, id := range markets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Liquidate(context.Background(), f.liquidator(), core.LiquidateRequest{
				MarketID: id,
				User:     victims[id].Caller,
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("liquidate: %v", err)
		}
	}
	for _, id := range markets {
		if pos := f.engine.Position(id, victims[id].Caller); !pos.IsFlat() {
			t.Fatalf("%s position not liquidated", id)
		}
	}

	stats := f.engine.Insurance()
	sum := new(uint256.Int).Add(stats.Balance, stats.TotalPaid)
	testutil.RequireEqual(t, "fund accounting", sum, stats.TotalReceived)
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestFunding_SettlementIsZeroSum(t *testing.T) {
	f := newFixture(t)
	long := f.trader(t, 10_000)
	short := f.trader(t, 10_000)
	longMargin := f.open(t, long, "ETH-PERP", event.SideLong, 10, 2_500).Position.Margin
	shortMargin := f.open(t, short, "ETH-PERP", event.SideShort, 10, 2_500).Position.Margin

	f.clock.Advance(time.Hour)
	f.feed.Set("ETH-PERP", testutil.W(1900), f.clock.Now())

	acc, err := f.engine.PokeFunding(context.Background(), "ETH-PERP")
	if err != nil {
		t.Fatalf("poke: %v", err)
	}
	if !acc.Applied {
		t.Fatal("expected funding to accrue")
	}
	// a ~5% premium clamps to 1%/h: 0.01 * 1900 per base unit
	testutil.RequireEqual(t, "rate", acc.Rate, fpmath.WadFraction(1, 100))
	testutil.RequireEqual(t, "increment", acc.Increment, testutil.W(19))

	again, err := f.engine.PokeFunding(context.Background(), "ETH-PERP")
	if err != nil {
		t.Fatalf("second poke: %v", err)
	}
	if again.Applied {
		t.Fatal("second poke in the same second must not accrue")
	}
	testutil.RequireEqual(t, "index", again.Cumulative, acc.Cumulative)

	for _, ac := range []auth.Context{long, short} {
		if _, err := f.engine.IsLiquidatable(context.Background(), "ETH-PERP", ac.Caller); err != nil {
			t.Fatalf("IsLiquidatable: %v", err)
		}
	}

	testutil.RequireEqual(t, "long margin",
		f.engine.Position("ETH-PERP", long.Caller).Margin,
		new(uint256.Int).Sub(longMargin, testutil.W(190)))
	testutil.RequireEqual(t, "short margin",
		f.engine.Position("ETH-PERP", short.Caller).Margin,
		new(uint256.Int).Add(shortMargin, testutil.W(190)))
}

// ============================================================================
// Test: Cross-market gate
// ============================================================================

func TestGate_LiquidatablePositionBlocksOtherMarkets(t *testing.T) {
	f := newFixture(t, "ETH-PERP", "BTC-PERP")
	victim := f.trader(t, 10_000)
	f.open(t, victim, "ETH-PERP", event.SideLong, 10, 2_100)
	f.open(t, victim, "BTC-PERP", event.SideLong, 1, 1_000)

	whale := f.trader(t, 100_000)
	f.open(t, whale, "ETH-PERP", event.SideShort, 36, 50_000)

	_, err := f.engine.OpenPosition(context.Background(), victim, core.OpenRequest{
		MarketID: "BTC-PERP",
		Side:     event.SideLong,
		Size:     testutil.W(1),
		Margin:   testutil.W(1_000),
	})
	if !errors.Is(err, core.ErrLiquidatablePosition) {
		t.Fatalf("open: expected ErrLiquidatablePosition, got %v", err)
	}

	err = f.engine.RemoveMargin(context.Background(), victim, core.MarginRequest{
		MarketID: "BTC-PERP",
		Amount:   testutil.W(1),
	})
	if !errors.Is(err, core.ErrLiquidatablePosition) {
		t.Fatalf("remove margin: expected ErrLiquidatablePosition, got %v", err)
	}

	// closing is never gated
	if _, err := f.engine.ClosePosition(context.Background(), victim, core.CloseRequest{MarketID: "BTC-PERP"}); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// ============================================================================
// Test: Supporting pieces
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want core.Category
	}{
		{auth.ErrUnauthorized, core.CategoryAuthorization},
		{core.ErrMarketPaused, core.CategoryPaused},
		{core.ErrInsufficientMargin, core.CategorySolvency},
		{core.ErrNotLiquidatable, core.CategorySolvency},
		{fmt.Errorf("remove: %w", ledger.ErrInsufficientCustody), core.CategorySolvency},
		{core.ErrNoPosition, core.CategoryNotFound},
		{core.ErrSizeBelowMin, core.CategoryValidation},
		{core.ErrReentrant, core.CategoryValidation},
		{fpmath.ErrOverflow, core.CategoryArithmetic},
		{errors.New("disk on fire"), core.CategoryInternal},
	}
	for _, tt := range tests {
		if got := core.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s stubDB) IsDuplicate(op, key string) (bool, error) {
	return s.seen[op+":"+key], s.err
}

func TestIdempotencyChecker(t *testing.T) {
	ic := core.NewIdempotencyChecker(2, stubDB{seen: map[string]bool{"open:persisted": true}})

	if err := ic.Claim("open", "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ic.Claim("open", "a"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("in-flight claim: expected ErrDuplicateRequest, got %v", err)
	}
	ic.Finish("open", "a", false)
	if err := ic.Claim("open", "a"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	ic.Finish("open", "a", true)
	if err := ic.Claim("open", "a"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("committed claim: expected ErrDuplicateRequest, got %v", err)
	}

	// same key under another operation is distinct
	if err := ic.Claim("close", "a"); err != nil {
		t.Fatalf("other op: %v", err)
	}
	if err := ic.Claim("open", "persisted"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Fatalf("persisted key: expected ErrDuplicateRequest, got %v", err)
	}
	if err := ic.Claim("open", ""); err != nil {
		t.Fatalf("empty key: %v", err)
	}

	_, postgres, _ := ic.Stats("open")
	if postgres != 1 {
		t.Fatalf("postgres duplicates = %d, want 1", postgres)
	}
}

func TestIdempotencyChecker_DBErrorIsNotDuplicate(t *testing.T) {
	ic := core.NewIdempotencyChecker(10, stubDB{err: errors.New("connection refused")})
	if err := ic.Claim("open", "k"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, tier2 := ic.Stats("open"); tier2 != 1 {
		t.Fatalf("tier2 errors = %d, want 1", tier2)
	}
}

func TestVerifyChain(t *testing.T) {
	h := core.NewStateHasher()
	genesis := h.GetPrevHash()

	var links []core.ChainLink
	for seq := int64(1); seq <= 5; seq++ {
		digest := []byte{byte(seq), 0xAB}
		prev, hash := h.ComputeHash(seq, digest)
		links = append(links, core.ChainLink{Sequence: seq, Digest: digest, PrevHash: prev, StateHash: hash})
	}
	if got := core.VerifyChain(genesis, links); got != -1 {
		t.Fatalf("intact chain reported break at %d", got)
	}

	links[2].Digest = []byte{0xFF}
	if got := core.VerifyChain(genesis, links); got != 3 {
		t.Fatalf("tampered chain: break at %d, want 3", got)
	}
}
