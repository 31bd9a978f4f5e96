package state_test

import (
	"context"
	"sync"
	"testing"

	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"
	"PerpVAMM/internal/state"
	"PerpVAMM/internal/testutil"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ============================================================================
// Test: Liquidation outcome selection
// ============================================================================

func TestSplitLiquidation_Outcomes(t *testing.T) {
	tests := []struct {
		name         string
		equity       *uint256.Int
		penalty      *uint256.Int
		wantOutcome  state.LiquidationOutcome
		wantReward   *uint256.Int
		wantFee      *uint256.Int
		wantResidual *uint256.Int
		wantBadDebt  *uint256.Int
	}{
		{"healthy", testutil.W(100), testutil.W(40), state.OutcomeHealthy,
			testutil.W(20), testutil.W(20), testutil.W(60), new(uint256.Int)},
		{"exactly at penalty", testutil.W(40), testutil.W(40), state.OutcomeHealthy,
			testutil.W(20), testutil.W(20), new(uint256.Int), new(uint256.Int)},
		{"partial bad debt", testutil.W(30), testutil.W(40), state.OutcomePartialBadDebt,
			testutil.W(15), testutil.W(15), new(uint256.Int), new(uint256.Int)},
		{"odd wei rounds reward down", uint256.NewInt(3), testutil.W(40), state.OutcomePartialBadDebt,
			uint256.NewInt(1), uint256.NewInt(2), new(uint256.Int), new(uint256.Int)},
		{"zero equity", new(uint256.Int), testutil.W(40), state.OutcomeFullBadDebt,
			new(uint256.Int), new(uint256.Int), new(uint256.Int), new(uint256.Int)},
		{"negative equity", fpmath.SignedWad(-25), testutil.W(40), state.OutcomeFullBadDebt,
			new(uint256.Int), new(uint256.Int), new(uint256.Int), testutil.W(25)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := state.SplitLiquidation(tt.equity, tt.penalty)
			if s.Outcome != tt.wantOutcome {
				t.Fatalf("outcome: got %s, want %s", s.Outcome, tt.wantOutcome)
			}
			testutil.RequireEqual(t, "reward", s.LiquidatorReward, tt.wantReward)
			testutil.RequireEqual(t, "fee share", s.FeeShare, tt.wantFee)
			testutil.RequireEqual(t, "residual", s.UserResidual, tt.wantResidual)
			testutil.RequireEqual(t, "bad debt", s.BadDebt, tt.wantBadDebt)
		})
	}
}

func TestComputePenalty_Cap(t *testing.T) {
	params := state.DefaultRiskParams()
	params.PenaltyBps = 250
	params.PenaltyCap = testutil.W(100)

	small, _ := state.ComputePenalty(testutil.W(2000), params)
	testutil.RequireEqual(t, "uncapped", small, testutil.W(50))

	big, _ := state.ComputePenalty(testutil.W(20_000), params)
	testutil.RequireEqual(t, "capped", big, testutil.W(100))

	params.PenaltyCap = new(uint256.Int)
	free, _ := state.ComputePenalty(testutil.W(20_000), params)
	testutil.RequireEqual(t, "no cap", free, testutil.W(500))
}

// ============================================================================
// Test: Margin
// ============================================================================

func TestComputeMargin_Status(t *testing.T) {
	params := state.DefaultRiskParams() // imr 10%, mmr 5%
	pos := state.NewPosition("ETH-PERP", uuid.New())
	pos.Size = testutil.W(10)
	pos.EntryPrice = testutil.W(2000)
	pos.Margin = testutil.W(2000)

	tests := []struct {
		mark uint64
		want state.MarginStatus
	}{
		{2000, state.MarginStatusHealthy}, // 2000/20000 = 10%
		{1950, state.MarginStatusAtRisk},  // 1500/19500 = 7.7%
		{1900, state.MarginStatusAtRisk},  // 1000/19000 = 5.26%
	}

	for _, tt := range tests {
		snap, err := state.ComputeMargin(pos, testutil.W(tt.mark), params)
		if err != nil {
			t.Fatalf("mark %d: %v", tt.mark, err)
		}
		if snap.Status != tt.want {
			t.Errorf("mark %d: got %s, want %s", tt.mark, snap.Status, tt.want)
		}
	}

	// 1850: equity 500, notional 18500, 270 bps
	snap, _ := state.ComputeMargin(pos, testutil.W(1850), params)
	if snap.Status != state.MarginStatusLiquidatable {
		t.Errorf("mark 1850: got %s", snap.Status)
	}
	testutil.RequireEqual(t, "ratio", snap.RatioBps, uint256.NewInt(270))
}

func TestComputeMargin_ShortNegativeEquity(t *testing.T) {
	pos := state.NewPosition("ETH-PERP", uuid.New())
	pos.Size = fpmath.SignedWad(-1)
	pos.EntryPrice = testutil.W(2000)
	pos.Margin = testutil.W(100)

	snap, err := state.ComputeMargin(pos, testutil.W(2200), state.DefaultRiskParams())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	testutil.RequireEqual(t, "upnl", snap.UnrealizedPnL, fpmath.SignedWad(-200))
	testutil.RequireEqual(t, "equity", snap.Equity, fpmath.SignedWad(-100))
	if snap.Status != state.MarginStatusLiquidatable {
		t.Errorf("status: got %s", snap.Status)
	}
}

func TestValidateRiskParams(t *testing.T) {
	ok := state.DefaultRiskParams()
	if err := state.ValidateRiskParams(ok); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	bad := []func(p *state.RiskParams){
		func(p *state.RiskParams) { p.MMRBps = 0 },
		func(p *state.RiskParams) { p.IMRBps = p.MMRBps },
		func(p *state.RiskParams) { p.IMRBps = 10_001 },
		func(p *state.RiskParams) { p.PenaltyBps = 10_001 },
		func(p *state.RiskParams) { p.MinSize = new(uint256.Int) },
		func(p *state.RiskParams) { p.MaxSize = uint256.NewInt(1) },
	}
	for i, mutate := range bad {
		p := state.DefaultRiskParams()
		mutate(&p)
		if err := state.ValidateRiskParams(p); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

// ============================================================================
// Test: PositionStore
// ============================================================================

func TestPositionStore_ActiveTracking(t *testing.T) {
	s := state.NewPositionStore()
	user := uuid.New()

	pos := s.GetOrNew("ETH-PERP", user)
	pos.Size = testutil.W(1)
	pos.RealizedPnL = testutil.W(5)
	s.Put(pos)

	if got := s.Active("ETH-PERP"); len(got) != 1 || got[0] != user {
		t.Fatalf("active: %v", got)
	}
	if got := s.UserMarkets(user); len(got) != 1 || got[0] != "ETH-PERP" {
		t.Fatalf("user markets: %v", got)
	}

	// copies are detached from the store
	pos.Size = testutil.W(99)
	testutil.RequireEqual(t, "stored size", s.Get("ETH-PERP", user).Size, testutil.W(1))

	flat := s.Get("ETH-PERP", user)
	flat.Reset()
	s.Put(flat)
	if len(s.Active("ETH-PERP")) != 0 || len(s.UserMarkets(user)) != 0 {
		t.Fatal("flat position must leave active tracking")
	}
	kept := s.Get("ETH-PERP", user)
	if kept == nil {
		t.Fatal("records are never deleted")
	}
	testutil.RequireEqual(t, "realized pnl kept", kept.RealizedPnL, testutil.W(5))
}

// ============================================================================
// Test: InsuranceFund / FeeDistributor
// ============================================================================

func TestInsuranceFund_CoverClamps(t *testing.T) {
	f := state.NewInsuranceFund()
	f.Receive(testutil.W(30))

	paid := f.Cover(testutil.W(50))
	testutil.RequireEqual(t, "paid", paid, testutil.W(30))
	testutil.RequireEqual(t, "balance", f.Balance(), new(uint256.Int))

	stats := f.Stats()
	testutil.RequireEqual(t, "received", stats.TotalReceived, testutil.W(30))
	testutil.RequireEqual(t, "paid total", stats.TotalPaid, testutil.W(30))
}

func TestInsuranceFund_ConcurrentAccounting(t *testing.T) {
	f := state.NewInsuranceFund()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.Receive(testutil.W(2))
		}()
		go func() {
			defer wg.Done()
			f.Cover(testutil.W(1))
		}()
	}
	wg.Wait()

	s := f.Stats()
	want := new(uint256.Int).Sub(s.TotalReceived, s.TotalPaid)
	testutil.RequireEqual(t, "balance = received - paid", s.Balance, want)
	testutil.RequireEqual(t, "received", s.TotalReceived, testutil.W(100))
}

func TestFeeDistributor_Route(t *testing.T) {
	l := ledger.NewMemoryLedger()
	if err := l.SeedCustody("USDC", testutil.W(1000)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fund := state.NewInsuranceFund()
	treasury := uuid.New()
	d, err := state.NewFeeDistributor(l, fund, treasury, 3_000)
	if err != nil {
		t.Fatalf("new distributor: %v", err)
	}

	split, err := d.Route(context.Background(), "USDC", testutil.W(100))
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	testutil.RequireEqual(t, "insurance", split.Insurance, testutil.W(30))
	testutil.RequireEqual(t, "treasury", split.Treasury, testutil.W(70))
	testutil.RequireEqual(t, "fund", fund.Balance(), testutil.W(30))
	testutil.RequireEqual(t, "treasury wallet", l.Balance(treasury, "USDC"), testutil.W(70))
	testutil.RequireEqual(t, "custody", l.CustodyBalance("USDC"), testutil.W(930))
}

func TestFeeDistributor_RejectsShareAbove100(t *testing.T) {
	if _, err := state.NewFeeDistributor(ledger.NewMemoryLedger(), state.NewInsuranceFund(), uuid.New(), 10_001); err == nil {
		t.Fatal("expected error")
	}
}
