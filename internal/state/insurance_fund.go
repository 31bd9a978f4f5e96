package state

import (
	"sync"

	"github.com/holiman/uint256"
)

// InsuranceFund absorbs liquidation shortfalls. Its tokens sit in custody;
// this tracks the fund's claim on them. Payouts never fail: a request larger
// than the balance is clamped.
type InsuranceFund struct {
	mu            sync.Mutex
	balance       uint256.Int
	totalReceived uint256.Int
	totalPaid     uint256.Int
}

// InsuranceStats is a consistent read of the fund's accounting
type InsuranceStats struct {
	Balance       *uint256.Int
	TotalReceived *uint256.Int
	TotalPaid     *uint256.Int
}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{}
}

// Receive adds fee revenue or a donation
func (f *InsuranceFund) Receive(amount *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance.Add(&f.balance, amount)
	f.totalReceived.Add(&f.totalReceived, amount)
}

// Cover pays up to requested and returns what was actually paid
func (f *InsuranceFund) Cover(requested *uint256.Int) *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	paid, _ := ComputeCoverage(&f.balance, requested)
	f.balance.Sub(&f.balance, paid)
	f.totalPaid.Add(&f.totalPaid, paid)
	return paid
}

func (f *InsuranceFund) Balance() *uint256.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(uint256.Int).Set(&f.balance)
}

func (f *InsuranceFund) Stats() InsuranceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return InsuranceStats{
		Balance:       new(uint256.Int).Set(&f.balance),
		TotalReceived: new(uint256.Int).Set(&f.totalReceived),
		TotalPaid:     new(uint256.Int).Set(&f.totalPaid),
	}
}

// ComputeCoverage returns how much of a deficit a balance can cover and the
// part left uncovered.
func ComputeCoverage(balance, deficit *uint256.Int) (covered *uint256.Int, remaining *uint256.Int) {
	if !balance.Lt(deficit) {
		return new(uint256.Int).Set(deficit), new(uint256.Int)
	}
	return new(uint256.Int).Set(balance), new(uint256.Int).Sub(deficit, balance)
}
