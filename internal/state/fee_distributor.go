package state

import (
	"context"
	"fmt"

	"PerpVAMM/internal/ledger"
	fpmath "PerpVAMM/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FeeSplit is one routing decision
type FeeSplit struct {
	Token     string
	Amount    *uint256.Int
	Insurance *uint256.Int
	Treasury  *uint256.Int
}

// FeeDistributor splits trading fees and penalty shares between the
// insurance fund and the treasury wallet.
type FeeDistributor struct {
	ledger            ledger.Ledger
	fund              *InsuranceFund
	treasury          uuid.UUID
	insuranceShareBps uint64
}

func NewFeeDistributor(l ledger.Ledger, fund *InsuranceFund, treasury uuid.UUID, insuranceShareBps uint64) (*FeeDistributor, error) {
	if insuranceShareBps > fpmath.BpsScale {
		return nil, fmt.Errorf("insurance share %d bps exceeds %d", insuranceShareBps, fpmath.BpsScale)
	}
	return &FeeDistributor{
		ledger:            l,
		fund:              fund,
		treasury:          treasury,
		insuranceShareBps: insuranceShareBps,
	}, nil
}

// Split computes the routing without moving anything
func (d *FeeDistributor) Split(token string, amount *uint256.Int) (FeeSplit, error) {
	insurance, err := fpmath.MulBps(amount, d.insuranceShareBps)
	if err != nil {
		return FeeSplit{}, err
	}
	return FeeSplit{
		Token:     token,
		Amount:    new(uint256.Int).Set(amount),
		Insurance: insurance,
		Treasury:  new(uint256.Int).Sub(amount, insurance),
	}, nil
}

// Route credits the insurance share to the fund and pays the remainder out of
// custody to the treasury. The amount must already be held in custody.
func (d *FeeDistributor) Route(ctx context.Context, token string, amount *uint256.Int) (FeeSplit, error) {
	split, err := d.Split(token, amount)
	if err != nil {
		return FeeSplit{}, err
	}
	if amount.IsZero() {
		return split, nil
	}
	if !split.Insurance.IsZero() {
		d.fund.Receive(split.Insurance)
	}
	if !split.Treasury.IsZero() {
		if err := d.ledger.Credit(ctx, d.treasury, token, split.Treasury); err != nil {
			return split, fmt.Errorf("credit treasury: %w", err)
		}
	}
	return split, nil
}

// Fund exposes the insurance fund the distributor feeds
func (d *FeeDistributor) Fund() *InsuranceFund {
	return d.fund
}

// Treasury is the wallet receiving the non-insurance share
func (d *FeeDistributor) Treasury() uuid.UUID {
	return d.treasury
}
