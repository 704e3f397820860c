package market

import (
	"errors"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/rates"
)

// ErrTimeRegression is returned when a sync timestamp precedes the market's
// last committed timestamp. Clocks only move forward.
var ErrTimeRegression = errors.New("market: sync timestamp precedes last accrual")

// SyncResult reports what one GlobalSync pass produced, all amounts at the
// market's asset decimals.
type SyncResult struct {
	Elapsed uint64

	BorrowIndex fp.Dec // index after the pass (RAY)
	SupplyIndex fp.Dec

	Accrued         fp.Dec // total interest grown on the borrowed principal
	AbsorbedBadDebt fp.Dec // portion consumed by the bad-debt ledger
	ProtocolFee     fp.Dec // reserve-factor cut booked to revenue
	SupplierReward  fp.Dec // remainder distributed through the supply index
}

// GlobalSync advances the market from its last committed timestamp to now:
// grows the borrow index by the compounded per-second rate, realizes the
// interest on the borrowed principal, absorbs outstanding bad debt before
// anything is distributed, books the reserve-factor cut to revenue, and
// distributes the remainder to suppliers by growing the supply index.
//
// The pass is idempotent: a second call at the same timestamp is a no-op.
// Mutates m in place; callers run it on a working copy and commit on success.
func GlobalSync(m *MarketState, now uint64) (SyncResult, error) {
	res := SyncResult{
		BorrowIndex:     fp.New(m.BorrowIndex.Raw(), fp.Ray),
		SupplyIndex:     fp.New(m.SupplyIndex.Raw(), fp.Ray),
		Accrued:         fp.Zero(m.AssetDecimals),
		AbsorbedBadDebt: fp.Zero(m.AssetDecimals),
		ProtocolFee:     fp.Zero(m.AssetDecimals),
		SupplierReward:  fp.Zero(m.AssetDecimals),
	}

	if now < m.LastTimestamp {
		return res, ErrTimeRegression
	}
	delta := now - m.LastTimestamp
	if delta == 0 {
		return res, nil
	}
	res.Elapsed = delta

	if m.Borrowed.IsZero() {
		// Nothing accrues; just advance the clock.
		m.LastTimestamp = now
		return res, nil
	}

	rate := rates.BorrowRate(m.Utilization(), m.Params)
	factor := rates.CompoundedInterest(rate, delta)

	oldBorrowIdx := m.BorrowIndex
	newBorrowIdx := fp.MulHalfUp(oldBorrowIdx, factor, fp.Ray)

	// Borrowed holds the actual token total, so the interest realized here is
	// its growth under the period factor alone. Positions replay the same
	// growth lazily through the index ratio, keeping the sum of synced
	// position totals equal to Borrowed.
	borrowedRay := fp.RescaleHalfUp(m.Borrowed, fp.Ray)
	grown := fp.MulHalfUp(borrowedRay, factor, fp.Ray)
	accrued := fp.RescaleHalfUp(grown.Sub(borrowedRay), m.AssetDecimals)

	// Bad debt eats into fresh interest before the reserve split: suppliers
	// and the protocol are only paid out of what remains.
	absorbed := fp.Zero(m.AssetDecimals)
	remaining := accrued
	if !m.BadDebt.IsZero() {
		if accrued.Cmp(m.BadDebt) <= 0 {
			absorbed = accrued
		} else {
			absorbed = m.BadDebt
		}
		m.BadDebt = m.BadDebt.Sub(absorbed)
		remaining = accrued.Sub(absorbed)
	}

	fee := fp.Zero(m.AssetDecimals)
	reward := remaining
	if remaining.Sign() > 0 && !m.Params.ReserveFactor.IsZero() {
		remainingRay := fp.RescaleHalfUp(remaining, fp.Ray)
		feeRay := fp.MulHalfUp(remainingRay, m.Params.ReserveFactor, fp.Ray)
		fee = fp.RescaleHalfUp(feeRay, m.AssetDecimals)
		if fee.Cmp(remaining) > 0 {
			fee = remaining
		}
		reward = remaining.Sub(fee)
	}

	if reward.Sign() > 0 && !m.Supplied.IsZero() {
		// Supplied is an actual total like Borrowed, so the per-claim growth
		// ratio is reward over the current total. Every deposit claim grows by
		// the same ratio through the index, which keeps the sum of synced
		// claims equal to the new Supplied.
		ratio := fp.DivHalfUp(fp.RescaleHalfUp(reward, fp.Ray), fp.RescaleHalfUp(m.Supplied, fp.Ray), fp.Ray)
		m.SupplyIndex = fp.MulHalfUp(m.SupplyIndex, fp.One(fp.Ray).Add(ratio), fp.Ray)
		m.Supplied = m.Supplied.Add(reward)
	}

	m.BorrowIndex = newBorrowIdx
	m.Borrowed = m.Borrowed.Add(accrued)
	m.Revenue = m.Revenue.Add(fee)
	m.LastTimestamp = now

	res.BorrowIndex = fp.New(newBorrowIdx.Raw(), fp.Ray)
	res.SupplyIndex = fp.New(m.SupplyIndex.Raw(), fp.Ray)
	res.Accrued = accrued
	res.AbsorbedBadDebt = absorbed
	res.ProtocolFee = fee
	res.SupplierReward = reward
	return res, nil
}
