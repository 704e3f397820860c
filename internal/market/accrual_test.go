package market_test

import (
	"math/big"
	"testing"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
	"LendLedger/internal/rates"
)

const testDecimals uint32 = 6

// amt returns n whole tokens at the test asset's 6 decimals.
func amt(n int64) fp.Dec {
	return fp.FromUnits(n, testDecimals)
}

// pct returns n percent as a RAY ratio.
func pct(n int64) fp.Dec {
	raw := new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fp.Ray-2)), nil))
	return fp.New(raw, fp.Ray)
}

func testParams() rates.CurveParams {
	return rates.CurveParams{
		BaseRate:           pct(1),
		Slope1:             pct(5),
		Slope2:             pct(20),
		Slope3:             pct(100),
		MidUtilization:     pct(50),
		OptimalUtilization: pct(80),
		MaxRate:            pct(300),
		ReserveFactor:      pct(10),
		AssetDecimals:      testDecimals,
	}
}

func newTestMarket(supplied, borrowed int64) *market.MarketState {
	m := market.NewMarketState("USDC", testDecimals, testParams())
	m.Supplied = amt(supplied)
	m.Borrowed = amt(borrowed)
	m.LastTimestamp = 1_000
	return m
}

// ============================================================================
// Test: sync mechanics
// ============================================================================

func TestGlobalSync_ZeroDeltaIsNoOp(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	before := m.Clone()

	res, err := market.GlobalSync(m, m.LastTimestamp)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Elapsed != 0 || !res.Accrued.IsZero() {
		t.Errorf("zero delta produced accrual: elapsed=%d accrued=%s", res.Elapsed, res.Accrued)
	}
	if m.BorrowIndex.Cmp(before.BorrowIndex) != 0 || m.SupplyIndex.Cmp(before.SupplyIndex) != 0 {
		t.Error("zero delta moved an index")
	}
	if m.Borrowed.Cmp(before.Borrowed) != 0 || m.Supplied.Cmp(before.Supplied) != 0 {
		t.Error("zero delta moved a balance")
	}
}

func TestGlobalSync_RejectsTimeRegression(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	if _, err := market.GlobalSync(m, m.LastTimestamp-1); err != market.ErrTimeRegression {
		t.Errorf("expected ErrTimeRegression, got %v", err)
	}
}

func TestGlobalSync_IdempotentAtSameTimestamp(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	now := m.LastTimestamp + 86_400

	if _, err := market.GlobalSync(m, now); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	snapshot := m.Clone()

	res, err := market.GlobalSync(m, now)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.Accrued.IsZero() {
		t.Errorf("repeat sync accrued %s, want 0", res.Accrued)
	}
	if m.BorrowIndex.Cmp(snapshot.BorrowIndex) != 0 ||
		m.SupplyIndex.Cmp(snapshot.SupplyIndex) != 0 ||
		m.Borrowed.Cmp(snapshot.Borrowed) != 0 ||
		m.Supplied.Cmp(snapshot.Supplied) != 0 ||
		m.Revenue.Cmp(snapshot.Revenue) != 0 {
		t.Error("repeat sync at the same timestamp changed state")
	}
}

func TestGlobalSync_BorrowIndexMonotone(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	prev := m.BorrowIndex
	now := m.LastTimestamp
	for i := 0; i < 12; i++ {
		now += 30 * 86_400
		if _, err := market.GlobalSync(m, now); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		if m.BorrowIndex.Cmp(prev) < 0 {
			t.Fatalf("borrow index regressed at step %d: %s < %s", i, m.BorrowIndex, prev)
		}
		prev = m.BorrowIndex
	}
	if m.BorrowIndex.Cmp(fp.One(fp.Ray)) <= 0 {
		t.Error("a year of accrual left the borrow index at 1.0")
	}
}

func TestGlobalSync_ZeroBorrowedAdvancesClockOnly(t *testing.T) {
	m := newTestMarket(1_000_000, 0)
	now := m.LastTimestamp + 86_400

	res, err := market.GlobalSync(m, now)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !res.Accrued.IsZero() {
		t.Errorf("accrued %s on zero borrow", res.Accrued)
	}
	if m.LastTimestamp != now {
		t.Errorf("timestamp not advanced: %d", m.LastTimestamp)
	}
	if m.BorrowIndex.Cmp(fp.One(fp.Ray)) != 0 {
		t.Errorf("borrow index moved without borrowers: %s", m.BorrowIndex)
	}
}

// ============================================================================
// Test: interest split and conservation
// ============================================================================

func TestGlobalSync_SplitConservesInterest(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	now := m.LastTimestamp + 365*86_400

	res, err := market.GlobalSync(m, now)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Accrued.Sign() <= 0 {
		t.Fatal("a year at 50% utilization accrued nothing")
	}

	sum := res.AbsorbedBadDebt.Add(res.ProtocolFee).Add(res.SupplierReward)
	if sum.Cmp(res.Accrued) != 0 {
		t.Errorf("split leaks: absorbed+fee+reward=%s, accrued=%s", sum, res.Accrued)
	}

	// The borrowed total grows by the full accrual, suppliers only by their
	// share, and the fee lands in revenue.
	if m.Borrowed.Cmp(amt(500_000).Add(res.Accrued)) != 0 {
		t.Errorf("borrowed total %s, want 500000 + accrued", m.Borrowed)
	}
	if m.Supplied.Cmp(amt(1_000_000).Add(res.SupplierReward)) != 0 {
		t.Errorf("supplied total %s, want 1000000 + reward", m.Supplied)
	}
	if m.Revenue.Cmp(res.ProtocolFee) != 0 {
		t.Errorf("revenue %s, want %s", m.Revenue, res.ProtocolFee)
	}
}

func TestGlobalSync_ReserveFactorCut(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)
	now := m.LastTimestamp + 365*86_400

	res, err := market.GlobalSync(m, now)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// 10% reserve factor: fee ≈ accrued/10 up to one raw unit of rounding.
	tenth := fp.DivHalfUp(res.Accrued, fp.FromUnits(10, testDecimals), testDecimals)
	diff := res.ProtocolFee.Sub(tenth)
	if diff.Sign() < 0 {
		diff = diff.Neg()
	}
	if diff.Cmp(fp.NewFromInt64(1, testDecimals)) > 0 {
		t.Errorf("fee %s, want about %s", res.ProtocolFee, tenth)
	}
}

// ============================================================================
// Test: bad-debt absorption
// ============================================================================

func TestGlobalSync_BadDebtAbsorbedBeforeDistribution(t *testing.T) {
	// Bad debt far above one day of interest: everything is absorbed and
	// neither suppliers nor the protocol see a cent.
	m := newTestMarket(1_000_000, 500_000)
	m.BadDebt = amt(10_000)
	supplyIdxBefore := m.SupplyIndex

	res, err := market.GlobalSync(m, m.LastTimestamp+86_400)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.AbsorbedBadDebt.Cmp(res.Accrued) != 0 {
		t.Errorf("absorbed %s, want full accrual %s", res.AbsorbedBadDebt, res.Accrued)
	}
	if !res.ProtocolFee.IsZero() || !res.SupplierReward.IsZero() {
		t.Errorf("distribution before bad debt cleared: fee=%s reward=%s", res.ProtocolFee, res.SupplierReward)
	}
	if m.SupplyIndex.Cmp(supplyIdxBefore) != 0 {
		t.Error("supply index moved while interest was absorbing bad debt")
	}
	if m.BadDebt.Cmp(amt(10_000).Sub(res.Accrued)) != 0 {
		t.Errorf("bad debt %s, want 10000 − accrued", m.BadDebt)
	}
}

func TestGlobalSync_SmallBadDebtOnlyDentsTheSplit(t *testing.T) {
	// Bad debt smaller than the accrual: it is cleared and the remainder is
	// split as usual.
	m := newTestMarket(1_000_000, 500_000)
	m.BadDebt = fp.NewFromInt64(5, testDecimals) // 5 raw units

	res, err := market.GlobalSync(m, m.LastTimestamp+365*86_400)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !m.BadDebt.IsZero() {
		t.Errorf("bad debt not cleared: %s", m.BadDebt)
	}
	if res.AbsorbedBadDebt.Raw().Int64() != 5 {
		t.Errorf("absorbed %s, want 5 raw units", res.AbsorbedBadDebt)
	}
	if res.SupplierReward.Sign() <= 0 {
		t.Error("no supplier reward after bad debt cleared")
	}
}

// ============================================================================
// Test: supply index behavior
// ============================================================================

func TestGlobalSync_SupplyIndexStationaryAtZeroSupply(t *testing.T) {
	m := newTestMarket(0, 500_000)

	res, err := market.GlobalSync(m, m.LastTimestamp+365*86_400)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Accrued.Sign() <= 0 {
		t.Fatal("borrowers accrued nothing")
	}
	if m.SupplyIndex.Cmp(fp.One(fp.Ray)) != 0 {
		t.Errorf("supply index moved with zero supply: %s", m.SupplyIndex)
	}
}

func TestGlobalSync_SupplyIndexTracksReward(t *testing.T) {
	m := newTestMarket(1_000_000, 500_000)

	res, err := market.GlobalSync(m, m.LastTimestamp+365*86_400)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if m.SupplyIndex.Cmp(fp.One(fp.Ray)) <= 0 {
		t.Fatal("supply index did not grow")
	}

	// A position holding the whole pool resyncs to roughly the full reward.
	pos := market.NewPosition("alice", "USDC", market.SideDeposit, testDecimals, fp.One(fp.Ray), market.RiskSnapshot{})
	pos.Increase(amt(1_000_000))
	pos.Sync(m.SupplyIndex)

	diff := pos.AccruedInterest.Sub(res.SupplierReward)
	if diff.Sign() < 0 {
		diff = diff.Neg()
	}
	if diff.Cmp(fp.NewFromInt64(2, testDecimals)) > 0 {
		t.Errorf("sole supplier accrued %s, reward was %s", pos.AccruedInterest, res.SupplierReward)
	}
}

func TestGlobalSync_FullRepaymentClearsBorrowedTotal(t *testing.T) {
	// The sole borrower's synced total and the market's borrowed total are
	// the same number up to independent rounding of the two paths, so paying
	// the synced total back leaves no phantom debt in the market.
	m := newTestMarket(1_000_000, 500)
	pos := market.NewPosition("bob", "USDC", market.SideBorrow, testDecimals, m.BorrowIndex, market.RiskSnapshot{})
	pos.Increase(amt(500))

	now := m.LastTimestamp
	for i := 0; i < 2; i++ {
		now += 365 * 86_400
		if _, err := market.GlobalSync(m, now); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}
	pos.Sync(m.BorrowIndex)

	tolerance := fp.NewFromInt64(3, testDecimals)
	gap := pos.Total().Sub(m.Borrowed)
	if gap.Sign() < 0 {
		gap = gap.Neg()
	}
	if gap.Cmp(tolerance) > 0 {
		t.Fatalf("position owes %s, market carries %s", pos.Total(), m.Borrowed)
	}

	owed := pos.Total()
	pos.Reduce(owed)
	if !pos.IsEmpty() {
		t.Errorf("repaying the synced total left %s", pos.Total())
	}
	residue := m.Borrowed.Sub(owed)
	if residue.Sign() < 0 {
		residue = residue.Neg()
	}
	if residue.Cmp(tolerance) > 0 {
		t.Errorf("market still carries %s after full repayment", residue)
	}
}

// ============================================================================
// Test: position resync
// ============================================================================

func TestPositionSync_GrowsWithIndexRatio(t *testing.T) {
	pos := market.NewPosition("bob", "USDC", market.SideBorrow, testDecimals, fp.One(fp.Ray), market.RiskSnapshot{})
	pos.Increase(amt(1_000))

	// Index moves 1.0 → 1.05: interest = 1000·1.05 − 1000 = 50.
	idx := fp.New(new(big.Int).Mul(big.NewInt(105), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fp.Ray-2)), nil)), fp.Ray)
	pos.Sync(idx)

	if pos.AccruedInterest.Cmp(amt(50)) != 0 {
		t.Errorf("accrued %s, want 50", pos.AccruedInterest)
	}
	if pos.Total().Cmp(amt(1_050)) != 0 {
		t.Errorf("total %s, want 1050", pos.Total())
	}

	// Resync at the same index is a no-op.
	pos.Sync(idx)
	if pos.AccruedInterest.Cmp(amt(50)) != 0 {
		t.Errorf("repeat sync changed interest: %s", pos.AccruedInterest)
	}
}

func TestPositionSync_CompoundsAcrossPasses(t *testing.T) {
	// A position synced after every accrual pass and one synced once at the
	// end must land on the same total: the growth compounds on the full
	// balance, not on the original principal.
	m := newTestMarket(1_000_000, 500)
	eager := market.NewPosition("bob", "USDC", market.SideBorrow, testDecimals, m.BorrowIndex, market.RiskSnapshot{})
	eager.Increase(amt(500))
	lazy := market.NewPosition("carl", "USDC", market.SideBorrow, testDecimals, m.BorrowIndex, market.RiskSnapshot{})
	lazy.Increase(amt(500))

	now := m.LastTimestamp
	for i := 0; i < 4; i++ {
		now += 90 * 86_400
		if _, err := market.GlobalSync(m, now); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		eager.Sync(m.BorrowIndex)
	}
	lazy.Sync(m.BorrowIndex)

	diff := eager.Total().Sub(lazy.Total())
	if diff.Sign() < 0 {
		diff = diff.Neg()
	}
	if diff.Cmp(fp.NewFromInt64(4, testDecimals)) > 0 {
		t.Errorf("eager total %s drifted from lazy total %s", eager.Total(), lazy.Total())
	}
}

func TestPositionSync_SupplyIndexDropReducesClaim(t *testing.T) {
	pos := market.NewPosition("carol", "USDC", market.SideDeposit, testDecimals, fp.One(fp.Ray), market.RiskSnapshot{})
	pos.Increase(amt(1_000))

	// Socialized losses halved the supply index: the claim halves with it.
	pos.Sync(pct(50))
	if pos.Total().Cmp(amt(500)) != 0 {
		t.Fatalf("claim after write-down %s, want 500", pos.Total())
	}
	if !pos.AccruedInterest.IsZero() {
		t.Errorf("write-down left accrued interest %s", pos.AccruedInterest)
	}

	// Growth from the lower snapshot compounds on the written-down balance.
	pos.Sync(fp.One(fp.Ray))
	if pos.Total().Cmp(amt(1_000)) != 0 {
		t.Errorf("claim after recovery %s, want 1000", pos.Total())
	}
}

func TestPositionReduce_InterestBeforePrincipal(t *testing.T) {
	pos := market.NewPosition("bob", "USDC", market.SideBorrow, testDecimals, fp.One(fp.Ray), market.RiskSnapshot{})
	pos.Increase(amt(1_000))
	pos.AccruedInterest = amt(50)

	pos.Reduce(amt(30))
	if pos.AccruedInterest.Cmp(amt(20)) != 0 || pos.Principal.Cmp(amt(1_000)) != 0 {
		t.Errorf("partial: interest=%s principal=%s", pos.AccruedInterest, pos.Principal)
	}

	pos.Reduce(amt(1_020))
	if !pos.IsEmpty() {
		t.Errorf("full repayment left total %s", pos.Total())
	}
}
