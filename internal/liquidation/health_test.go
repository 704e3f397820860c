package liquidation_test

import (
	"errors"
	"testing"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/market"
)

func TestHealthFactor(t *testing.T) {
	cases := []struct {
		name       string
		collateral fp.Dec
		debt       fp.Dec
		want       fp.Dec
	}{
		{"above one", fp.FromUnits(17_000, fp.Ray), fp.FromUnits(16_000, fp.Ray), rayFrac(17_000, 16_000)},
		{"below one", fp.FromUnits(15_300, fp.Ray), fp.FromUnits(16_000, fp.Ray), rayFrac(15_300, 16_000)},
		{"no debt sentinel", fp.FromUnits(17_000, fp.Ray), fp.Zero(fp.Ray), liquidation.MaxHealthFactor},
		{"no collateral", fp.Zero(fp.Ray), fp.FromUnits(100, fp.Ray), fp.Zero(fp.Ray)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := liquidation.HealthFactor(tc.collateral, tc.debt)
			if got.Cmp(tc.want) != 0 {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHealthFactor_ClampsToSentinel(t *testing.T) {
	huge := fp.MulHalfUp(liquidation.MaxHealthFactor, fp.FromUnits(10, fp.Ray), fp.Ray)
	got := liquidation.HealthFactor(huge, fp.One(fp.Ray))
	if got.Cmp(liquidation.MaxHealthFactor) != 0 {
		t.Errorf("got %s, want the sentinel", got)
	}
}

func TestDynamicBonus(t *testing.T) {
	min := fp.Zero(fp.Ray)
	max := rayFrac(5, 100) // 5%
	target := rayFrac(102, 100)

	// At the target the auction sits at the floor.
	if got := liquidation.DynamicBonus(target, min, max, target); got.Cmp(min) != 0 {
		t.Errorf("at target: got %s, want floor", got)
	}
	// A zero health factor pins the ceiling.
	if got := liquidation.DynamicBonus(fp.Zero(fp.Ray), min, max, target); got.Cmp(max) != 0 {
		t.Errorf("at zero health: got %s, want ceiling", got)
	}
	// Halfway down the band sits halfway up the ramp.
	half := rayFrac(51, 100)
	got := liquidation.DynamicBonus(half, min, max, target)
	withinRay(t, got, rayFrac(25, 1_000), fp.NewFromInt64(2, fp.Ray), "midpoint bonus")

	// Degenerate band collapses to the floor.
	if got := liquidation.DynamicBonus(half, max, max, target); got.Cmp(max) != 0 {
		t.Errorf("collapsed band: got %s, want floor==ceiling", got)
	}
}

func TestMaxFeasibleBonus(t *testing.T) {
	raw := fp.FromUnits(18_000, fp.Ray)
	weighted := fp.FromUnits(15_300, fp.Ray)
	debt := fp.FromUnits(16_000, fp.Ray)
	half := rayFrac(50, 100)
	target := rayFrac(102, 100)
	noFloor := fp.Zero(fp.Ray)

	// (15300 − 1.02·8000) / (8000·0.85) − 1 = 7140/6800 − 1 = 5%.
	bound, ok := liquidation.MaxFeasibleBonus(raw, weighted, debt, half, target, noFloor)
	if !ok {
		t.Fatal("canonical account has no feasible premium")
	}
	withinRay(t, bound, rayFrac(5, 100), fp.NewFromInt64(2, fp.Ray), "feasible bound")

	// Lowering the target relaxes the bound.
	relaxed, ok := liquidation.MaxFeasibleBonus(raw, weighted, debt, half, fp.One(fp.Ray), noFloor)
	if !ok || relaxed.Cmp(bound) <= 0 {
		t.Errorf("bound at target 1.0 is %s, want above %s", relaxed, bound)
	}

	// Deep enough debt leaves no feasible premium at all.
	if _, ok := liquidation.MaxFeasibleBonus(raw, weighted, fp.FromUnits(20_000, fp.Ray), half, target, noFloor); ok {
		t.Error("deep account reported a feasible premium")
	}

	// A floor above the bound is infeasible too.
	if _, ok := liquidation.MaxFeasibleBonus(raw, weighted, debt, half, target, rayFrac(10, 100)); ok {
		t.Error("floor above the bound reported feasible")
	}

	// Degenerate inputs.
	if _, ok := liquidation.MaxFeasibleBonus(fp.Zero(fp.Ray), fp.Zero(fp.Ray), debt, half, target, noFloor); ok {
		t.Error("no collateral reported feasible")
	}
	if _, ok := liquidation.MaxFeasibleBonus(raw, weighted, fp.Zero(fp.Ray), half, target, noFloor); ok {
		t.Error("no debt reported feasible")
	}
}

// ============================================================================
// Test: solvency guard
// ============================================================================

func TestGuard_BorrowWithinAndBeyondLTV(t *testing.T) {
	e, store, _ := setupScenario(t)
	guard := liquidation.NewGuard(e, func() uint64 { return testNow })

	// Rebuild alice as healthy: 10 WETH at $1800 with 80% LTV supports
	// 14,400 of debt.
	if err := store.DeletePosition("alice", "USDC", market.SideBorrow); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if err := guard.CheckBorrow("alice", "USDC", fp.FromUnits(14_000, usdcDecimals)); err != nil {
		t.Errorf("borrow within LTV rejected: %v", err)
	}
	if err := guard.CheckBorrow("alice", "USDC", fp.FromUnits(14_500, usdcDecimals)); !errors.Is(err, market.ErrHealthCheckFailed) {
		t.Errorf("borrow beyond LTV: got %v", err)
	}
}

func TestGuard_WithdrawKeepsDebtCovered(t *testing.T) {
	e, _, feed := setupScenario(t)
	guard := liquidation.NewGuard(e, func() uint64 { return testNow })

	// Make alice healthy first: at $2500, power = 10·2500·0.8 = 20,000 over
	// 16,000 of debt.
	if err := feed.SetString("WETH", "2500"); err != nil {
		t.Fatalf("set price: %v", err)
	}

	// Keeping 9 WETH leaves 18,000 of power: fine. Keeping 7 leaves 14,000:
	// the debt is no longer covered.
	if err := guard.CheckWithdraw("alice", "WETH", fp.FromUnits(9, wethDecimals)); err != nil {
		t.Errorf("covered withdrawal rejected: %v", err)
	}
	if err := guard.CheckWithdraw("alice", "WETH", fp.FromUnits(7, wethDecimals)); !errors.Is(err, market.ErrHealthCheckFailed) {
		t.Errorf("uncovered withdrawal: got %v", err)
	}
}
