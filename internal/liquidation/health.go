package liquidation

import (
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
)

// MaxHealthFactor is the sentinel returned for debt-free accounts. Large
// enough that no real position ever reaches it, so callers can compare
// against it directly.
var MaxHealthFactor = fp.FromUnits(1_000_000_000_000, fp.Ray)

// HealthFactor is weighted collateral value over total debt value, both
// quote-currency RAY. An account is liquidatable strictly below 1.0.
func HealthFactor(weightedCollateral, totalDebt fp.Dec) fp.Dec {
	if totalDebt.IsZero() {
		return fp.New(MaxHealthFactor.Raw(), fp.Ray)
	}
	hf := fp.DivHalfUp(weightedCollateral, totalDebt, fp.Ray)
	if hf.Cmp(MaxHealthFactor) > 0 {
		return fp.New(MaxHealthFactor.Raw(), fp.Ray)
	}
	return hf
}

// AccountHealth syncs and values the account's positions and returns its
// current health factor.
func (e *Engine) AccountHealth(account string, now uint64) (fp.Dec, error) {
	v, err := e.loadView(account, now)
	if err != nil {
		return fp.Dec{}, err
	}
	return v.health(), nil
}

// Guard adapts the engine into the market engine's solvency hook. Borrowing
// power is measured against the frozen LTVs, not the liquidation thresholds,
// so a maximally drawn account still sits above the liquidation band.
type Guard struct {
	engine *Engine
	clock  func() uint64
}

func NewGuard(engine *Engine, clock func() uint64) *Guard {
	return &Guard{engine: engine, clock: clock}
}

var _ market.Guard = (*Guard)(nil)

// borrowPower is Σ collateral value · frozen LTV, quote-currency RAY.
func (g *Guard) borrowPower(v *accountView) fp.Dec {
	power := fp.Zero(fp.Ray)
	for _, h := range v.collateral {
		ltv := fp.RescaleHalfUp(h.pos.Risk.LTV, fp.Ray)
		power = power.Add(fp.MulHalfUp(h.value, ltv, fp.Ray))
	}
	return power
}

// CheckBorrow verifies the projected total debt in one asset stays within the
// account's LTV-weighted borrowing power.
func (g *Guard) CheckBorrow(account, asset string, projectedDebt fp.Dec) error {
	v, err := g.engine.loadView(account, g.clock())
	if err != nil {
		return err
	}
	price, err := g.engine.feed.Price(asset)
	if err != nil {
		return err
	}

	// Replace the asset's current debt value with the projection.
	debt := v.totalDebt
	for _, h := range v.debts {
		if h.pos.Asset == asset {
			debt = debt.Sub(h.value)
		}
	}
	debt = debt.Add(valueOf(projectedDebt, price))

	if debt.Cmp(g.borrowPower(v)) > 0 {
		return market.ErrHealthCheckFailed
	}
	return nil
}

// CheckWithdraw verifies the collateral remaining after a withdrawal still
// covers the account's debt at the frozen LTVs.
func (g *Guard) CheckWithdraw(account, asset string, remaining fp.Dec) error {
	v, err := g.engine.loadView(account, g.clock())
	if err != nil {
		return err
	}
	if v.totalDebt.IsZero() {
		return nil
	}
	price, err := g.engine.feed.Price(asset)
	if err != nil {
		return err
	}

	power := fp.Zero(fp.Ray)
	for _, h := range v.collateral {
		value := h.value
		if h.pos.Asset == asset {
			value = valueOf(remaining, price)
		}
		ltv := fp.RescaleHalfUp(h.pos.Risk.LTV, fp.Ray)
		power = power.Add(fp.MulHalfUp(value, ltv, fp.Ray))
	}

	if v.totalDebt.Cmp(power) > 0 {
		return market.ErrHealthCheckFailed
	}
	return nil
}
