package liquidation

import (
	fp "LendLedger/internal/fixedpoint"
)

// DynamicBonus runs the bonus auction for one unhealthy account: the premium
// starts at minBonus when the health factor sits just under 1.0 and ramps
// linearly to maxBonus as it approaches zero, so deeply underwater accounts
// attract liquidators faster. All inputs and the result are RAY.
func DynamicBonus(healthFactor, minBonus, maxBonus, targetHealth fp.Dec) fp.Dec {
	if maxBonus.Cmp(minBonus) <= 0 {
		return fp.New(minBonus.Raw(), fp.Ray)
	}
	gap := targetHealth.Sub(healthFactor)
	if gap.Sign() <= 0 {
		return fp.New(minBonus.Raw(), fp.Ray)
	}
	severity := fp.DivHalfUp(gap, targetHealth, fp.Ray)
	if severity.Cmp(fp.One(fp.Ray)) > 0 {
		severity = fp.One(fp.Ray)
	}
	span := maxBonus.Sub(minBonus)
	return minBonus.Add(fp.MulHalfUp(severity, span, fp.Ray))
}

// Plan is the outcome of sizing a liquidation before any payment is applied.
// Values are quote-currency RAY.
type Plan struct {
	HealthBefore fp.Dec
	// Bonus is the premium b; the liquidator receives (1+b) per unit repaid.
	Bonus fp.Dec
	// RepayValue is the debt value the call should retire, already capped by
	// the close factor and by what the collateral can pay for.
	RepayValue fp.Dec
	// SeizeValue is RepayValue·(1+Bonus), capped at the raw collateral value.
	SeizeValue fp.Dec
	// FullSeizure marks the fallback where no bonus level can restore the
	// target health and the call simply seizes what the collateral supports.
	FullSeizure bool
}

// repayToTarget solves for the debt value d whose repayment restores the
// health factor to the target, given the premium multiplier (1+b) and the
// basket's value-weighted threshold w:
//
//	(Cw − d·(1+b)·w) / (D − d) = T  →  d = (T·D − Cw) / (T − (1+b)·w)
//
// Returns false when the denominator is not positive, meaning seizures at
// this premium drain weighted collateral faster than debt and the health
// factor cannot be pushed up to T.
func repayToTarget(v *accountView, premium fp.Dec, target fp.Dec) (fp.Dec, bool) {
	w := v.avgThreshold()
	denom := target.Sub(fp.MulHalfUp(premium, w, fp.Ray))
	if denom.Sign() <= 0 {
		return fp.Zero(fp.Ray), false
	}
	numer := fp.MulHalfUp(target, v.totalDebt, fp.Ray).Sub(v.weightedCollateral)
	if numer.Sign() <= 0 {
		return fp.Zero(fp.Ray), true
	}
	return fp.DivHalfUp(numer, denom, fp.Ray), true
}

// MaxFeasibleBonus bounds the premium multiplier so that repaying the
// close-factor allowance still lifts the account to the target. Repaying
// r = p·D at premium (1+b) removes r·(1+b)·w̄ of weighted collateral against
// r of debt, so the post-liquidation constraint
//
//	Cw − p·D·(1+b)·w̄ ≥ T·D·(1−p)
//
// solves to (1+b) ≤ (Cw − T·D·(1−p)) / (p·D·w̄). Returns the bonus bound and
// false when no premium at or above minBonus satisfies it.
func MaxFeasibleBonus(rawCollateral, weightedCollateral, totalDebt, proportion, targetHealth, minBonus fp.Dec) (fp.Dec, bool) {
	one := fp.One(fp.Ray)
	if rawCollateral.IsZero() || totalDebt.IsZero() || proportion.Sign() <= 0 {
		return fp.Zero(fp.Ray), false
	}
	avgWeight := fp.DivHalfUp(weightedCollateral, rawCollateral, fp.Ray)
	if avgWeight.IsZero() {
		return fp.Zero(fp.Ray), false
	}
	spared := fp.MulHalfUp(fp.MulHalfUp(targetHealth, totalDebt, fp.Ray), one.Sub(proportion), fp.Ray)
	numer := weightedCollateral.Sub(spared)
	if numer.Sign() <= 0 {
		return fp.Zero(fp.Ray), false
	}
	denom := fp.MulHalfUp(fp.MulHalfUp(proportion, totalDebt, fp.Ray), avgWeight, fp.Ray)
	limit := fp.DivHalfUp(numer, denom, fp.Ray)
	if limit.Cmp(one.Add(minBonus)) < 0 {
		return fp.Zero(fp.Ray), false
	}
	return limit.Sub(one), true
}

// buildPlan sizes the liquidation down the target ladder: solve for the
// restoration target first, retry at bare solvency, and fall back to a full
// seizure at the floor premium when neither target is reachable.
func (e *Engine) buildPlan(v *accountView) Plan {
	one := fp.One(fp.Ray)
	hf := v.health()

	for _, target := range []fp.Dec{e.params.TargetHealth, one} {
		if plan, ok := e.sizeAt(v, hf, target); ok {
			return plan
		}
	}

	// Neither target is reachable within the caps: seize what the collateral
	// supports at the floor premium.
	premium := one.Add(e.params.MinBonus)
	repay := fp.DivHalfUp(v.rawCollateral, premium, fp.Ray)
	if repay.Cmp(v.totalDebt) > 0 {
		repay = v.totalDebt
	}
	seize := fp.MulHalfUp(repay, premium, fp.Ray)
	if seize.Cmp(v.rawCollateral) > 0 {
		seize = v.rawCollateral
	}
	return Plan{
		HealthBefore: hf,
		Bonus:        fp.New(e.params.MinBonus.Raw(), fp.Ray),
		RepayValue:   repay,
		SeizeValue:   seize,
		FullSeizure:  true,
	}
}

// sizeAt solves one rung of the ladder. The auctioned premium is clamped to
// the feasibility bound before the repay amount is solved and capped; ok is
// false when the capped repayment cannot lift the account back to solvency.
func (e *Engine) sizeAt(v *accountView, hf, target fp.Dec) (Plan, bool) {
	one := fp.One(fp.Ray)

	maxBonus := v.avgBonus()
	if bound, ok := MaxFeasibleBonus(v.rawCollateral, v.weightedCollateral, v.totalDebt,
		e.params.CloseFactor, target, e.params.MinBonus); !ok {
		// No premium reaches the target in full; run the rung at the floor
		// and let the solvency check below decide whether it holds.
		maxBonus = fp.New(e.params.MinBonus.Raw(), fp.Ray)
	} else if bound.Cmp(maxBonus) < 0 {
		maxBonus = bound
	}

	bonus := DynamicBonus(hf, e.params.MinBonus, maxBonus, target)
	premium := one.Add(bonus)

	solved, ok := repayToTarget(v, premium, target)
	if !ok || solved.Sign() <= 0 {
		return Plan{}, false
	}

	repay := solved
	if maxByCloseFactor := fp.MulHalfUp(v.totalDebt, e.params.CloseFactor, fp.Ray); repay.Cmp(maxByCloseFactor) > 0 {
		repay = maxByCloseFactor
	}
	if maxByCollateral := fp.DivHalfUp(v.rawCollateral, premium, fp.Ray); repay.Cmp(maxByCollateral) > 0 {
		repay = maxByCollateral
	}
	if repay.Cmp(v.totalDebt) > 0 {
		repay = v.totalDebt
	}

	// A capped repayment falls short of the target; the rung still holds as
	// long as it clears bare solvency.
	if repay.Cmp(solved) < 0 {
		need, solvent := repayToTarget(v, premium, one)
		if !solvent || repay.Cmp(need) < 0 {
			return Plan{}, false
		}
	}

	seize := fp.MulHalfUp(repay, premium, fp.Ray)
	if seize.Cmp(v.rawCollateral) > 0 {
		seize = v.rawCollateral
	}
	return Plan{
		HealthBefore: hf,
		Bonus:        bonus,
		RepayValue:   repay,
		SeizeValue:   seize,
	}, true
}

// EstimateLiquidationAmount sizes the liquidation an unhealthy account is
// exposed to without executing anything. Returns ErrHealthyAccount when the
// account is not liquidatable.
func (e *Engine) EstimateLiquidationAmount(account string, now uint64) (Plan, error) {
	v, err := e.loadView(account, now)
	if err != nil {
		return Plan{}, err
	}
	if v.health().Cmp(fp.One(fp.Ray)) >= 0 {
		return Plan{}, ErrHealthyAccount
	}
	if v.rawCollateral.IsZero() {
		return Plan{}, ErrNoCollateral
	}
	return e.buildPlan(v), nil
}
