package rates

import (
	"errors"

	fp "LendLedger/internal/fixedpoint"
)

// SecondsPerYear fixes the per-period calling convention: annual rates are
// divided by this to obtain a per-second rate, mirroring one block per second.
const SecondsPerYear = 31_536_000

var (
	ErrUtilizationOrder = errors.New("rates: mid utilization must not exceed optimal utilization")
	ErrUtilizationRange = errors.New("rates: utilization anchors must lie in [0, 1]")
	ErrNegativeSlope    = errors.New("rates: slopes must be non-negative")
	ErrReserveFactor    = errors.New("rates: reserve factor must lie in [0, 1]")
)

// CurveParams shapes the three-segment utilization curve for one market. All
// ratios are RAY-scaled. Immutable once the market is created; replaced only
// through an administrative update upstream.
type CurveParams struct {
	BaseRate           fp.Dec
	Slope1             fp.Dec
	Slope2             fp.Dec
	Slope3             fp.Dec
	MidUtilization     fp.Dec
	OptimalUtilization fp.Dec
	MaxRate            fp.Dec
	ReserveFactor      fp.Dec
	AssetDecimals      uint32
}

/// Validate checks the curve invariants: 0 ≤ mid ≤ optimal ≤ 1, slopes ≥ 0,
// reserve factor within [0, 1].
func (p CurveParams) Validate() error {
	one := fp.One(fp.Ray)
	zero := fp.Zero(fp.Ray)
	if p.MidUtilization.Cmp(zero) < 0 || p.OptimalUtilization.Cmp(one) > 0 {
		return ErrUtilizationRange
	}
	if p.MidUtilization.Cmp(p.OptimalUtilization) > 0 {
		return ErrUtilizationOrder
	}
	for _, s := range []fp.Dec{p.Slope1, p.Slope2, p.Slope3} {
		if s.Sign() < 0 {
			return ErrNegativeSlope
		}
	}
	if p.ReserveFactor.Cmp(zero) < 0 || p.ReserveFactor.Cmp(one) > 0 {
		return ErrReserveFactor
	}
	return nil
}

// BorrowRate maps a RAY-scaled utilization to the per-second borrow rate.
//
// Segments:
//
//	u < mid:            base + u·slope1/mid
//	mid ≤ u < optimal:  base + slope1 + (u−mid)·slope2/(optimal−mid)
//	u ≥ optimal:        base + slope1 + slope2 + (u−optimal)·slope3/(1−optimal)
//
// The annual rate is clamped to MaxRate before dividing by SecondsPerYear.
func BorrowRate(utilization fp.Dec, p CurveParams) fp.Dec {
	annual := annualRate(utilization, p)
	if annual.Cmp(p.MaxRate) > 0 {
		annual = p.MaxRate
	}
	periods := fp.RescaleHalfUp(fp.NewFromInt64(SecondsPerYear, 0), fp.Ray)
	return fp.DivHalfUp(annual, periods, fp.Ray)
}

func annualRate(utilization fp.Dec, p CurveParams) fp.Dec {
	one := fp.One(fp.Ray)

	if utilization.Cmp(p.MidUtilization) < 0 {
		if p.MidUtilization.IsZero() {
			return p.BaseRate
		}
		step := fp.DivHalfUp(fp.MulHalfUp(utilization, p.Slope1, fp.Ray), p.MidUtilization, fp.Ray)
		return p.BaseRate.Add(step)
	}

	if utilization.Cmp(p.OptimalUtilization) < 0 {
		span := p.OptimalUtilization.Sub(p.MidUtilization)
		excess := utilization.Sub(p.MidUtilization)
		step := fp.Zero(fp.Ray)
		if !span.IsZero() {
			step = fp.DivHalfUp(fp.MulHalfUp(excess, p.Slope2, fp.Ray), span, fp.Ray)
		}
		return p.BaseRate.Add(p.Slope1).Add(step)
	}

	span := one.Sub(p.OptimalUtilization)
	excess := utilization.Sub(p.OptimalUtilization)
	step := fp.Zero(fp.Ray)
	if !span.IsZero() {
		step = fp.DivHalfUp(fp.MulHalfUp(excess, p.Slope3, fp.Ray), span, fp.Ray)
	}
	return p.BaseRate.Add(p.Slope1).Add(p.Slope2).Add(step)
}

// CompoundedInterest approximates (1+rate)^elapsed as the 5-term Taylor
// expansion 1 + x + x²/2! + x³/3! + x⁴/4! + x⁵/5! with x = rate·elapsed,
// every term computed half-up at RAY. Valid for small x: short elapsed
// intervals relative to the rate. Returns exactly 1.0 RAY at elapsed 0.
func CompoundedInterest(rate fp.Dec, elapsed uint64) fp.Dec {
	one := fp.One(fp.Ray)
	if elapsed == 0 || rate.IsZero() {
		return one
	}

	periods := fp.RescaleHalfUp(fp.NewFromInt64(int64(elapsed), 0), fp.Ray)
	x := fp.MulHalfUp(rate, periods, fp.Ray)

	x2 := fp.MulHalfUp(x, x, fp.Ray)
	x3 := fp.MulHalfUp(x2, x, fp.Ray)
	x4 := fp.MulHalfUp(x3, x, fp.Ray)
	x5 := fp.MulHalfUp(x4, x, fp.Ray)

	term2 := fp.DivHalfUp(x2, fp.Two(fp.Ray), fp.Ray)
	term3 := fp.DivHalfUp(x3, fp.FromUnits(6, fp.Ray), fp.Ray)
	term4 := fp.DivHalfUp(x4, fp.FromUnits(24, fp.Ray), fp.Ray)
	term5 := fp.DivHalfUp(x5, fp.FromUnits(120, fp.Ray), fp.Ray)

	return one.Add(x).Add(term2).Add(term3).Add(term4).Add(term5)
}
