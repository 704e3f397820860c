package market

import (
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/rates"

	"github.com/google/uuid"
)

// MarketState is the per-asset mutable ledger: running totals at the asset's
// native decimals plus the two RAY-scaled accrual indexes. Created once at
// market deployment and mutated exclusively through GlobalSync and the
// engine's balance operations.
//
// Invariants: BorrowIndex is non-decreasing and ≥ 1.0 RAY. SupplyIndex is
// non-decreasing except across bad-debt socialization, where it may drop but
// never below one raw unit while the market has outstanding supply.
type MarketState struct {
	Asset         string
	AssetDecimals uint32

	Supplied fp.Dec
	Borrowed fp.Dec
	Reserves fp.Dec
	Revenue  fp.Dec
	BadDebt  fp.Dec

	BorrowIndex fp.Dec
	SupplyIndex fp.Dec

	// LastTimestamp is the unix second of the last successful sync.
	LastTimestamp uint64

	Params rates.CurveParams
}

// NewMarketState initializes a market with zero totals and both indexes at
// 1.0 RAY.
func NewMarketState(asset string, decimals uint32, params rates.CurveParams) *MarketState {
	return &MarketState{
		Asset:         asset,
		AssetDecimals: decimals,
		Supplied:      fp.Zero(decimals),
		Borrowed:      fp.Zero(decimals),
		Reserves:      fp.Zero(decimals),
		Revenue:       fp.Zero(decimals),
		BadDebt:       fp.Zero(decimals),
		BorrowIndex:   fp.One(fp.Ray),
		SupplyIndex:   fp.One(fp.Ray),
		Params:        params,
	}
}

// Clone returns a deep working copy. The transaction wrapper mutates the
// clone and only writes it back on the success path.
func (m *MarketState) Clone() *MarketState {
	if m == nil {
		return nil
	}
	c := *m
	c.Supplied = fp.New(m.Supplied.Raw(), m.Supplied.Prec())
	c.Borrowed = fp.New(m.Borrowed.Raw(), m.Borrowed.Prec())
	c.Reserves = fp.New(m.Reserves.Raw(), m.Reserves.Prec())
	c.Revenue = fp.New(m.Revenue.Raw(), m.Revenue.Prec())
	c.BadDebt = fp.New(m.BadDebt.Raw(), m.BadDebt.Prec())
	c.BorrowIndex = fp.New(m.BorrowIndex.Raw(), fp.Ray)
	c.SupplyIndex = fp.New(m.SupplyIndex.Raw(), fp.Ray)
	return &c
}

// Utilization returns Borrowed/Supplied at RAY; zero supply is defined as
// zero utilization rather than an error.
func (m *MarketState) Utilization() fp.Dec {
	if m.Supplied.IsZero() || m.Borrowed.IsZero() {
		return fp.Zero(fp.Ray)
	}
	return fp.DivHalfUp(m.Borrowed, m.Supplied, fp.Ray)
}

// AvailableLiquidity is the un-lent portion of the pool, floored at zero.
func (m *MarketState) AvailableLiquidity() fp.Dec {
	liq := m.Supplied.Sub(m.Borrowed)
	if liq.Sign() < 0 {
		return fp.Zero(m.AssetDecimals)
	}
	return liq
}

// Side discriminates the two position kinds an account can hold per asset.
type Side int32

const (
	SideDeposit Side = iota
	SideBorrow
)

func (s Side) String() string {
	switch s {
	case SideDeposit:
		return "deposit"
	case SideBorrow:
		return "borrow"
	default:
		return "unknown"
	}
}

// RiskSnapshot freezes the risk parameters that applied when a position was
// opened. All ratios are BPS.
type RiskSnapshot struct {
	LTV                  fp.Dec
	LiquidationThreshold fp.Dec
	LiquidationBonus     fp.Dec
	LiquidationFee       fp.Dec
}

// AssetConfig is the immutable-per-call configuration record supplied by the
// upstream asset registry. The engine only enforces the caps; isolation and
// silo eligibility are validated upstream.
type AssetConfig struct {
	Asset    string
	Decimals uint32

	LTV                  fp.Dec // BPS
	LiquidationThreshold fp.Dec // BPS
	LiquidationBonus     fp.Dec // BPS
	LiquidationFee       fp.Dec // BPS
	FlashloanFee         fp.Dec // BPS

	BorrowCap fp.Dec // asset decimals; zero means uncapped
	SupplyCap fp.Dec // asset decimals; zero means uncapped

	IsIsolated bool
	IsSiloed   bool
}

// RiskSnapshot extracts the frozen per-position risk parameters.
func (c AssetConfig) RiskSnapshot() RiskSnapshot {
	return RiskSnapshot{
		LTV:                  c.LTV,
		LiquidationThreshold: c.LiquidationThreshold,
		LiquidationBonus:     c.LiquidationBonus,
		LiquidationFee:       c.LiquidationFee,
	}
}

// Position tracks one account's exposure on one side of one market as a
// principal fixed at entry plus interest resynced against the market index.
// total = Principal + AccruedInterest; a position whose total returns to zero
// is removed from the account's position set.
type Position struct {
	ID      uuid.UUID
	Account string
	Asset   string
	Side    Side

	Principal       fp.Dec // asset decimals
	AccruedInterest fp.Dec // asset decimals

	// SnapshotIndex is the market index at the position's last sync (RAY).
	SnapshotIndex fp.Dec

	Risk RiskSnapshot
}

// NewPosition opens a position at the current market index with the risk
// parameters frozen from the asset configuration.
func NewPosition(account, asset string, side Side, decimals uint32, index fp.Dec, risk RiskSnapshot) *Position {
	return &Position{
		ID:              uuid.New(),
		Account:         account,
		Asset:           asset,
		Side:            side,
		Principal:       fp.Zero(decimals),
		AccruedInterest: fp.Zero(decimals),
		SnapshotIndex:   fp.New(index.Raw(), fp.Ray),
		Risk:            risk,
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Principal = fp.New(p.Principal.Raw(), p.Principal.Prec())
	c.AccruedInterest = fp.New(p.AccruedInterest.Raw(), p.AccruedInterest.Prec())
	c.SnapshotIndex = fp.New(p.SnapshotIndex.Raw(), fp.Ray)
	return &c
}

// Sync folds the index movement since the last snapshot into the balance
// (total·index/snapshot − total) and advances the snapshot. The total
// compounds, so interest already folded in keeps earning across passes. A
// shrinking index, produced by bad-debt socialization, writes the loss down
// against accrued interest first, then principal. Must run before any
// balance delta is applied.
func (p *Position) Sync(index fp.Dec) {
	if p.SnapshotIndex.IsZero() {
		p.SnapshotIndex = fp.New(index.Raw(), fp.Ray)
		return
	}
	total := p.Total()
	if index.Cmp(p.SnapshotIndex) == 0 || total.IsZero() {
		p.SnapshotIndex = fp.New(index.Raw(), fp.Ray)
		return
	}
	growth := fp.DivHalfUp(index, p.SnapshotIndex, fp.Ray)
	totalRay := fp.RescaleHalfUp(total, fp.Ray)
	grown := fp.MulHalfUp(totalRay, growth, fp.Ray)
	if grown.Cmp(totalRay) >= 0 {
		delta := fp.RescaleHalfUp(grown.Sub(totalRay), total.Prec())
		p.AccruedInterest = p.AccruedInterest.Add(delta)
	} else {
		loss := fp.RescaleHalfUp(totalRay.Sub(grown), total.Prec())
		p.Reduce(loss)
	}
	p.SnapshotIndex = fp.New(index.Raw(), fp.Ray)
}

// Total is the position's economic balance: principal plus accrued interest.
func (p *Position) Total() fp.Dec {
	return p.Principal.Add(p.AccruedInterest)
}

// IsEmpty reports whether the position can be removed.
func (p *Position) IsEmpty() bool {
	return p.Total().IsZero()
}

// Increase applies a fresh deposit/borrow delta to the principal.
func (p *Position) Increase(amount fp.Dec) {
	p.Principal = p.Principal.Add(amount)
}

// Reduce applies a repayment/withdrawal, consuming accrued interest before
// principal so that repaying exactly the total zeroes both fields.
func (p *Position) Reduce(amount fp.Dec) {
	if amount.Cmp(p.AccruedInterest) <= 0 {
		p.AccruedInterest = p.AccruedInterest.Sub(amount)
		return
	}
	remainder := amount.Sub(p.AccruedInterest)
	p.AccruedInterest = fp.Zero(p.AccruedInterest.Prec())
	p.Principal = p.Principal.Sub(remainder)
	if p.Principal.Sign() < 0 {
		p.Principal = fp.Zero(p.Principal.Prec())
	}
}
