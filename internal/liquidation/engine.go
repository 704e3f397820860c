// Package liquidation implements the solvency layer: account health factors,
// the dynamic liquidation bonus, proportional multi-asset seizure, and
// bad-debt socialization.
package liquidation

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
	"LendLedger/internal/oracle"
)

var (
	ErrHealthyAccount = errors.New("liquidation: account health factor is not below one")
	ErrNoDebtInAsset  = errors.New("liquidation: account has no debt in the repay asset")
	ErrNoCollateral   = errors.New("liquidation: account has no collateral to seize")
	ErrInvalidPayment = errors.New("liquidation: payment must be positive")
)

// Registry resolves an asset to its current configuration. The engine only
// needs decimals and the fee schedule; risk ratios come from the frozen
// per-position snapshots.
type Registry func(asset string) (market.AssetConfig, error)

// Params tunes the liquidation auction. All ratios are RAY.
type Params struct {
	// CloseFactor caps the share of an account's total debt value one call
	// may retire.
	CloseFactor fp.Dec
	// TargetHealth is the health factor a liquidation aims to restore,
	// slightly above one so the account does not immediately re-enter the
	// liquidatable band.
	TargetHealth fp.Dec
	// MinBonus is the floor of the bonus auction.
	MinBonus fp.Dec
	// DustThreshold is the quote-currency collateral value under which a
	// bad-debt write-off treats the remnant as dust and sweeps it into
	// protocol revenue instead of blocking the clean.
	DustThreshold fp.Dec
}

func DefaultParams() Params {
	return Params{
		CloseFactor:   fp.New(rayPct(50).Raw(), fp.Ray),  // 50%
		TargetHealth:  fp.New(rayPct(102).Raw(), fp.Ray), // 1.02
		MinBonus:      fp.Zero(fp.Ray),
		DustThreshold: fp.One(fp.Ray), // one quote unit
	}
}

// Engine evaluates and executes liquidations against the market store,
// valuing everything through the price feed.
type Engine struct {
	store    market.Store
	feed     oracle.PriceFeed
	registry Registry
	params   Params
	log      zerolog.Logger
}

func NewEngine(store market.Store, feed oracle.PriceFeed, registry Registry, params Params, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		feed:     feed,
		registry: registry,
		params:   params,
		log:      log.With().Str("component", "liquidation_engine").Logger(),
	}
}

// holding is one synced position with its valuation, all values quote-currency
// RAY.
type holding struct {
	pos    *market.Position
	price  fp.Dec // per whole token, RAY
	value  fp.Dec // total · price
	market *market.MarketState
}

// accountView is the synced, valued snapshot of one account plus the working
// market copies every mutation goes through. Nothing here touches the store
// until commit.
type accountView struct {
	account    string
	collateral []*holding // sorted by asset for deterministic walks
	debts      []*holding

	markets map[string]*market.MarketState

	weightedCollateral fp.Dec // Σ value·threshold
	rawCollateral      fp.Dec // Σ value
	totalDebt          fp.Dec // Σ value
}

// loadView syncs every market the account touches on working copies, resyncs
// the positions against the fresh indexes, and values them.
func (e *Engine) loadView(account string, now uint64) (*accountView, error) {
	positions, err := e.store.PositionsByAccount(account)
	if err != nil {
		return nil, err
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Asset != positions[j].Asset {
			return positions[i].Asset < positions[j].Asset
		}
		return positions[i].Side < positions[j].Side
	})

	v := &accountView{
		account:            account,
		markets:            make(map[string]*market.MarketState),
		weightedCollateral: fp.Zero(fp.Ray),
		rawCollateral:      fp.Zero(fp.Ray),
		totalDebt:          fp.Zero(fp.Ray),
	}

	for _, pos := range positions {
		m, ok := v.markets[pos.Asset]
		if !ok {
			m, err = e.store.GetMarket(pos.Asset)
			if err != nil {
				return nil, err
			}
			if _, err := market.GlobalSync(m, now); err != nil {
				return nil, err
			}
			v.markets[pos.Asset] = m
		}

		price, err := e.feed.Price(pos.Asset)
		if err != nil {
			return nil, err
		}

		h := &holding{pos: pos, price: price, market: m}
		switch pos.Side {
		case market.SideDeposit:
			pos.Sync(m.SupplyIndex)
			h.value = valueOf(pos.Total(), price)
			weight := fp.RescaleHalfUp(pos.Risk.LiquidationThreshold, fp.Ray)
			v.weightedCollateral = v.weightedCollateral.Add(fp.MulHalfUp(h.value, weight, fp.Ray))
			v.rawCollateral = v.rawCollateral.Add(h.value)
			v.collateral = append(v.collateral, h)
		case market.SideBorrow:
			pos.Sync(m.BorrowIndex)
			h.value = valueOf(pos.Total(), price)
			v.totalDebt = v.totalDebt.Add(h.value)
			v.debts = append(v.debts, h)
		}
	}
	return v, nil
}

// commit writes every working market and every touched position back.
func (e *Engine) commit(v *accountView) error {
	for _, m := range v.markets {
		if err := e.store.PutMarket(m); err != nil {
			return err
		}
	}
	for _, h := range append(append([]*holding(nil), v.collateral...), v.debts...) {
		if h.pos.IsEmpty() {
			if err := e.store.DeletePosition(h.pos.Account, h.pos.Asset, h.pos.Side); err != nil {
				return err
			}
			continue
		}
		if err := e.store.PutPosition(h.pos); err != nil {
			return err
		}
	}
	return nil
}

// health is the view's current health factor.
func (v *accountView) health() fp.Dec {
	return HealthFactor(v.weightedCollateral, v.totalDebt)
}

// avgThreshold is the value-weighted liquidation threshold of the collateral
// basket.
func (v *accountView) avgThreshold() fp.Dec {
	if v.rawCollateral.IsZero() {
		return fp.Zero(fp.Ray)
	}
	return fp.DivHalfUp(v.weightedCollateral, v.rawCollateral, fp.Ray)
}

// avgBonus is the value-weighted maximum bonus frozen into the collateral
// positions, converted from BPS to RAY.
func (v *accountView) avgBonus() fp.Dec {
	if v.rawCollateral.IsZero() {
		return fp.Zero(fp.Ray)
	}
	sum := fp.Zero(fp.Ray)
	for _, h := range v.collateral {
		b := fp.RescaleHalfUp(h.pos.Risk.LiquidationBonus, fp.Ray)
		sum = sum.Add(fp.MulHalfUp(h.value, b, fp.Ray))
	}
	return fp.DivHalfUp(sum, v.rawCollateral, fp.Ray)
}

// valueOf converts a token amount to quote-currency value at RAY.
func valueOf(amount, price fp.Dec) fp.Dec {
	return fp.MulHalfUp(fp.RescaleHalfUp(amount, fp.Ray), price, fp.Ray)
}

// tokensFor converts a quote-currency value back to a token amount at the
// asset's decimals.
func tokensFor(value, price fp.Dec, decimals uint32) fp.Dec {
	return fp.RescaleHalfUp(fp.DivHalfUp(value, price, fp.Ray), decimals)
}

// rayPct returns n percent at RAY, for parameter defaults.
func rayPct(n int64) fp.Dec {
	return fp.DivHalfUp(fp.FromUnits(n, fp.Ray), fp.FromUnits(100, fp.Ray), fp.Ray)
}
