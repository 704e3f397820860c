package liquidation

import (
	"errors"

	"github.com/google/uuid"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
)

var (
	ErrCollateralRemaining = errors.New("liquidation: account still holds collateral")
	ErrNoDebt              = errors.New("liquidation: account has no debt to write off")
)

// Seizure is one collateral slice transferred to the liquidator. Fee is the
// protocol's cut of the bonus portion, already deducted from Amount's payout.
type Seizure struct {
	Asset  string
	Amount fp.Dec // tokens seized, asset decimals
	Fee    fp.Dec // tokens booked to market revenue
}

// Payment is one repay-asset offer from the liquidator, at the asset's
// decimals.
type Payment struct {
	Asset  string
	Amount fp.Dec
}

// AppliedPayment reports how one payment was consumed. Applied is the debt
// actually retired in the asset; everything past the plan's allowance or the
// account's per-asset debt is refunded in the token it arrived in.
type AppliedPayment struct {
	Asset   string
	Paid    fp.Dec
	Applied fp.Dec
	Refund  fp.Dec
}

// Receipt reports one executed (or simulated) liquidation.
type Receipt struct {
	ID         uuid.UUID
	Liquidator string
	Account    string

	Payments []AppliedPayment

	Bonus    fp.Dec // premium b, RAY
	Seizures []Seizure

	HealthBefore fp.Dec
	HealthAfter  fp.Dec
	Timestamp    uint64
}

// Execute liquidates an unhealthy account: the liquidator pays down debt in
// one or more assets and receives a proportional slice of every collateral
// position, premium included, minus the protocol fee on the premium portion.
// Payments are consumed in the order given; whatever the sized plan does not
// accept is refunded untouched. Commits only on success.
func (e *Engine) Execute(liquidator, account string, payments []Payment, now uint64) (*Receipt, error) {
	v, rcpt, err := e.prepare(liquidator, account, payments, now)
	if err != nil {
		return nil, err
	}
	if err := e.commit(v); err != nil {
		return nil, err
	}
	e.log.Info().
		Str("liquidator", liquidator).
		Str("account", account).
		Int("payments", len(rcpt.Payments)).
		Str("bonus", rcpt.Bonus.String()).
		Str("health_after", rcpt.HealthAfter.String()).
		Msg("liquidation executed")
	return rcpt, nil
}

// Simulate runs the full liquidation computation and discards the state,
// letting liquidators price a call before committing capital.
func (e *Engine) Simulate(liquidator, account string, payments []Payment, now uint64) (*Receipt, error) {
	_, rcpt, err := e.prepare(liquidator, account, payments, now)
	return rcpt, err
}

func (e *Engine) prepare(liquidator, account string, payments []Payment, now uint64) (*accountView, *Receipt, error) {
	if len(payments) == 0 {
		return nil, nil, ErrInvalidPayment
	}

	v, err := e.loadView(account, now)
	if err != nil {
		return nil, nil, err
	}
	if v.health().Cmp(fp.One(fp.Ray)) >= 0 {
		return nil, nil, ErrHealthyAccount
	}
	if v.rawCollateral.IsZero() {
		return nil, nil, ErrNoCollateral
	}

	// Every payment must name an asset the account owes, at the market's
	// decimals, before anything is applied.
	debts := make([]*holding, len(payments))
	for i, p := range payments {
		if p.Amount.Sign() <= 0 {
			return nil, nil, ErrInvalidPayment
		}
		for _, h := range v.debts {
			if h.pos.Asset == p.Asset {
				debts[i] = h
				break
			}
		}
		if debts[i] == nil {
			return nil, nil, ErrNoDebtInAsset
		}
		if p.Amount.Prec() != debts[i].market.AssetDecimals {
			return nil, nil, market.ErrPrecisionMismatch
		}
	}

	plan := e.buildPlan(v)

	// Walk the payments in order against the plan's allowance. Once the
	// allowance or a payment's debt runs out, the excess stays with the
	// liquidator: a trailing payment can come back refunded in full.
	allowance := fp.New(plan.RepayValue.Raw(), fp.Ray)
	applied := make([]AppliedPayment, len(payments))
	appliedValue := fp.Zero(fp.Ray)
	for i, p := range payments {
		debt := debts[i]
		decimals := debt.market.AssetDecimals

		tokens := p.Amount
		if owed := debt.pos.Total(); tokens.Cmp(owed) > 0 {
			tokens = owed
		}
		value := valueOf(tokens, debt.price)
		if value.Cmp(allowance) > 0 {
			tokens = tokensFor(allowance, debt.price, decimals)
			if tokens.Cmp(p.Amount) > 0 {
				tokens = p.Amount
			}
			if owed := debt.pos.Total(); tokens.Cmp(owed) > 0 {
				tokens = owed
			}
			value = valueOf(tokens, debt.price)
		}

		if tokens.Sign() > 0 {
			debt.pos.Reduce(tokens)
			debt.market.Borrowed = flooredSub(debt.market.Borrowed, tokens)
			allowance = flooredSub(allowance, value)
			appliedValue = appliedValue.Add(value)
		} else {
			tokens = fp.Zero(decimals)
		}
		applied[i] = AppliedPayment{
			Asset:   p.Asset,
			Paid:    p.Amount,
			Applied: tokens,
			Refund:  p.Amount.Sub(tokens),
		}
	}
	if appliedValue.IsZero() {
		return nil, nil, ErrInvalidPayment
	}

	premium := fp.One(fp.Ray).Add(plan.Bonus)
	seizeValue := fp.MulHalfUp(appliedValue, premium, fp.Ray)
	if seizeValue.Cmp(v.rawCollateral) > 0 {
		seizeValue = v.rawCollateral
	}

	// The premium portion of the seizure carries the protocol fee; the repaid
	// portion transfers one-for-one.
	bonusValue := seizeValue.Sub(appliedValue)
	if bonusValue.Sign() < 0 {
		bonusValue = fp.Zero(fp.Ray)
	}
	bonusShare := fp.Zero(fp.Ray)
	if !seizeValue.IsZero() {
		bonusShare = fp.DivHalfUp(bonusValue, seizeValue, fp.Ray)
	}

	seizures := e.seize(v, seizeValue, bonusShare)

	rcpt := &Receipt{
		ID:           uuid.New(),
		Liquidator:   liquidator,
		Account:      account,
		Payments:     applied,
		Bonus:        plan.Bonus,
		Seizures:     seizures,
		HealthBefore: plan.HealthBefore,
		HealthAfter:  e.revalue(v, now),
		Timestamp:    now,
	}
	return v, rcpt, nil
}

// seize walks the collateral basket in deterministic asset order, taking each
// position's proportional share of the seizure value. Caps at each position's
// value roll the shortfall into the next position, so thin positions never
// strand seizable value.
func (e *Engine) seize(v *accountView, seizeValue, bonusShare fp.Dec) []Seizure {
	var out []Seizure
	remaining := seizeValue

	for i, h := range v.collateral {
		if remaining.Sign() <= 0 {
			break
		}
		share := remaining
		if i < len(v.collateral)-1 {
			ratio := fp.DivHalfUp(h.value, v.rawCollateral, fp.Ray)
			share = fp.MulHalfUp(seizeValue, ratio, fp.Ray)
			if share.Cmp(remaining) > 0 {
				share = remaining
			}
		}
		if share.Cmp(h.value) > 0 {
			share = h.value
		}
		if share.Sign() <= 0 {
			continue
		}

		decimals := h.market.AssetDecimals
		tokens := tokensFor(share, h.price, decimals)
		if owned := h.pos.Total(); tokens.Cmp(owned) > 0 {
			tokens = owned
		}
		if tokens.Sign() <= 0 {
			continue
		}

		feeRate := fp.RescaleHalfUp(h.pos.Risk.LiquidationFee, fp.Ray)
		feeFrac := fp.MulHalfUp(bonusShare, feeRate, fp.Ray)
		fee := fp.RescaleHalfUp(
			fp.MulHalfUp(fp.RescaleHalfUp(tokens, fp.Ray), feeFrac, fp.Ray),
			decimals,
		)

		h.pos.Reduce(tokens)
		h.market.Supplied = flooredSub(h.market.Supplied, tokens)
		h.market.Revenue = h.market.Revenue.Add(fee)

		out = append(out, Seizure{Asset: h.pos.Asset, Amount: tokens, Fee: fee})
		remaining = remaining.Sub(share)
	}
	return out
}

// revalue recomputes the health factor from the mutated holdings.
func (e *Engine) revalue(v *accountView, now uint64) fp.Dec {
	weighted := fp.Zero(fp.Ray)
	debt := fp.Zero(fp.Ray)
	for _, h := range v.collateral {
		value := valueOf(h.pos.Total(), h.price)
		w := fp.RescaleHalfUp(h.pos.Risk.LiquidationThreshold, fp.Ray)
		weighted = weighted.Add(fp.MulHalfUp(value, w, fp.Ray))
	}
	for _, h := range v.debts {
		debt = debt.Add(valueOf(h.pos.Total(), h.price))
	}
	return HealthFactor(weighted, debt)
}

// CleanReceipt reports one bad-debt write-off and the socialization it
// triggered per market. Dust lists collateral remnants under the threshold
// swept into protocol revenue as part of the clean.
type CleanReceipt struct {
	Account   string
	WriteOffs []WriteOff
	Dust      []Seizure
	Timestamp uint64
}

type WriteOff struct {
	Asset       string
	Amount      fp.Dec // debt moved into the market's bad-debt ledger
	Socialized  fp.Dec // portion burned against supply immediately
	SupplyIndex fp.Dec // index after socialization, RAY
}

// CleanBadDebt writes off every debt position of an account whose collateral
// value sits at or under the dust threshold, moving the totals into each
// market's bad-debt ledger and immediately socializing what current supply
// can absorb. The borrow index is never touched; only suppliers bear the
// loss. A dust remnant is swept into the market's revenue so it cannot keep
// the account on the books forever.
func (e *Engine) CleanBadDebt(account string, now uint64) (*CleanReceipt, error) {
	v, err := e.loadView(account, now)
	if err != nil {
		return nil, err
	}
	if v.rawCollateral.Cmp(e.params.DustThreshold) > 0 {
		return nil, ErrCollateralRemaining
	}
	if v.totalDebt.IsZero() {
		return nil, ErrNoDebt
	}

	rcpt := &CleanReceipt{Account: account, Timestamp: now}
	for _, h := range v.collateral {
		tokens := h.pos.Total()
		if tokens.IsZero() {
			continue
		}
		h.pos.Reduce(tokens)
		h.market.Supplied = flooredSub(h.market.Supplied, tokens)
		h.market.Revenue = h.market.Revenue.Add(tokens)
		rcpt.Dust = append(rcpt.Dust, Seizure{
			Asset:  h.pos.Asset,
			Amount: tokens,
			Fee:    fp.Zero(h.market.AssetDecimals),
		})
	}
	for _, h := range v.debts {
		amount := h.pos.Total()
		if amount.IsZero() {
			continue
		}
		h.pos.Reduce(amount)
		h.market.Borrowed = flooredSub(h.market.Borrowed, amount)
		h.market.BadDebt = h.market.BadDebt.Add(amount)

		socialized := Socialize(h.market)
		rcpt.WriteOffs = append(rcpt.WriteOffs, WriteOff{
			Asset:       h.pos.Asset,
			Amount:      amount,
			Socialized:  socialized,
			SupplyIndex: fp.New(h.market.SupplyIndex.Raw(), fp.Ray),
		})
	}

	if err := e.commit(v); err != nil {
		return nil, err
	}
	e.log.Warn().
		Str("account", account).
		Int("markets", len(rcpt.WriteOffs)).
		Msg("bad debt written off")
	return rcpt, nil
}

// Socialize burns as much of the market's bad-debt ledger as current supply
// can absorb, scaling the supply index down by the surviving fraction. The
// index never drops below one raw unit, so existing deposits keep a nonzero
// conversion rate. Returns the amount socialized.
func Socialize(m *market.MarketState) fp.Dec {
	if m.BadDebt.IsZero() || m.Supplied.IsZero() {
		return fp.Zero(m.AssetDecimals)
	}
	capped := m.BadDebt
	if capped.Cmp(m.Supplied) > 0 {
		capped = m.Supplied
	}

	survivor := m.Supplied.Sub(capped)
	factor := fp.DivHalfUp(
		fp.RescaleHalfUp(survivor, fp.Ray),
		fp.RescaleHalfUp(m.Supplied, fp.Ray),
		fp.Ray,
	)
	idx := fp.MulHalfUp(m.SupplyIndex, factor, fp.Ray)
	if idx.Raw().Sign() <= 0 {
		idx = fp.NewFromInt64(1, fp.Ray)
	}

	m.SupplyIndex = idx
	m.Supplied = survivor
	m.BadDebt = m.BadDebt.Sub(capped)
	return capped
}

func flooredSub(a, b fp.Dec) fp.Dec {
	out := a.Sub(b)
	if out.Sign() < 0 {
		return fp.Zero(a.Prec())
	}
	return out
}
