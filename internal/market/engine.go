package market

import (
	"errors"

	"github.com/rs/zerolog"

	fp "LendLedger/internal/fixedpoint"
)

var (
	ErrInvalidAmount         = errors.New("market: amount must be positive")
	ErrPrecisionMismatch     = errors.New("market: amount precision does not match asset decimals")
	ErrSupplyCapExceeded     = errors.New("market: supply cap exceeded")
	ErrBorrowCapExceeded     = errors.New("market: borrow cap exceeded")
	ErrInsufficientBalance   = errors.New("market: amount exceeds position balance")
	ErrInsufficientLiquidity = errors.New("market: amount exceeds available liquidity")
	ErrNoOutstandingDebt     = errors.New("market: account has no outstanding debt")
	ErrHealthCheckFailed     = errors.New("market: operation would leave account undercollateralized")
)

// Guard is the cross-market solvency hook the engine consults before any
// operation that can weaken an account. The liquidation layer provides the
// implementation; a nil guard skips the check for callers that validate
// upstream.
type Guard interface {
	// CheckBorrow is called with the account's projected total debt in the
	// borrowed asset after the new draw.
	CheckBorrow(account, asset string, projectedDebt fp.Dec) error
	// CheckWithdraw is called with the account's remaining deposit in the
	// asset after the withdrawal.
	CheckWithdraw(account, asset string, remaining fp.Dec) error
}

// Receipt reports a committed balance operation.
type Receipt struct {
	Account string
	Asset   string
	Kind    string
	Amount  fp.Dec // actual amount applied, asset decimals

	BorrowIndex fp.Dec // indexes after the embedded sync (RAY)
	SupplyIndex fp.Dec
	Timestamp   uint64
}

// Engine executes the four balance operations against a Store. Every
// operation loads a working copy of the market, runs GlobalSync, applies the
// mutation, and writes back only on success; a failed validation leaves the
// store untouched, including the sync itself.
type Engine struct {
	store Store
	guard Guard
	log   zerolog.Logger
}

func NewEngine(store Store, guard Guard, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		guard: guard,
		log:   log.With().Str("component", "market_engine").Logger(),
	}
}

func (e *Engine) Store() Store { return e.store }

// tx collects the working state for one operation. Nothing reaches the store
// until commit.
type tx struct {
	market    *MarketState
	puts      []*Position
	deletions []*Position
}

func (e *Engine) begin(asset string) (*tx, error) {
	m, err := e.store.GetMarket(asset)
	if err != nil {
		return nil, err
	}
	return &tx{market: m}, nil
}

func (t *tx) put(p *Position)    { t.puts = append(t.puts, p) }
func (t *tx) remove(p *Position) { t.deletions = append(t.deletions, p) }

func (e *Engine) commit(t *tx) error {
	if err := e.store.PutMarket(t.market); err != nil {
		return err
	}
	for _, p := range t.puts {
		if err := e.store.PutPosition(p); err != nil {
			return err
		}
	}
	for _, p := range t.deletions {
		if err := e.store.DeletePosition(p.Account, p.Asset, p.Side); err != nil {
			return err
		}
	}
	return nil
}

func checkAmount(amount fp.Dec, decimals uint32) error {
	if amount.Prec() != decimals {
		return ErrPrecisionMismatch
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// position loads the account's position on one side, creating an empty one at
// the current index when none exists.
func (e *Engine) position(t *tx, account string, side Side, cfg AssetConfig) (*Position, bool, error) {
	p, err := e.store.GetPosition(account, t.market.Asset, side)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrPositionNotFound) {
		return nil, false, err
	}
	idx := t.market.SupplyIndex
	if side == SideBorrow {
		idx = t.market.BorrowIndex
	}
	return NewPosition(account, t.market.Asset, side, t.market.AssetDecimals, idx, cfg.RiskSnapshot()), true, nil
}

// Supply credits a deposit into the pool.
func (e *Engine) Supply(account string, cfg AssetConfig, amount fp.Dec, now uint64) (*Receipt, error) {
	t, err := e.begin(cfg.Asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, t.market.AssetDecimals); err != nil {
		return nil, err
	}
	if _, err := GlobalSync(t.market, now); err != nil {
		return nil, err
	}

	if !cfg.SupplyCap.IsZero() && t.market.Supplied.Add(amount).Cmp(cfg.SupplyCap) > 0 {
		return nil, ErrSupplyCapExceeded
	}

	pos, _, err := e.position(t, account, SideDeposit, cfg)
	if err != nil {
		return nil, err
	}
	pos.Sync(t.market.SupplyIndex)
	pos.Increase(amount)
	t.market.Supplied = t.market.Supplied.Add(amount)
	t.put(pos)

	if err := e.commit(t); err != nil {
		return nil, err
	}
	e.logOp("supply", account, cfg.Asset, amount)
	return e.receipt(t, "supply", account, amount, now), nil
}

// Withdraw releases part or all of a deposit, bounded by both the position
// balance and the pool's un-lent liquidity.
func (e *Engine) Withdraw(account string, cfg AssetConfig, amount fp.Dec, now uint64) (*Receipt, error) {
	t, err := e.begin(cfg.Asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, t.market.AssetDecimals); err != nil {
		return nil, err
	}
	if _, err := GlobalSync(t.market, now); err != nil {
		return nil, err
	}

	pos, err := e.store.GetPosition(account, cfg.Asset, SideDeposit)
	if err != nil {
		return nil, err
	}
	pos.Sync(t.market.SupplyIndex)

	if amount.Cmp(pos.Total()) > 0 {
		return nil, ErrInsufficientBalance
	}
	if amount.Cmp(t.market.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}
	if e.guard != nil {
		remaining := pos.Total().Sub(amount)
		if err := e.guard.CheckWithdraw(account, cfg.Asset, remaining); err != nil {
			return nil, err
		}
	}

	pos.Reduce(amount)
	t.market.Supplied = t.market.Supplied.Sub(amount)
	if pos.IsEmpty() {
		t.remove(pos)
	} else {
		t.put(pos)
	}

	if err := e.commit(t); err != nil {
		return nil, err
	}
	e.logOp("withdraw", account, cfg.Asset, amount)
	return e.receipt(t, "withdraw", account, amount, now), nil
}

// Borrow draws liquidity against the account's collateral.
func (e *Engine) Borrow(account string, cfg AssetConfig, amount fp.Dec, now uint64) (*Receipt, error) {
	t, err := e.begin(cfg.Asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, t.market.AssetDecimals); err != nil {
		return nil, err
	}
	if _, err := GlobalSync(t.market, now); err != nil {
		return nil, err
	}

	if !cfg.BorrowCap.IsZero() && t.market.Borrowed.Add(amount).Cmp(cfg.BorrowCap) > 0 {
		return nil, ErrBorrowCapExceeded
	}
	if amount.Cmp(t.market.AvailableLiquidity()) > 0 {
		return nil, ErrInsufficientLiquidity
	}

	pos, _, err := e.position(t, account, SideBorrow, cfg)
	if err != nil {
		return nil, err
	}
	pos.Sync(t.market.BorrowIndex)

	if e.guard != nil {
		projected := pos.Total().Add(amount)
		if err := e.guard.CheckBorrow(account, cfg.Asset, projected); err != nil {
			return nil, err
		}
	}

	pos.Increase(amount)
	t.market.Borrowed = t.market.Borrowed.Add(amount)
	t.put(pos)

	if err := e.commit(t); err != nil {
		return nil, err
	}
	e.logOp("borrow", account, cfg.Asset, amount)
	return e.receipt(t, "borrow", account, amount, now), nil
}

// Repay retires debt. Overpayment is clamped to the outstanding total; the
// receipt carries the amount actually applied.
func (e *Engine) Repay(account string, cfg AssetConfig, amount fp.Dec, now uint64) (*Receipt, error) {
	t, err := e.begin(cfg.Asset)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(amount, t.market.AssetDecimals); err != nil {
		return nil, err
	}
	if _, err := GlobalSync(t.market, now); err != nil {
		return nil, err
	}

	pos, err := e.store.GetPosition(account, cfg.Asset, SideBorrow)
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) {
			return nil, ErrNoOutstandingDebt
		}
		return nil, err
	}
	pos.Sync(t.market.BorrowIndex)

	owed := pos.Total()
	if owed.IsZero() {
		return nil, ErrNoOutstandingDebt
	}
	applied := amount
	if applied.Cmp(owed) > 0 {
		applied = owed
	}

	pos.Reduce(applied)
	t.market.Borrowed = t.market.Borrowed.Sub(applied)
	if t.market.Borrowed.Sign() < 0 {
		t.market.Borrowed = fp.Zero(t.market.AssetDecimals)
	}
	if pos.IsEmpty() {
		t.remove(pos)
	} else {
		t.put(pos)
	}

	if err := e.commit(t); err != nil {
		return nil, err
	}
	e.logOp("repay", account, cfg.Asset, applied)
	return e.receipt(t, "repay", account, applied, now), nil
}

// Sync runs a standalone accrual pass and commits it. Used by the periodic
// keeper and before read-side queries that need fresh indexes.
func (e *Engine) Sync(asset string, now uint64) (SyncResult, error) {
	t, err := e.begin(asset)
	if err != nil {
		return SyncResult{}, err
	}
	res, err := GlobalSync(t.market, now)
	if err != nil {
		return SyncResult{}, err
	}
	if err := e.commit(t); err != nil {
		return SyncResult{}, err
	}
	return res, nil
}

func (e *Engine) receipt(t *tx, kind, account string, amount fp.Dec, now uint64) *Receipt {
	return &Receipt{
		Account:     account,
		Asset:       t.market.Asset,
		Kind:        kind,
		Amount:      amount,
		BorrowIndex: fp.New(t.market.BorrowIndex.Raw(), fp.Ray),
		SupplyIndex: fp.New(t.market.SupplyIndex.Raw(), fp.Ray),
		Timestamp:   now,
	}
}

func (e *Engine) logOp(kind, account, asset string, amount fp.Dec) {
	e.log.Info().
		Str("kind", kind).
		Str("account", account).
		Str("asset", asset).
		Str("amount", amount.String()).
		Msg("operation committed")
}
