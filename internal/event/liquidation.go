package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationRequested asks the core to liquidate an unhealthy account. The
// liquidator pays down debt in RepayAsset; excess payment beyond what the
// sized plan accepts is refunded.
type LiquidationRequested struct {
	Key        string
	Liquidator uuid.UUID
	Account    uuid.UUID
	RepayAsset string
	Payment    decimal.Decimal
	Timestamp  uint64
	Sequence   int64
}

func (e *LiquidationRequested) IdempotencyKey() string { return e.Key }
func (e *LiquidationRequested) EventType() EventType   { return EventLiquidationRequested }
func (e *LiquidationRequested) Asset() string          { return e.RepayAsset }
func (e *LiquidationRequested) SourceSequence() int64  { return e.Sequence }

// BadDebtClean writes off the residual debt of an account whose collateral
// has been fully seized. Account-level: it touches every market the account
// still owes in, so Asset is empty.
type BadDebtClean struct {
	Key       string
	Account   uuid.UUID
	Timestamp uint64
	Sequence  int64
}

func (e *BadDebtClean) IdempotencyKey() string { return e.Key }
func (e *BadDebtClean) EventType() EventType   { return EventBadDebtClean }
func (e *BadDebtClean) Asset() string          { return "" }
func (e *BadDebtClean) SourceSequence() int64  { return e.Sequence }
