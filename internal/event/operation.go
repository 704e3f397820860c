package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// The four balance operations share a shape: an account, an asset, and an
// amount quoted as an arbitrary-precision decimal string on the wire. The
// core converts amounts to the asset's native fixed-point scale before any
// pool math runs.

type SupplyRequested struct {
	Key       string
	Account   uuid.UUID
	AssetID   string
	Amount    decimal.Decimal
	Timestamp uint64
	Sequence  int64
}

func (e *SupplyRequested) IdempotencyKey() string { return e.Key }
func (e *SupplyRequested) EventType() EventType   { return EventSupplyRequested }
func (e *SupplyRequested) Asset() string          { return e.AssetID }
func (e *SupplyRequested) SourceSequence() int64  { return e.Sequence }

type WithdrawRequested struct {
	Key       string
	Account   uuid.UUID
	AssetID   string
	Amount    decimal.Decimal
	Timestamp uint64
	Sequence  int64
}

func (e *WithdrawRequested) IdempotencyKey() string { return e.Key }
func (e *WithdrawRequested) EventType() EventType   { return EventWithdrawRequested }
func (e *WithdrawRequested) Asset() string          { return e.AssetID }
func (e *WithdrawRequested) SourceSequence() int64  { return e.Sequence }

type BorrowRequested struct {
	Key       string
	Account   uuid.UUID
	AssetID   string
	Amount    decimal.Decimal
	Timestamp uint64
	Sequence  int64
}

func (e *BorrowRequested) IdempotencyKey() string { return e.Key }
func (e *BorrowRequested) EventType() EventType   { return EventBorrowRequested }
func (e *BorrowRequested) Asset() string          { return e.AssetID }
func (e *BorrowRequested) SourceSequence() int64  { return e.Sequence }

type RepayRequested struct {
	Key       string
	Account   uuid.UUID
	AssetID   string
	Amount    decimal.Decimal
	Timestamp uint64
	Sequence  int64
}

func (e *RepayRequested) IdempotencyKey() string { return e.Key }
func (e *RepayRequested) EventType() EventType   { return EventRepayRequested }
func (e *RepayRequested) Asset() string          { return e.AssetID }
func (e *RepayRequested) SourceSequence() int64  { return e.Sequence }
