// Package event defines the typed inbound events the core consumes and the
// envelope that wraps each applied event in the hash-chained log.
package event

import "time"

// EventType discriminates the inbound event kinds.
type EventType int32

const (
	EventUnknown EventType = iota
	EventSupplyRequested
	EventWithdrawRequested
	EventBorrowRequested
	EventRepayRequested
	EventPriceUpdate
	EventLiquidationRequested
	EventBadDebtClean
	EventMarketSync
)

func (t EventType) String() string {
	switch t {
	case EventSupplyRequested:
		return "SupplyRequested"
	case EventWithdrawRequested:
		return "WithdrawRequested"
	case EventBorrowRequested:
		return "BorrowRequested"
	case EventRepayRequested:
		return "RepayRequested"
	case EventPriceUpdate:
		return "PriceUpdate"
	case EventLiquidationRequested:
		return "LiquidationRequested"
	case EventBadDebtClean:
		return "BadDebtClean"
	case EventMarketSync:
		return "MarketSync"
	default:
		return "Unknown"
	}
}

// Event is the interface every inbound event implements. Asset returns the
// empty string for account-level events that span markets.
type Event interface {
	IdempotencyKey() string
	EventType() EventType
	Asset() string
	SourceSequence() int64
}

// EventEnvelope wraps one applied event for the persistent log. Sequence is
// the global log sequence assigned by the core; StateHash extends the hash
// chain over the post-apply state digest.
type EventEnvelope struct {
	Sequence       int64
	IdempotencyKey string
	EventType      EventType
	Asset          *string
	Timestamp      time.Time
	SourceSequence int64
	Payload        Event
	StateHash      [32]byte
	PrevHash       [32]byte
}
