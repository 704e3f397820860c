package event

import "github.com/shopspring/decimal"

// PriceUpdate carries one oracle quote for an asset in the quote currency.
// Price sequences are per-asset and gap-tolerant: the upstream oracle samples
// a continuous stream, so only stale quotes are rejected.
type PriceUpdate struct {
	Key       string
	AssetID   string
	Quote     decimal.Decimal
	Timestamp uint64
	Sequence  int64
}

func (e *PriceUpdate) IdempotencyKey() string { return e.Key }
func (e *PriceUpdate) EventType() EventType   { return EventPriceUpdate }
func (e *PriceUpdate) Asset() string          { return e.AssetID }
func (e *PriceUpdate) SourceSequence() int64  { return e.Sequence }
