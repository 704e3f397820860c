package event

// MarketSync forces a standalone accrual pass on one market. The keeper emits
// these periodically so indexes stay fresh even when a market sees no
// operations.
type MarketSync struct {
	Key       string
	AssetID   string
	Timestamp uint64
	Sequence  int64
}

func (e *MarketSync) IdempotencyKey() string { return e.Key }
func (e *MarketSync) EventType() EventType   { return EventMarketSync }
func (e *MarketSync) Asset() string          { return e.AssetID }
func (e *MarketSync) SourceSequence() int64  { return e.Sequence }
