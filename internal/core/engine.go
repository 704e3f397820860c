// Package core hosts the deterministic single-threaded pipeline: every
// inbound event is deduplicated, order-checked, applied to the in-memory
// lending state, journaled, folded into the hash chain, and handed to the
// persistence and projection workers.
package core

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"LendLedger/internal/event"
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/ledger"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/rates"
)

var (
	ErrDuplicateEvent  = errors.New("core: duplicate event")
	ErrUnknownAsset    = errors.New("core: asset not registered")
	ErrUnknownEvent    = errors.New("core: unknown event type")
	ErrNegativeAmount  = errors.New("core: amount must not be negative")
	ErrAssetRegistered = errors.New("core: asset already registered")
)

// AssetParams is the registration record for one market: its static
// configuration and the rate curve its accrual runs on.
type AssetParams struct {
	Config market.AssetConfig
	Curve  rates.CurveParams
}

// CoreOutput is what the pipeline emits per applied event: the hash-chained
// envelope and the balanced journal batch (nil for price updates).
type CoreOutput struct {
	Envelope event.EventEnvelope
	Batch    *ledger.Batch
}

// OperationCore owns all mutable lending state. It is strictly
// single-threaded: exactly one goroutine calls ProcessEvent, which is what
// makes the sequence, the hash chain, and replay deterministic.
type OperationCore struct {
	sequence  int64
	prevHash  [32]byte
	stateHash [32]byte

	store        *market.MemStore
	feed         *oracle.StaticFeed
	markets      *market.Engine
	liquidations *liquidation.Engine
	assets       map[string]AssetParams

	// now is the timestamp of the event being applied; the solvency guard
	// reads it through its clock closure.
	now uint64

	journals  *ledger.Generator
	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator

	idempotency *IdempotencyChecker
	sequences   *SequenceValidator

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewOperationCore(
	startSequence int64,
	persistChan chan<- CoreOutput,
	projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	lruCapacity int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *OperationCore {
	c := &OperationCore{
		sequence:       startSequence,
		prevHash:       GenesisHash(),
		stateHash:      GenesisHash(),
		store:          market.NewMemStore(),
		feed:           oracle.NewStaticFeed(),
		assets:         make(map[string]AssetParams),
		journals:       ledger.NewGenerator(),
		tracker:        ledger.NewBalanceTracker(),
		idempotency:    NewIdempotencyChecker(lruCapacity, dbChecker),
		sequences:      NewSequenceValidator(),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
		log:            log.With().Str("component", "core").Logger(),
	}
	c.validator = ledger.NewInvariantValidator(c.tracker)

	registry := func(asset string) (market.AssetConfig, error) {
		p, ok := c.assets[asset]
		if !ok {
			return market.AssetConfig{}, ErrUnknownAsset
		}
		return p.Config, nil
	}
	c.liquidations = liquidation.NewEngine(c.store, c.feed, registry, liquidation.DefaultParams(), log)

	guard := liquidation.NewGuard(c.liquidations, func() uint64 { return c.now })
	c.markets = market.NewEngine(c.store, guard, log)

	return c
}

// RegisterAsset creates the market for one asset and records its parameters.
// Must run before any event for the asset is processed.
func (c *OperationCore) RegisterAsset(params AssetParams) error {
	asset := params.Config.Asset
	if _, ok := c.assets[asset]; ok {
		return ErrAssetRegistered
	}
	if err := params.Curve.Validate(); err != nil {
		return err
	}
	if err := c.store.CreateMarket(market.NewMarketState(asset, params.Config.Decimals, params.Curve)); err != nil {
		return err
	}
	c.assets[asset] = params
	return nil
}

// Assets lists the registered assets, sorted.
func (c *OperationCore) Assets() []string {
	out := make([]string, 0, len(c.assets))
	for a := range c.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Store exposes the in-memory state for read-side snapshots.
func (c *OperationCore) Store() *market.MemStore { return c.store }

// Feed exposes the price feed for read-side valuation.
func (c *OperationCore) Feed() *oracle.StaticFeed { return c.feed }

// Liquidations exposes the solvency engine for read-side health queries.
func (c *OperationCore) Liquidations() *liquidation.Engine { return c.liquidations }

// GetSequence returns the last assigned global sequence.
func (c *OperationCore) GetSequence() int64 { return c.sequence }

// GetStateHash returns the head of the hash chain.
func (c *OperationCore) GetStateHash() [32]byte { return c.stateHash }

// WarmLRU preloads idempotency keys from a snapshot.
func (c *OperationCore) WarmLRU(keys []string) { c.idempotency.WarmFromKeys(keys) }

// ProcessEvent runs one event through the full pipeline. On success the
// output has been handed to the persist channel (blocking: if persistence
// falls behind, the core stalls rather than losing events) and offered to
// the projection channel (non-blocking: projections are rebuildable).
func (c *OperationCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	etype := evt.EventType().String()

	dup, tier, err := c.idempotency.IsDuplicate(etype, evt.IdempotencyKey())
	if err != nil {
		// Fail open on tier-2 errors: the durable log's unique index still
		// rejects a re-insert.
		c.log.Warn().Err(err).Str("key", evt.IdempotencyKey()).Msg("idempotency tier-2 lookup failed")
	}
	if dup {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(etype, tier).Inc()
		}
		return ErrDuplicateEvent
	}

	if err := c.validateSequence(evt); err != nil {
		c.reject(etype, "sequence", err)
		return err
	}

	seq := c.sequence + 1
	batch, asset, ts, err := c.apply(evt, seq)
	if err != nil {
		c.reject(etype, "apply", err)
		return err
	}

	if batch != nil {
		if err := c.validator.ValidateBatch(batch); err != nil {
			c.reject(etype, "ledger", err)
			return err
		}
		c.tracker.ApplyBatch(batch)
	}

	c.sequence = seq
	digest := c.computeStateDigest()
	hash := ComputeHash(c.prevHash, seq, digest)

	var assetPtr *string
	if asset != "" {
		a := asset
		assetPtr = &a
	}
	out := CoreOutput{
		Envelope: event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Asset:          assetPtr,
			Timestamp:      time.Unix(int64(ts), 0).UTC(),
			SourceSequence: evt.SourceSequence(),
			Payload:        evt,
			StateHash:      hash,
			PrevHash:       c.prevHash,
		},
		Batch: batch,
	}
	c.prevHash = hash
	c.stateHash = hash

	c.emit(out)
	c.idempotency.MarkProcessed(etype, evt.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(etype).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(etype).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(seq))
		if batch != nil {
			for i := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(batch.Journals[i].JournalType.String()).Inc()
			}
		}
	}
	return nil
}

func (c *OperationCore) validateSequence(evt event.Event) error {
	partition := evt.Asset()
	if partition == "" {
		partition = "global"
	}
	if _, ok := evt.(*event.PriceUpdate); ok {
		err := c.sequences.ValidatePrice(partition, evt.SourceSequence())
		if err != nil && c.metrics != nil {
			c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return err
	}
	err := c.sequences.ValidateOperation(partition, evt.SourceSequence())
	if err != nil && c.metrics != nil {
		if errors.Is(err, ErrSequenceGap) {
			c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		} else {
			c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
	}
	return err
}

// apply dispatches one event to the owning engine and journals the result.
// Returns the batch (nil when nothing moved), the affected asset (empty for
// account-level events), and the event timestamp.
func (c *OperationCore) apply(evt event.Event, seq int64) (*ledger.Batch, string, uint64, error) {
	switch e := evt.(type) {
	case *event.SupplyRequested:
		return c.applyOperation(e.AssetID, e.Amount, e.Timestamp, e.Key, seq,
			func(cfg market.AssetConfig, amt fp.Dec) (*market.Receipt, error) {
				return c.markets.Supply(e.Account.String(), cfg, amt, e.Timestamp)
			})

	case *event.WithdrawRequested:
		return c.applyOperation(e.AssetID, e.Amount, e.Timestamp, e.Key, seq,
			func(cfg market.AssetConfig, amt fp.Dec) (*market.Receipt, error) {
				return c.markets.Withdraw(e.Account.String(), cfg, amt, e.Timestamp)
			})

	case *event.BorrowRequested:
		return c.applyOperation(e.AssetID, e.Amount, e.Timestamp, e.Key, seq,
			func(cfg market.AssetConfig, amt fp.Dec) (*market.Receipt, error) {
				return c.markets.Borrow(e.Account.String(), cfg, amt, e.Timestamp)
			})

	case *event.RepayRequested:
		return c.applyOperation(e.AssetID, e.Amount, e.Timestamp, e.Key, seq,
			func(cfg market.AssetConfig, amt fp.Dec) (*market.Receipt, error) {
				return c.markets.Repay(e.Account.String(), cfg, amt, e.Timestamp)
			})

	case *event.PriceUpdate:
		if _, ok := c.assets[e.AssetID]; !ok {
			return nil, "", 0, ErrUnknownAsset
		}
		if err := c.feed.Set(e.AssetID, e.Quote); err != nil {
			return nil, "", 0, err
		}
		return nil, e.AssetID, e.Timestamp, nil

	case *event.MarketSync:
		if _, ok := c.assets[e.AssetID]; !ok {
			return nil, "", 0, ErrUnknownAsset
		}
		c.now = e.Timestamp
		res, err := c.markets.Sync(e.AssetID, e.Timestamp)
		if err != nil {
			return nil, "", 0, err
		}
		batch := c.journals.SyncBatch(e.AssetID, res, e.Key, seq, micros(e.Timestamp))
		return batch, e.AssetID, e.Timestamp, nil

	case *event.LiquidationRequested:
		params, ok := c.assets[e.RepayAsset]
		if !ok {
			return nil, "", 0, ErrUnknownAsset
		}
		payment, err := toFixed(e.Payment, params.Config.Decimals)
		if err != nil {
			return nil, "", 0, err
		}
		c.now = e.Timestamp
		payments := []liquidation.Payment{{Asset: e.RepayAsset, Amount: payment}}
		rcpt, err := c.liquidations.Execute(e.Liquidator.String(), e.Account.String(), payments, e.Timestamp)
		if err != nil {
			return nil, "", 0, err
		}
		batch := c.journals.LiquidationBatch(rcpt, e.Key, seq, micros(e.Timestamp))
		return batch, e.RepayAsset, e.Timestamp, nil

	case *event.BadDebtClean:
		c.now = e.Timestamp
		rcpt, err := c.liquidations.CleanBadDebt(e.Account.String(), e.Timestamp)
		if err != nil {
			return nil, "", 0, err
		}
		batch := c.journals.CleanBatch(rcpt, e.Key, seq, micros(e.Timestamp))
		return batch, "", e.Timestamp, nil

	default:
		return nil, "", 0, fmt.Errorf("%w: %T", ErrUnknownEvent, evt)
	}
}

func (c *OperationCore) applyOperation(
	asset string,
	amount decimal.Decimal,
	ts uint64,
	key string,
	seq int64,
	op func(market.AssetConfig, fp.Dec) (*market.Receipt, error),
) (*ledger.Batch, string, uint64, error) {
	params, ok := c.assets[asset]
	if !ok {
		return nil, "", 0, ErrUnknownAsset
	}
	amt, err := toFixed(amount, params.Config.Decimals)
	if err != nil {
		return nil, "", 0, err
	}
	c.now = ts
	rcpt, err := op(params.Config, amt)
	if err != nil {
		return nil, "", 0, err
	}
	batch, err := c.journals.OperationBatch(rcpt, key, seq, micros(ts))
	if err != nil {
		return nil, "", 0, err
	}
	return batch, asset, ts, nil
}

// toFixed converts a wire decimal to the asset's native scale, rounding
// half-up at the last digit.
func toFixed(d decimal.Decimal, decimals uint32) (fp.Dec, error) {
	if d.Sign() < 0 {
		return fp.Dec{}, ErrNegativeAmount
	}
	raw := d.Shift(int32(decimals)).Round(0).BigInt()
	return fp.New(raw, decimals), nil
}

func micros(ts uint64) int64 { return int64(ts) * 1_000_000 }

// emit hands the output downstream: blocking on persistence, best-effort on
// projections.
func (c *OperationCore) emit(out CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- out
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *OperationCore) reject(etype, reason string, err error) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(etype, reason).Inc()
	}
	c.log.Debug().Err(err).Str("event_type", etype).Str("reason", reason).Msg("event rejected")
}

// computeStateDigest serializes the full deterministic state: every market's
// aggregates and indexes in asset order, then every ledger balance in
// account-path order. Two cores that applied the same events produce the
// same digest.
func (c *OperationCore) computeStateDigest() []byte {
	var buf bytes.Buffer

	assets := c.store.Assets()
	sort.Strings(assets)
	for _, asset := range assets {
		m, err := c.store.GetMarket(asset)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "m|%s|%s|%s|%s|%s|%s|%s|%s|%d\n",
			m.Asset,
			m.Supplied.Raw(), m.Borrowed.Raw(), m.Reserves.Raw(),
			m.Revenue.Raw(), m.BadDebt.Raw(),
			m.BorrowIndex.Raw(), m.SupplyIndex.Raw(),
			m.LastTimestamp,
		)
	}

	for _, entry := range c.tracker.Entries() {
		fmt.Fprintf(&buf, "b|%s|%s\n", entry.Key.AccountPath(), entry.Balance.Raw())
	}

	return buf.Bytes()
}
