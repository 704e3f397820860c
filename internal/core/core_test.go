package core

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/event"
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/ledger"
	"LendLedger/internal/market"
	"LendLedger/internal/rates"
)

const baseTS uint64 = 1_700_000_000

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	carol = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func rayFrac(num, den int64) fp.Dec {
	return fp.DivHalfUp(fp.FromUnits(num, fp.Ray), fp.FromUnits(den, fp.Ray), fp.Ray)
}

func testCurve(decimals uint32) rates.CurveParams {
	return rates.CurveParams{
		BaseRate:           rayFrac(1, 100),
		Slope1:             rayFrac(5, 100),
		Slope2:             rayFrac(20, 100),
		Slope3:             fp.One(fp.Ray),
		MidUtilization:     rayFrac(50, 100),
		OptimalUtilization: rayFrac(80, 100),
		MaxRate:            fp.FromUnits(3, fp.Ray),
		ReserveFactor:      rayFrac(10, 100),
		AssetDecimals:      decimals,
	}
}

func testParams(asset string, decimals uint32) AssetParams {
	return AssetParams{
		Config: market.AssetConfig{
			Asset:                asset,
			Decimals:             decimals,
			LTV:                  fp.NewFromInt64(8_000, fp.Bps),
			LiquidationThreshold: fp.NewFromInt64(8_500, fp.Bps),
			LiquidationBonus:     fp.NewFromInt64(500, fp.Bps),
			LiquidationFee:       fp.NewFromInt64(1_000, fp.Bps),
			BorrowCap:            fp.Zero(decimals),
			SupplyCap:            fp.Zero(decimals),
		},
		Curve: testCurve(decimals),
	}
}

type harness struct {
	core    *OperationCore
	persist chan CoreOutput
	proj    chan CoreOutput

	// per-partition source sequence counters
	opSeq    map[string]int64
	priceSeq map[string]int64
	keyN     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	persist := make(chan CoreOutput, 128)
	proj := make(chan CoreOutput, 128)
	c := NewOperationCore(0, persist, proj, nil, 64, nil, zerolog.Nop())
	require.NoError(t, c.RegisterAsset(testParams("USDC", 6)))
	require.NoError(t, c.RegisterAsset(testParams("WETH", 18)))
	return &harness{
		core:     c,
		persist:  persist,
		proj:     proj,
		opSeq:    make(map[string]int64),
		priceSeq: make(map[string]int64),
	}
}

func (h *harness) key() string {
	h.keyN++
	return fmt.Sprintf("evt-%04d", h.keyN)
}

func (h *harness) nextOp(partition string) int64 {
	h.opSeq[partition]++
	return h.opSeq[partition]
}

func (h *harness) nextPrice(asset string) int64 {
	h.priceSeq[asset]++
	return h.priceSeq[asset]
}

func (h *harness) price(t *testing.T, asset, quote string, ts uint64) {
	t.Helper()
	d, err := decimal.NewFromString(quote)
	require.NoError(t, err)
	require.NoError(t, h.core.ProcessEvent(&event.PriceUpdate{
		Key: h.key(), AssetID: asset, Quote: d, Timestamp: ts, Sequence: h.nextPrice(asset),
	}))
}

func (h *harness) supply(t *testing.T, account uuid.UUID, asset string, amount int64, ts uint64) {
	t.Helper()
	require.NoError(t, h.core.ProcessEvent(&event.SupplyRequested{
		Key: h.key(), Account: account, AssetID: asset,
		Amount: decimal.NewFromInt(amount), Timestamp: ts, Sequence: h.nextOp(asset),
	}))
}

func (h *harness) borrow(t *testing.T, account uuid.UUID, asset string, amount int64, ts uint64) {
	t.Helper()
	require.NoError(t, h.core.ProcessEvent(&event.BorrowRequested{
		Key: h.key(), Account: account, AssetID: asset,
		Amount: decimal.NewFromInt(amount), Timestamp: ts, Sequence: h.nextOp(asset),
	}))
}

// drain empties the persist channel.
func (h *harness) drain() []CoreOutput {
	var out []CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

// seedLendingBook funds the USDC pool, posts alice's WETH collateral, and
// draws her close to the LTV limit: 10 WETH at $1,800 backs a 14,000 USDC
// loan against a 14,400 cap.
func seedLendingBook(t *testing.T, h *harness) {
	t.Helper()
	h.price(t, "USDC", "1", baseTS)
	h.price(t, "WETH", "1800", baseTS)
	h.supply(t, bob, "USDC", 100_000, baseTS+1)
	h.supply(t, alice, "WETH", 10, baseTS+2)
	h.borrow(t, alice, "USDC", 14_000, baseTS+3)
}

func TestProcessEvent_SupplyBorrowFlow(t *testing.T) {
	h := newHarness(t)
	seedLendingBook(t, h)

	require.EqualValues(t, 5, h.core.GetSequence())

	usdc, err := h.core.Store().GetMarket("USDC")
	require.NoError(t, err)
	assert.Equal(t, "100000000000", usdc.Supplied.Raw().String())
	assert.Equal(t, "14000000000", usdc.Borrowed.Raw().String())

	for _, asset := range []string{"USDC", "WETH"} {
		assert.True(t, h.core.tracker.GlobalSum(asset).IsZero(), "ledger drift in %s", asset)
	}

	outs := h.drain()
	require.Len(t, outs, 5)

	prev := GenesisHash()
	for i, o := range outs {
		assert.EqualValues(t, i+1, o.Envelope.Sequence)
		assert.Equal(t, prev, o.Envelope.PrevHash, "broken chain at sequence %d", o.Envelope.Sequence)
		prev = o.Envelope.StateHash
	}
	assert.Equal(t, prev, h.core.GetStateHash())

	// Price updates move no money; balance operations do.
	assert.Nil(t, outs[0].Batch)
	assert.Nil(t, outs[1].Batch)
	require.NotNil(t, outs[4].Batch)
	assert.Equal(t, ledger.JournalBorrow, outs[4].Batch.Journals[0].JournalType)
}

func TestProcessEvent_DuplicateRejected(t *testing.T) {
	h := newHarness(t)
	h.price(t, "USDC", "1", baseTS)

	evt := &event.SupplyRequested{
		Key: "dup-key", Account: bob, AssetID: "USDC",
		Amount: decimal.NewFromInt(500), Timestamp: baseTS + 1, Sequence: h.nextOp("USDC"),
	}
	require.NoError(t, h.core.ProcessEvent(evt))
	seq := h.core.GetSequence()
	hash := h.core.GetStateHash()

	err := h.core.ProcessEvent(evt)
	require.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, seq, h.core.GetSequence())
	assert.Equal(t, hash, h.core.GetStateHash())
}

func TestProcessEvent_SequenceDiscipline(t *testing.T) {
	h := newHarness(t)
	h.price(t, "USDC", "1", baseTS)
	h.supply(t, bob, "USDC", 1_000, baseTS+1) // baseline: USDC expects seq 2 next

	gap := &event.SupplyRequested{
		Key: h.key(), Account: bob, AssetID: "USDC",
		Amount: decimal.NewFromInt(1), Timestamp: baseTS + 2, Sequence: 5,
	}
	require.ErrorIs(t, h.core.ProcessEvent(gap), ErrSequenceGap)

	stale := &event.SupplyRequested{
		Key: h.key(), Account: bob, AssetID: "USDC",
		Amount: decimal.NewFromInt(1), Timestamp: baseTS + 2, Sequence: 1,
	}
	require.ErrorIs(t, h.core.ProcessEvent(stale), ErrStaleSequence)

	// Prices tolerate gaps but never replays.
	require.NoError(t, h.core.ProcessEvent(&event.PriceUpdate{
		Key: h.key(), AssetID: "USDC", Quote: decimal.NewFromInt(1), Timestamp: baseTS + 3, Sequence: 10,
	}))
	require.ErrorIs(t, h.core.ProcessEvent(&event.PriceUpdate{
		Key: h.key(), AssetID: "USDC", Quote: decimal.NewFromInt(1), Timestamp: baseTS + 4, Sequence: 10,
	}), ErrStaleSequence)
}

func TestProcessEvent_RejectsUnknownAssetAndNegativeAmount(t *testing.T) {
	h := newHarness(t)

	err := h.core.ProcessEvent(&event.SupplyRequested{
		Key: h.key(), Account: bob, AssetID: "DOGE",
		Amount: decimal.NewFromInt(1), Timestamp: baseTS, Sequence: 1,
	})
	require.ErrorIs(t, err, ErrUnknownAsset)

	err = h.core.ProcessEvent(&event.SupplyRequested{
		Key: h.key(), Account: bob, AssetID: "USDC",
		Amount: decimal.NewFromInt(-5), Timestamp: baseTS, Sequence: h.nextOp("USDC"),
	})
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestProcessEvent_MarketSyncAccruesInterest(t *testing.T) {
	h := newHarness(t)
	seedLendingBook(t, h)
	h.drain()

	require.NoError(t, h.core.ProcessEvent(&event.MarketSync{
		Key: h.key(), AssetID: "USDC", Timestamp: baseTS + 86_400, Sequence: h.nextOp("USDC"),
	}))

	usdc, err := h.core.Store().GetMarket("USDC")
	require.NoError(t, err)
	assert.Equal(t, 1, usdc.BorrowIndex.Cmp(fp.One(fp.Ray)), "borrow index did not advance")
	assert.Equal(t, baseTS+86_400, usdc.LastTimestamp)

	outs := h.drain()
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].Batch)
	assert.Equal(t, ledger.JournalInterestAccrual, outs[0].Batch.Journals[0].JournalType)
	assert.True(t, h.core.tracker.GlobalSum("USDC").IsZero())
}

func TestProcessEvent_LiquidationFlow(t *testing.T) {
	h := newHarness(t)
	seedLendingBook(t, h)

	// Collateral drops: 10 WETH at $1,500 weighted at 85% is 12,750 against
	// 14,000 of debt, HF ≈ 0.91.
	h.price(t, "WETH", "1500", baseTS+10)

	hf, err := h.core.liquidations.AccountHealth(alice.String(), baseTS+10)
	require.NoError(t, err)
	require.Equal(t, -1, hf.Cmp(fp.One(fp.Ray)), "account should be liquidatable")

	h.drain()
	require.NoError(t, h.core.ProcessEvent(&event.LiquidationRequested{
		Key: h.key(), Liquidator: carol, Account: alice, RepayAsset: "USDC",
		Payment: decimal.NewFromInt(7_000), Timestamp: baseTS + 11, Sequence: h.nextOp("USDC"),
	}))

	after, err := h.core.liquidations.AccountHealth(alice.String(), baseTS+11)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Cmp(hf), "health factor should improve")

	outs := h.drain()
	require.Len(t, outs, 1)
	require.NotNil(t, outs[0].Batch)

	kinds := make(map[ledger.JournalType]int)
	for _, j := range outs[0].Batch.Journals {
		kinds[j.JournalType]++
	}
	assert.Positive(t, kinds[ledger.JournalRepay], "debt pay-down leg missing")
	assert.Positive(t, kinds[ledger.JournalSeizure], "collateral seizure leg missing")

	for _, asset := range []string{"USDC", "WETH"} {
		assert.True(t, h.core.tracker.GlobalSum(asset).IsZero(), "ledger drift in %s", asset)
	}
}

func TestSnapshotRestore_ReproducesState(t *testing.T) {
	h := newHarness(t)
	seedLendingBook(t, h)
	require.NoError(t, h.core.ProcessEvent(&event.MarketSync{
		Key: h.key(), AssetID: "USDC", Timestamp: baseTS + 3_600, Sequence: h.nextOp("USDC"),
	}))

	snap, err := h.core.CreateSnapshotState()
	require.NoError(t, err)
	require.Equal(t, h.core.GetSequence(), snap.Sequence)

	h2 := newHarness(t)
	require.NoError(t, h2.core.RestoreFromSnapshot(snap))

	assert.Equal(t, h.core.GetSequence(), h2.core.GetSequence())
	assert.Equal(t, h.core.GetStateHash(), h2.core.GetStateHash())
	assert.True(t, bytes.Equal(h.core.computeStateDigest(), h2.core.computeStateDigest()),
		"restored digest diverges")

	// Replayed keys are still deduplicated.
	err = h2.core.ProcessEvent(&event.SupplyRequested{
		Key: "evt-0003", Account: bob, AssetID: "USDC",
		Amount: decimal.NewFromInt(100_000), Timestamp: baseTS + 1, Sequence: 1,
	})
	require.ErrorIs(t, err, ErrDuplicateEvent)

	// Both cores chain the same next event to the same head.
	next := func(c *OperationCore) [32]byte {
		evt := &event.MarketSync{Key: "post-restore", AssetID: "WETH", Timestamp: baseTS + 7_200, Sequence: 2}
		require.NoError(t, c.ProcessEvent(evt))
		return c.GetStateHash()
	}
	require.Equal(t, next(h.core), next(h2.core))
}

func TestIdempotencyChecker_TwoTiers(t *testing.T) {
	db := &stubChecker{known: map[string]bool{"supply_requested|old": true}}
	c := NewIdempotencyChecker(2, db)

	dup, tier, err := c.IsDuplicate("supply_requested", "old")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "db", tier)

	// Promoted into the LRU by the first hit.
	dup, tier, err = c.IsDuplicate("supply_requested", "old")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "lru", tier)

	dup, _, err = c.IsDuplicate("supply_requested", "fresh")
	require.NoError(t, err)
	assert.False(t, dup)

	c.MarkProcessed("supply_requested", "fresh")
	c.MarkProcessed("supply_requested", "newer")
	assert.Equal(t, 2, c.Len())
	assert.EqualValues(t, 1, c.Evictions())

	// The same key under a different event type is a distinct entry.
	dup, _, err = c.IsDuplicate("borrow_requested", "fresh")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIdempotencyChecker_FailsOpenOnDBError(t *testing.T) {
	c := NewIdempotencyChecker(4, &stubChecker{err: errors.New("connection refused")})
	dup, _, err := c.IsDuplicate("supply_requested", "k")
	require.Error(t, err)
	assert.False(t, dup)
}

type stubChecker struct {
	known map[string]bool
	err   error
}

func (s *stubChecker) IsDuplicate(eventType, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.known[compositeKey(eventType, key)], nil
}

func TestSequenceValidator_SnapshotRoundTrip(t *testing.T) {
	v := NewSequenceValidator()
	require.NoError(t, v.ValidateOperation("USDC", 7))
	require.NoError(t, v.ValidateOperation("USDC", 8))
	require.NoError(t, v.ValidatePrice("WETH", 42))

	restored := NewSequenceValidator()
	restored.Restore(v.Snapshot())

	require.ErrorIs(t, restored.ValidateOperation("USDC", 8), ErrStaleSequence)
	require.NoError(t, restored.ValidateOperation("USDC", 9))
	require.ErrorIs(t, restored.ValidatePrice("WETH", 42), ErrStaleSequence)
	require.NoError(t, restored.ValidatePrice("WETH", 50))
}
