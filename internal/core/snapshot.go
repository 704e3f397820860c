package core

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
)

// MarketSnapshot captures one market's aggregates with every fixed-point
// field serialized as its raw integer string. Totals are at the asset's
// native decimals, indexes at RAY.
type MarketSnapshot struct {
	Asset         string `json:"asset"`
	Decimals      uint32 `json:"decimals"`
	Supplied      string `json:"supplied"`
	Borrowed      string `json:"borrowed"`
	Reserves      string `json:"reserves"`
	Revenue       string `json:"revenue"`
	BadDebt       string `json:"bad_debt"`
	BorrowIndex   string `json:"borrow_index"`
	SupplyIndex   string `json:"supply_index"`
	LastTimestamp uint64 `json:"last_timestamp"`
}

// PositionSnapshot captures one open position, risk parameters included,
// since risk is frozen at entry and cannot be rebuilt from the registry.
type PositionSnapshot struct {
	ID              string `json:"id"`
	Account         string `json:"account"`
	Asset           string `json:"asset"`
	Side            int32  `json:"side"`
	Principal       string `json:"principal"`
	AccruedInterest string `json:"accrued_interest"`
	SnapshotIndex   string `json:"snapshot_index"`

	LTV                  string `json:"ltv"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationBonus     string `json:"liquidation_bonus"`
	LiquidationFee       string `json:"liquidation_fee"`
}

// SnapshotState is the full deterministic core state at one sequence. A core
// restored from it and replayed from Sequence+1 reproduces the hash chain.
type SnapshotState struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	PrevHash  string `json:"prev_hash"`

	Markets   []MarketSnapshot   `json:"markets"`
	Positions []PositionSnapshot `json:"positions"`

	// Prices maps asset to the raw RAY price string.
	Prices map[string]string `json:"prices"`

	// Balances maps ledger account path to raw balance string.
	Balances map[string]string `json:"balances"`

	// SequenceState is the source-sequence validator export.
	SequenceState map[string]int64 `json:"sequence_state"`

	// IdempotencyKeys are the resident LRU composite keys, oldest first.
	IdempotencyKeys []string `json:"idempotency_keys"`
}

// CreateSnapshotState exports the core's state. Must be called from the
// processing goroutine between events.
func (c *OperationCore) CreateSnapshotState() (*SnapshotState, error) {
	snap := &SnapshotState{
		Sequence:        c.sequence,
		StateHash:       hex.EncodeToString(c.stateHash[:]),
		PrevHash:        hex.EncodeToString(c.prevHash[:]),
		Prices:          make(map[string]string),
		Balances:        c.tracker.Snapshot(),
		SequenceState:   c.sequences.Snapshot(),
		IdempotencyKeys: c.idempotency.Keys(),
	}

	assets := c.store.Assets()
	sort.Strings(assets)
	for _, asset := range assets {
		m, err := c.store.GetMarket(asset)
		if err != nil {
			return nil, fmt.Errorf("core: snapshot market %s: %w", asset, err)
		}
		snap.Markets = append(snap.Markets, MarketSnapshot{
			Asset:         m.Asset,
			Decimals:      m.AssetDecimals,
			Supplied:      m.Supplied.Raw().String(),
			Borrowed:      m.Borrowed.Raw().String(),
			Reserves:      m.Reserves.Raw().String(),
			Revenue:       m.Revenue.Raw().String(),
			BadDebt:       m.BadDebt.Raw().String(),
			BorrowIndex:   m.BorrowIndex.Raw().String(),
			SupplyIndex:   m.SupplyIndex.Raw().String(),
			LastTimestamp: m.LastTimestamp,
		})
	}

	positions := c.store.Positions()
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Side < b.Side
	})
	for _, p := range positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID:                   p.ID.String(),
			Account:              p.Account,
			Asset:                p.Asset,
			Side:                 int32(p.Side),
			Principal:            p.Principal.Raw().String(),
			AccruedInterest:      p.AccruedInterest.Raw().String(),
			SnapshotIndex:        p.SnapshotIndex.Raw().String(),
			LTV:                  p.Risk.LTV.Raw().String(),
			LiquidationThreshold: p.Risk.LiquidationThreshold.Raw().String(),
			LiquidationBonus:     p.Risk.LiquidationBonus.Raw().String(),
			LiquidationFee:       p.Risk.LiquidationFee.Raw().String(),
		})
	}

	for asset, price := range c.feed.Snapshot() {
		snap.Prices[asset] = price.Raw().String()
	}

	return snap, nil
}

// RestoreFromSnapshot rebuilds the core from an exported state. Every asset
// present in the snapshot must already be registered, since the rate curve
// lives in the registration record, not the snapshot.
func (c *OperationCore) RestoreFromSnapshot(snap *SnapshotState) error {
	stateHash, err := parseHash(snap.StateHash)
	if err != nil {
		return fmt.Errorf("core: restore state hash: %w", err)
	}
	if _, err := parseHash(snap.PrevHash); err != nil {
		return fmt.Errorf("core: restore prev hash: %w", err)
	}

	for _, ms := range snap.Markets {
		params, ok := c.assets[ms.Asset]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, ms.Asset)
		}
		m := market.NewMarketState(ms.Asset, ms.Decimals, params.Curve)
		if m.Supplied, err = fp.ParseRaw(ms.Supplied, ms.Decimals); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.Borrowed, err = fp.ParseRaw(ms.Borrowed, ms.Decimals); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.Reserves, err = fp.ParseRaw(ms.Reserves, ms.Decimals); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.Revenue, err = fp.ParseRaw(ms.Revenue, ms.Decimals); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.BadDebt, err = fp.ParseRaw(ms.BadDebt, ms.Decimals); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.BorrowIndex, err = fp.ParseRaw(ms.BorrowIndex, fp.Ray); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		if m.SupplyIndex, err = fp.ParseRaw(ms.SupplyIndex, fp.Ray); err != nil {
			return fmt.Errorf("core: restore market %s: %w", ms.Asset, err)
		}
		m.LastTimestamp = ms.LastTimestamp
		if err := c.store.PutMarket(m); err != nil {
			return err
		}
	}

	for _, ps := range snap.Positions {
		params, ok := c.assets[ps.Asset]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, ps.Asset)
		}
		id, err := uuid.Parse(ps.ID)
		if err != nil {
			return fmt.Errorf("core: restore position id %q: %w", ps.ID, err)
		}
		p := &market.Position{
			ID:      id,
			Account: ps.Account,
			Asset:   ps.Asset,
			Side:    market.Side(ps.Side),
		}
		decimals := params.Config.Decimals
		if p.Principal, err = fp.ParseRaw(ps.Principal, decimals); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.AccruedInterest, err = fp.ParseRaw(ps.AccruedInterest, decimals); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.SnapshotIndex, err = fp.ParseRaw(ps.SnapshotIndex, fp.Ray); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.Risk.LTV, err = fp.ParseRaw(ps.LTV, fp.Bps); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.Risk.LiquidationThreshold, err = fp.ParseRaw(ps.LiquidationThreshold, fp.Bps); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.Risk.LiquidationBonus, err = fp.ParseRaw(ps.LiquidationBonus, fp.Bps); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if p.Risk.LiquidationFee, err = fp.ParseRaw(ps.LiquidationFee, fp.Bps); err != nil {
			return fmt.Errorf("core: restore position %s/%s: %w", ps.Account, ps.Asset, err)
		}
		if err := c.store.PutPosition(p); err != nil {
			return err
		}
	}

	for asset, raw := range snap.Prices {
		price, err := fp.ParseRaw(raw, fp.Ray)
		if err != nil {
			return fmt.Errorf("core: restore price %s: %w", asset, err)
		}
		if err := c.feed.SetRay(asset, price); err != nil {
			return fmt.Errorf("core: restore price %s: %w", asset, err)
		}
	}

	decimals := make(map[string]uint32, len(c.assets))
	for asset, params := range c.assets {
		decimals[asset] = params.Config.Decimals
	}
	if err := c.tracker.Restore(snap.Balances, decimals); err != nil {
		return fmt.Errorf("core: restore balances: %w", err)
	}

	c.sequences.Restore(snap.SequenceState)
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence
	// The next event chains off the restored head.
	c.stateHash = stateHash
	c.prevHash = stateHash

	return nil
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}
