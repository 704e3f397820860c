package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"LendLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The ingestion shell validates, parses, and converts raw
// events before sending them to the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "SupplyRequested":
		j, err := parseOperation(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.SupplyRequested{
			Key: j.key, Account: j.account, AssetID: j.asset,
			Amount: j.amount, Timestamp: j.timestamp, Sequence: j.sequence,
		}, nil
	case "WithdrawRequested":
		j, err := parseOperation(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.WithdrawRequested{
			Key: j.key, Account: j.account, AssetID: j.asset,
			Amount: j.amount, Timestamp: j.timestamp, Sequence: j.sequence,
		}, nil
	case "BorrowRequested":
		j, err := parseOperation(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.BorrowRequested{
			Key: j.key, Account: j.account, AssetID: j.asset,
			Amount: j.amount, Timestamp: j.timestamp, Sequence: j.sequence,
		}, nil
	case "RepayRequested":
		j, err := parseOperation(raw.Data, eventType)
		if err != nil {
			return nil, err
		}
		return &event.RepayRequested{
			Key: j.key, Account: j.account, AssetID: j.asset,
			Amount: j.amount, Timestamp: j.timestamp, Sequence: j.sequence,
		}, nil
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "MarketSync":
		return parseMarketSync(raw.Data)
	case "LiquidationRequested":
		return parseLiquidationRequested(raw.Data)
	case "BadDebtClean":
		return parseBadDebtClean(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS. Field names
// use snake_case to match upstream producers; amounts are decimal strings so
// no producer ever has to know an asset's native scale.

type operationJSON struct {
	RequestID string          `json:"request_id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Sequence  int64           `json:"sequence"`
	Timestamp uint64          `json:"timestamp"`
}

type parsedOperation struct {
	key       string
	account   uuid.UUID
	asset     string
	amount    decimal.Decimal
	timestamp uint64
	sequence  int64
}

func parseOperation(data []byte, eventType string) (*parsedOperation, error) {
	var j operationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", eventType, err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("parse %s: missing request_id", eventType)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse %s: missing asset", eventType)
	}
	return &parsedOperation{
		key:       j.RequestID,
		account:   account,
		asset:     j.Asset,
		amount:    j.Amount,
		timestamp: j.Timestamp,
		sequence:  j.Sequence,
	}, nil
}

type priceUpdateJSON struct {
	UpdateID  string          `json:"update_id"`
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Sequence  int64           `json:"sequence"`
	Timestamp uint64          `json:"timestamp"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse PriceUpdate: missing asset")
	}
	return &event.PriceUpdate{
		Key:       j.UpdateID,
		AssetID:   j.Asset,
		Quote:     j.Price,
		Timestamp: j.Timestamp,
		Sequence:  j.Sequence,
	}, nil
}

type marketSyncJSON struct {
	SyncID    string `json:"sync_id"`
	Asset     string `json:"asset"`
	Sequence  int64  `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
}

func parseMarketSync(data []byte) (*event.MarketSync, error) {
	var j marketSyncJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketSync: %w", err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("parse MarketSync: missing asset")
	}
	return &event.MarketSync{
		Key:       j.SyncID,
		AssetID:   j.Asset,
		Timestamp: j.Timestamp,
		Sequence:  j.Sequence,
	}, nil
}

type liquidationJSON struct {
	LiquidationID string          `json:"liquidation_id"`
	LiquidatorID  string          `json:"liquidator_id"`
	AccountID     string          `json:"account_id"`
	RepayAsset    string          `json:"repay_asset"`
	Payment       decimal.Decimal `json:"payment"`
	Sequence      int64           `json:"sequence"`
	Timestamp     uint64          `json:"timestamp"`
}

func parseLiquidationRequested(data []byte) (*event.LiquidationRequested, error) {
	var j liquidationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationRequested: %w", err)
	}
	liquidator, err := uuid.Parse(j.LiquidatorID)
	if err != nil {
		return nil, fmt.Errorf("parse liquidator_id: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	if j.RepayAsset == "" {
		return nil, fmt.Errorf("parse LiquidationRequested: missing repay_asset")
	}
	return &event.LiquidationRequested{
		Key:        j.LiquidationID,
		Liquidator: liquidator,
		Account:    account,
		RepayAsset: j.RepayAsset,
		Payment:    j.Payment,
		Timestamp:  j.Timestamp,
		Sequence:   j.Sequence,
	}, nil
}

// MarshalWireEvent serializes a typed event back into its wire JSON, the
// exact inverse of ParseRawEvent. The event log stores this form so replay
// runs through the same parse path as live ingestion.
func MarshalWireEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.SupplyRequested:
		return marshalOperation(e.Key, e.Account, e.AssetID, e.Amount, e.Sequence, e.Timestamp)
	case *event.WithdrawRequested:
		return marshalOperation(e.Key, e.Account, e.AssetID, e.Amount, e.Sequence, e.Timestamp)
	case *event.BorrowRequested:
		return marshalOperation(e.Key, e.Account, e.AssetID, e.Amount, e.Sequence, e.Timestamp)
	case *event.RepayRequested:
		return marshalOperation(e.Key, e.Account, e.AssetID, e.Amount, e.Sequence, e.Timestamp)
	case *event.PriceUpdate:
		return json.Marshal(priceUpdateJSON{
			UpdateID: e.Key, Asset: e.AssetID, Price: e.Quote,
			Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	case *event.MarketSync:
		return json.Marshal(marketSyncJSON{
			SyncID: e.Key, Asset: e.AssetID, Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	case *event.LiquidationRequested:
		return json.Marshal(liquidationJSON{
			LiquidationID: e.Key, LiquidatorID: e.Liquidator.String(),
			AccountID: e.Account.String(), RepayAsset: e.RepayAsset,
			Payment: e.Payment, Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	case *event.BadDebtClean:
		return json.Marshal(badDebtCleanJSON{
			CleanID: e.Key, AccountID: e.Account.String(),
			Sequence: e.Sequence, Timestamp: e.Timestamp,
		})
	default:
		return nil, fmt.Errorf("marshal: unknown event type %T", evt)
	}
}

func marshalOperation(key string, account uuid.UUID, asset string, amount decimal.Decimal, seq int64, ts uint64) ([]byte, error) {
	return json.Marshal(operationJSON{
		RequestID: key, AccountID: account.String(), Asset: asset,
		Amount: amount, Sequence: seq, Timestamp: ts,
	})
}

type badDebtCleanJSON struct {
	CleanID   string `json:"clean_id"`
	AccountID string `json:"account_id"`
	Sequence  int64  `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`
}

func parseBadDebtClean(data []byte) (*event.BadDebtClean, error) {
	var j badDebtCleanJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BadDebtClean: %w", err)
	}
	account, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}
	return &event.BadDebtClean{
		Key:       j.CleanID,
		Account:   account,
		Timestamp: j.Timestamp,
		Sequence:  j.Sequence,
	}, nil
}
