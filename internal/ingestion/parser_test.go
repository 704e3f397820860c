package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/event"
)

func raw(data string) RawEvent {
	return RawEvent{Subject: "test", Data: []byte(data)}
}

func TestParseRawEvent_Supply(t *testing.T) {
	evt, err := ParseRawEvent(raw(`{
		"request_id": "req-1",
		"account_id": "11111111-1111-1111-1111-111111111111",
		"asset": "USDC",
		"amount": "2500.75",
		"sequence": 42,
		"timestamp": 1700000000
	}`), "SupplyRequested")
	require.NoError(t, err)

	supply, ok := evt.(*event.SupplyRequested)
	require.True(t, ok)
	assert.Equal(t, "req-1", supply.IdempotencyKey())
	assert.Equal(t, "USDC", supply.Asset())
	assert.Equal(t, "2500.75", supply.Amount.String())
	assert.EqualValues(t, 42, supply.SourceSequence())
	assert.EqualValues(t, 1700000000, supply.Timestamp)
}

func TestParseRawEvent_AllOperationKinds(t *testing.T) {
	body := `{
		"request_id": "req-2",
		"account_id": "22222222-2222-2222-2222-222222222222",
		"asset": "WETH",
		"amount": "1.5",
		"sequence": 7,
		"timestamp": 1700000001
	}`
	for _, tc := range []struct {
		eventType string
		want      event.EventType
	}{
		{"SupplyRequested", event.EventSupplyRequested},
		{"WithdrawRequested", event.EventWithdrawRequested},
		{"BorrowRequested", event.EventBorrowRequested},
		{"RepayRequested", event.EventRepayRequested},
	} {
		evt, err := ParseRawEvent(raw(body), tc.eventType)
		require.NoError(t, err, tc.eventType)
		assert.Equal(t, tc.want, evt.EventType(), tc.eventType)
	}
}

func TestParseRawEvent_PriceUpdate(t *testing.T) {
	evt, err := ParseRawEvent(raw(`{
		"update_id": "px-9",
		"asset": "WETH",
		"price": "1834.215",
		"sequence": 9001,
		"timestamp": 1700000002
	}`), "PriceUpdate")
	require.NoError(t, err)

	px, ok := evt.(*event.PriceUpdate)
	require.True(t, ok)
	assert.Equal(t, "WETH", px.Asset())
	assert.Equal(t, "1834.215", px.Quote.String())
}

func TestParseRawEvent_Liquidation(t *testing.T) {
	evt, err := ParseRawEvent(raw(`{
		"liquidation_id": "liq-3",
		"liquidator_id": "33333333-3333-3333-3333-333333333333",
		"account_id": "11111111-1111-1111-1111-111111111111",
		"repay_asset": "USDC",
		"payment": "7000",
		"sequence": 12,
		"timestamp": 1700000003
	}`), "LiquidationRequested")
	require.NoError(t, err)

	liq, ok := evt.(*event.LiquidationRequested)
	require.True(t, ok)
	assert.Equal(t, "USDC", liq.Asset())
	assert.Equal(t, "7000", liq.Payment.String())
	assert.NotEqual(t, liq.Liquidator, liq.Account)
}

func TestParseRawEvent_BadDebtCleanHasNoAsset(t *testing.T) {
	evt, err := ParseRawEvent(raw(`{
		"clean_id": "clean-1",
		"account_id": "11111111-1111-1111-1111-111111111111",
		"sequence": 13,
		"timestamp": 1700000004
	}`), "BadDebtClean")
	require.NoError(t, err)
	assert.Equal(t, "", evt.Asset())
}

func TestParseRawEvent_Errors(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		body      string
	}{
		{"unknown type", "FlashLoan", `{}`},
		{"malformed json", "SupplyRequested", `{`},
		{"bad account id", "SupplyRequested", `{"request_id":"r","account_id":"nope","asset":"USDC","amount":"1"}`},
		{"missing request id", "SupplyRequested", `{"account_id":"11111111-1111-1111-1111-111111111111","asset":"USDC","amount":"1"}`},
		{"missing asset", "BorrowRequested", `{"request_id":"r","account_id":"11111111-1111-1111-1111-111111111111","amount":"1"}`},
		{"missing asset on price", "PriceUpdate", `{"update_id":"p","price":"1"}`},
		{"bad liquidator", "LiquidationRequested", `{"liquidation_id":"l","liquidator_id":"x","account_id":"11111111-1111-1111-1111-111111111111","repay_asset":"USDC","payment":"1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRawEvent(raw(tc.body), tc.eventType)
			require.Error(t, err)
		})
	}
}
