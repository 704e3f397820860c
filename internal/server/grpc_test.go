package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/stretchr/testify/require"

	"LendLedger/internal/event"
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/market"
)

func newTestMux(t *testing.T, deps *ServerDeps) *runtime.ServeMux {
	t.Helper()
	s := &APIServer{deps: deps}
	mux := runtime.NewServeMux()
	require.NoError(t, s.registerRoutes(mux))
	return mux
}

func TestSubmitOperation_QueuesParsedEvent(t *testing.T) {
	ingest := make(chan event.Event, 1)
	mux := newTestMux(t, &ServerDeps{Ingest: ingest})

	account := uuid.New()
	body := fmt.Sprintf(`{
		"request_id": "req-001",
		"account_id": "%s",
		"asset": "USDC",
		"amount": "250.5",
		"sequence": 1,
		"timestamp": 1700000000
	}`, account)

	req := httptest.NewRequest(http.MethodPost, "/v1/operations/supply", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp["status"])
	require.Equal(t, "req-001", resp["idempotency_key"])

	select {
	case evt := <-ingest:
		supply, ok := evt.(*event.SupplyRequested)
		require.True(t, ok, "expected SupplyRequested, got %T", evt)
		require.Equal(t, account, supply.Account)
		require.Equal(t, "USDC", supply.AssetID)
	default:
		t.Fatal("event was not queued")
	}
}

func TestSubmitOperation_Rejections(t *testing.T) {
	ingest := make(chan event.Event, 1)
	mux := newTestMux(t, &ServerDeps{Ingest: ingest})

	cases := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{
			name:     "unknown operation type",
			path:     "/v1/operations/flashloan",
			body:     `{}`,
			wantCode: http.StatusNotFound,
		},
		{
			name:     "malformed body",
			path:     "/v1/operations/supply",
			body:     `{not json`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing request id",
			path:     "/v1/operations/borrow",
			body:     fmt.Sprintf(`{"account_id":"%s","asset":"USDC","amount":"1"}`, uuid.New()),
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			require.Equal(t, tc.wantCode, rec.Code)
			require.Empty(t, ingest)
		})
	}
}

func TestGetAccountPositions_ListsOpenPositions(t *testing.T) {
	store := market.NewMemStore()
	account := uuid.New()

	require.NoError(t, store.PutPosition(&market.Position{
		ID:              uuid.New(),
		Account:         account.String(),
		Asset:           "USDC",
		Side:            market.SideDeposit,
		Principal:       fp.FromUnits(100, 6),
		AccruedInterest: fp.Zero(6),
		SnapshotIndex:   fp.One(fp.Ray),
	}))

	mux := newTestMux(t, &ServerDeps{Store: store})

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+account.String()+"/positions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Positions []positionView `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Positions, 1)
	require.Equal(t, "USDC", resp.Positions[0].Asset)
	require.Equal(t, "deposit", resp.Positions[0].Side)
	require.Equal(t, "100000000", resp.Positions[0].Principal)
	require.Equal(t, "100000000", resp.Positions[0].Total)
}

func TestGetAccountPositions_InvalidAccount(t *testing.T) {
	mux := newTestMux(t, &ServerDeps{Store: market.NewMemStore()})

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/not-a-uuid/positions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
