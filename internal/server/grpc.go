// Package server exposes the read side over gRPC (health and reflection) and
// HTTP/JSON. The JSON API is served through a grpc-gateway mux so response
// marshaling and path templating match the rest of the fleet's gateways.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"LendLedger/internal/event"
	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/market"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
)

// HealthEvaluator computes a live health factor from the core's in-memory
// state. Reads are safe concurrently with the processing goroutine because
// the store and feed hand out copies under their own locks.
type HealthEvaluator interface {
	AccountHealth(account string, now uint64) (fp.Dec, error)
}

// ServerDeps holds the dependencies the API handlers need. Ingest feeds the
// single processing goroutine; the server never calls the core directly.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	Solvency      HealthEvaluator
	Store         *market.MemStore
	Ingest        chan<- event.Event
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// APIServer wraps the gRPC server and the HTTP/JSON mux.
type APIServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *ServerDeps
}

// NewAPIServer creates the server pair: gRPC for health probes and
// reflection, HTTP/JSON for queries.
func NewAPIServer(grpcAddr, httpAddr string, deps *ServerDeps) *APIServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &APIServer{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *APIServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *APIServer) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/markets/{asset}", s.getMarket},
		{"GET", "/v1/markets/{asset}/accruals", s.getAccrualHistory},
		{"GET", "/v1/accounts/{account}/balances", s.getAccountBalances},
		{"GET", "/v1/accounts/{account}/positions", s.getAccountPositions},
		{"GET", "/v1/accounts/{account}/health", s.getAccountHealth},
		{"GET", "/v1/accounts/{account}/journals", s.getJournalHistory},
		{"GET", "/v1/accounts/{account}/liquidations", s.getLiquidationHistory},
		{"POST", "/v1/operations/{type}", s.submitOperation},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},
		{"GET", "/v1/admin/eventlog", s.getEventLogInfo},
		{"POST", "/v1/admin/projections/rebuild", s.rebuildProjections},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// --- handlers ---

func (s *APIServer) getMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset := pathParams["asset"]
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	resp, err := s.deps.QueryService.GetMarket(r.Context(), asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, resp)
}

func (s *APIServer) getAccrualHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	asset := pathParams["asset"]
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset is required")
		return
	}
	limit := queryLimit(r, 50, 500)
	afterSeq := queryCursor(r)

	history, err := s.deps.QueryService.GetAccrualHistory(r.Context(), asset, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"accruals": history})
}

func (s *APIServer) getAccountBalances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, ok := pathAccount(w, pathParams)
	if !ok {
		return
	}
	balances, err := s.deps.QueryService.GetAccountBalances(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"balances": balances})
}

// positionView is the JSON shape of one open position. Amounts are raw
// fixed-point integers at the asset's native scale.
type positionView struct {
	ID              string `json:"id"`
	Asset           string `json:"asset"`
	Side            string `json:"side"`
	Principal       string `json:"principal"`
	AccruedInterest string `json:"accrued_interest"`
	Total           string `json:"total"`
}

// getAccountPositions serves the live position set from the core's in-memory
// store; the store hands out copies under its own lock.
func (s *APIServer) getAccountPositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, ok := pathAccount(w, pathParams)
	if !ok {
		return
	}
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "position store unavailable")
		return
	}

	positions, err := s.deps.Store.PositionsByAccount(account.String())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			ID:              p.ID.String(),
			Asset:           p.Asset,
			Side:            p.Side.String(),
			Principal:       p.Principal.Raw().String(),
			AccruedInterest: p.AccruedInterest.Raw().String(),
			Total:           p.Total().Raw().String(),
		})
	}
	writeJSON(w, map[string]interface{}{"positions": views})
}

// operationEventTypes maps the /v1/operations/{type} path segment to the
// event type the parser understands.
var operationEventTypes = map[string]string{
	"supply":      "SupplyRequested",
	"withdraw":    "WithdrawRequested",
	"borrow":      "BorrowRequested",
	"repay":       "RepayRequested",
	"price":       "PriceUpdate",
	"sync":        "MarketSync",
	"liquidation": "LiquidationRequested",
	"clean":       "BadDebtClean",
}

// submitOperation accepts a wire-format operation over HTTP and queues it for
// the processing goroutine. 202 means accepted, not applied: rejection by the
// core (duplicate, stale, unhealthy) surfaces through the event log, not here.
func (s *APIServer) submitOperation(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if s.deps.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}

	eventType, ok := operationEventTypes[pathParams["type"]]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown operation type: %s", pathParams["type"]))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: body}, eventType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	select {
	case s.deps.Ingest <- evt:
	case <-r.Context().Done():
		writeError(w, http.StatusServiceUnavailable, "ingest queue full")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":          "accepted",
		"idempotency_key": evt.IdempotencyKey(),
	})
}

func (s *APIServer) getAccountHealth(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, ok := pathAccount(w, pathParams)
	if !ok {
		return
	}
	if s.deps.Solvency == nil {
		writeError(w, http.StatusServiceUnavailable, "solvency evaluator unavailable")
		return
	}

	hf, err := s.deps.Solvency.AccountHealth(account.String(), uint64(time.Now().Unix()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, query.AccountHealthResponse{
		Account:      account,
		HealthFactor: hf.String(),
		Liquidatable: hf.Cmp(fp.One(fp.Ray)) < 0,
	})
}

func (s *APIServer) getJournalHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, ok := pathAccount(w, pathParams)
	if !ok {
		return
	}
	limit := queryLimit(r, 100, 500)
	afterSeq := queryCursor(r)

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), account, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"journals": entries})
}

func (s *APIServer) getLiquidationHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	account, ok := pathAccount(w, pathParams)
	if !ok {
		return
	}
	limit := queryLimit(r, 50, 200)

	results, err := s.deps.QueryService.GetLiquidationHistory(r.Context(), account, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"liquidations": results})
}

func (s *APIServer) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

func (s *APIServer) getEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"last_sequence": latestSeq,
		"uptime":        time.Since(s.deps.StartTime).String(),
	})
}

func (s *APIServer) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"rebuilt": true})
}

// --- helpers ---

func pathAccount(w http.ResponseWriter, pathParams map[string]string) (uuid.UUID, bool) {
	raw := pathParams["account"]
	if raw == "" {
		writeError(w, http.StatusBadRequest, "account is required")
		return uuid.UUID{}, false
	}
	account, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid account: %v", err))
		return uuid.UUID{}, false
	}
	return account, true
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func queryCursor(r *http.Request) *int64 {
	raw := r.URL.Query().Get("from_sequence")
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
