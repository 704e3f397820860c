// Package query serves the read side: market aggregates, account balances,
// journal and liquidation history out of the Postgres projections, plus the
// admin integrity check over the event log itself. Every response carries
// as_of_sequence so callers can reason about freshness.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"LendLedger/internal/ledger"
)

type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarket aggregates one market's pool accounts from the balance
// projection.
func (qs *QueryService) GetMarket(ctx context.Context, asset string) (*MarketResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &MarketResponse{Asset: asset, AsOfSequence: asOfSeq}

	fields := []struct {
		sub  ledger.SubType
		dest *string
	}{
		{ledger.SubLiquidity, &resp.Liquidity},
		{ledger.SubClaims, &resp.Claims},
		{ledger.SubReceivable, &resp.Receivable},
		{ledger.SubRevenue, &resp.Revenue},
		{ledger.SubBadDebt, &resp.BadDebt},
	}
	for _, f := range fields {
		path := ledger.PoolAccount(asset, f.sub).AccountPath()
		balance, err := qs.getProjectedBalance(ctx, path, asset)
		if err != nil {
			return nil, err
		}
		*f.dest = balance
	}

	return resp, nil
}

// GetAccountBalances returns every ledger account of one user.
func (qs *QueryService) GetAccountBalances(ctx context.Context, account uuid.UUID) ([]AccountBalance, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("user:%s:%%", account)
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance::text
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []AccountBalance
	for rows.Next() {
		var b AccountBalance
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first, with cursor-based pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetAccrualHistory returns the accrual passes of one market, newest first.
func (qs *QueryService) GetAccrualHistory(
	ctx context.Context,
	asset string,
	limit int,
	afterSequence *int64,
) ([]AccrualHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT asset, sequence, accrued::text, protocol_fee::text,
		       supplier_reward::text, absorbed_bad_debt::text, timestamp
		FROM projections.accrual_history
		WHERE asset = $1
	`
	args := []interface{}{asset}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []AccrualHistoryResponse
	for rows.Next() {
		var h AccrualHistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&h.Asset, &h.Sequence, &h.Accrued, &h.ProtocolFee,
			&h.SupplierReward, &h.AbsorbedBadDebt, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		history = append(history, h)
	}

	return history, rows.Err()
}

// GetLiquidationHistory returns liquidations against one account, newest
// first.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
) ([]LiquidationHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, account, liquidator, repay_asset, applied::text, seizures, timestamp
		FROM projections.liquidation_history
		WHERE account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, account.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationHistoryResponse
	for rows.Next() {
		var r LiquidationHistoryResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.Sequence, &r.Account, &r.Liquidator, &r.RepayAsset,
			&r.Applied, &r.Seizures, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and the per-asset zero-sum invariant.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Hash chain continuity: every event's prev_hash must equal its
	// predecessor's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Per-asset zero sum straight off the journal, independent of the
	// balance projection: credits add, debits subtract.
	sumRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(delta)::text AS total FROM (
			SELECT credit_account, asset, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT debit_account, asset, -amount AS delta FROM event_log.journal
		) legs
		GROUP BY asset
		HAVING SUM(delta) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer sumRows.Close()

	for sumRows.Next() {
		var asset, total string
		if err := sumRows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			Asset:     asset,
			Imbalance: total,
		})
	}
	if err := sumRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath, asset string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}
