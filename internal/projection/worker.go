// Package projection maintains the Postgres read models: per-account
// balances, the accrual history of each market, and liquidation history.
// Projections are eventually consistent and rebuildable from the event log.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"LendLedger/internal/ledger"
)

// ProjectionOutput mirrors the data projection workers need. The orchestrator
// bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	Asset          *string
	JournalEntries []JournalEntry
	Timestamp      int64
}

// JournalEntry is a simplified journal for projection consumption. Amount is
// the raw fixed-point integer as a decimal string.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel is non-blocking with drop: if projections fall behind,
// they are rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue: projections are eventually consistent and can be
				// rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	switch output.EventType {
	case "MarketSync":
		if err := pw.recordAccrual(ctx, tx, output); err != nil {
			return fmt.Errorf("accrual history: %w", err)
		}
	case "LiquidationRequested":
		if err := pw.recordLiquidation(ctx, tx, output); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	// Debit account: decrease balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -($3::numeric), $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
	`, j.DebitAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	// Credit account: increase balance
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, j.CreditAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// recordAccrual reads the interest split back out of the sync batch: the
// accrual leg carries the gross interest, the fee leg the protocol cut, the
// claims leg the supplier reward, the bad-debt leg the absorbed write-offs.
func (pw *ProjectionWorker) recordAccrual(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	if output.Asset == nil {
		return nil
	}
	accrued, fee, reward, absorbed := "0", "0", "0", "0"
	for _, j := range output.JournalEntries {
		switch j.JournalType {
		case "interest_accrual":
			if creditSub(j.CreditAccount) == ledger.SubReceivable {
				accrued = j.Amount
			} else {
				reward = j.Amount
			}
		case "reserve_fee":
			fee = j.Amount
		case "bad_debt_absorb":
			absorbed = j.Amount
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accrual_history
			(asset, sequence, accrued, protocol_fee, supplier_reward, absorbed_bad_debt, timestamp)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (asset, sequence) DO NOTHING
	`, *output.Asset, output.Sequence, accrued, fee, reward, absorbed, output.Timestamp)
	return err
}

// seizureRecord is the JSON shape stored per seized collateral asset.
type seizureRecord struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// recordLiquidation reconstructs the liquidation receipt from its journal
// legs: the repay leg names both parties and the applied amount, the seizure
// legs name the collateral taken.
func (pw *ProjectionWorker) recordLiquidation(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	if output.Asset == nil {
		return nil
	}

	var account, liquidator, applied string
	var seizures []seizureRecord

	for _, j := range output.JournalEntries {
		switch j.JournalType {
		case "repay":
			debit, err := ledger.ParseAccountPath(j.DebitAccount)
			if err != nil {
				return err
			}
			credit, err := ledger.ParseAccountPath(j.CreditAccount)
			if err != nil {
				return err
			}
			if debit.Scope == ledger.ScopeUser && debit.Sub == ledger.SubWallet {
				liquidator = debit.Entity
			}
			if credit.Scope == ledger.ScopeUser && credit.Sub == ledger.SubDebt {
				account = credit.Entity
				applied = j.Amount
			}
		case "seizure":
			debit, err := ledger.ParseAccountPath(j.DebitAccount)
			if err != nil {
				return err
			}
			if debit.Scope == ledger.ScopeUser && debit.Sub == ledger.SubDeposit {
				seizures = append(seizures, seizureRecord{Asset: j.Asset, Amount: j.Amount})
			}
		}
	}
	if account == "" || applied == "" {
		// Fully refunded payments journal nothing worth recording.
		return nil
	}

	seizedJSON, err := json.Marshal(seizures)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, account, liquidator, repay_asset, applied, seizures, timestamp)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, output.Sequence, account, liquidator, *output.Asset, applied, seizedJSON, output.Timestamp)
	return err
}

func creditSub(path string) ledger.SubType {
	key, err := ledger.ParseAccountPath(path)
	if err != nil {
		return 0
	}
	return key.Sub
}

// RebuildProjections rebuilds the balance projection from the event log.
// History tables are truncated; they refill as the log is replayed through
// the core.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.accrual_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Credits add.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	// Debits subtract.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
