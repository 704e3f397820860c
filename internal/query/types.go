package query

import "github.com/google/uuid"

// All amounts in query responses are raw fixed-point integers rendered as
// decimal strings at the asset's native scale, exactly as stored.

// MarketResponse aggregates one market's pool accounts.
type MarketResponse struct {
	Asset        string `json:"asset"`
	Liquidity    string `json:"liquidity"`
	Claims       string `json:"claims"`
	Receivable   string `json:"receivable"`
	Revenue      string `json:"revenue"`
	BadDebt      string `json:"bad_debt"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AccountBalance is one ledger account of a user.
type AccountBalance struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AccountHealthResponse is the live solvency view of one account, computed
// against the core's in-memory state rather than projections.
type AccountHealthResponse struct {
	Account      uuid.UUID `json:"account"`
	HealthFactor string    `json:"health_factor"`
	Liquidatable bool      `json:"liquidatable"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// AccrualHistoryResponse is one accrual pass of a market.
type AccrualHistoryResponse struct {
	Asset           string `json:"asset"`
	Sequence        int64  `json:"sequence"`
	Accrued         string `json:"accrued"`
	ProtocolFee     string `json:"protocol_fee"`
	SupplierReward  string `json:"supplier_reward"`
	AbsorbedBadDebt string `json:"absorbed_bad_debt"`
	Timestamp       int64  `json:"timestamp"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// LiquidationHistoryResponse is one executed liquidation.
type LiquidationHistoryResponse struct {
	Sequence     int64  `json:"sequence"`
	Account      string `json:"account"`
	Liquidator   string `json:"liquidator"`
	RepayAsset   string `json:"repay_asset"`
	Applied      string `json:"applied"`
	Seizures     []byte `json:"seizures"` // JSON array of {asset, amount}
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with a non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
