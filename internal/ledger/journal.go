package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	fp "LendLedger/internal/fixedpoint"
)

// JournalType tags the economic meaning of one journal.
type JournalType int32

const (
	JournalSupply JournalType = iota + 1
	JournalWithdraw
	JournalBorrow
	JournalRepay
	JournalInterestAccrual
	JournalReserveFee
	JournalBadDebtAbsorb
	JournalSeizure
	JournalLiquidationFee
	JournalWriteOff
	JournalSocialization
)

func (t JournalType) String() string {
	switch t {
	case JournalSupply:
		return "supply"
	case JournalWithdraw:
		return "withdraw"
	case JournalBorrow:
		return "borrow"
	case JournalRepay:
		return "repay"
	case JournalInterestAccrual:
		return "interest_accrual"
	case JournalReserveFee:
		return "reserve_fee"
	case JournalBadDebtAbsorb:
		return "bad_debt_absorb"
	case JournalSeizure:
		return "seizure"
	case JournalLiquidationFee:
		return "liquidation_fee"
	case JournalWriteOff:
		return "write_off"
	case JournalSocialization:
		return "socialization"
	default:
		return "unknown"
	}
}

var (
	ErrNonPositiveAmount = errors.New("ledger: journal amount must be positive")
	ErrSelfTransfer      = errors.New("ledger: debit and credit accounts must differ")
)

// Journal moves Amount from the debit account to the credit account. Amounts
// are always positive and at the asset's native decimals; direction is
// carried entirely by which side an account sits on.
type Journal struct {
	JournalID uuid.UUID
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64

	Debit  AccountKey
	Credit AccountKey
	Asset  string
	Amount fp.Dec

	JournalType JournalType
	Timestamp   int64 // unix micros
}

func (j *Journal) Validate() error {
	if j.Amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	if j.Debit == j.Credit {
		return ErrSelfTransfer
	}
	if j.Debit.Asset != j.Asset || j.Credit.Asset != j.Asset {
		return fmt.Errorf("ledger: journal asset %s does not match accounts (%s, %s)",
			j.Asset, j.Debit.Asset, j.Credit.Asset)
	}
	return nil
}

// Batch groups the journals generated by one applied event. A batch is
// persisted atomically with its event row.
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Journals []Journal
}

func (b *Batch) Validate() error {
	for i := range b.Journals {
		if err := b.Journals[i].Validate(); err != nil {
			return fmt.Errorf("journal %d: %w", i, err)
		}
		if b.Journals[i].BatchID != b.BatchID {
			return fmt.Errorf("journal %d: batch id mismatch", i)
		}
	}
	return nil
}
