package ledger

import (
	"fmt"

	"github.com/google/uuid"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/market"
)

// Generator turns engine receipts into balanced journal batches.
//
// Sign convention: credits add, debits subtract. Cash and receivable accounts
// run positive, claim and debt accounts run negative. Aggregate index-level
// movements with no per-account attribution (interest accrual, socialization)
// are countered against the per-asset system accrual account, which absorbs
// their net.
type Generator struct{}

func NewGenerator() *Generator { return &Generator{} }

type journalSpec struct {
	kind   JournalType
	debit  AccountKey
	credit AccountKey
	amount fp.Dec
}

func buildBatch(eventRef string, seq, tsMicros int64, asset func(i int) string, specs []journalSpec) *Batch {
	batch := &Batch{BatchID: uuid.New(), EventRef: eventRef}
	for i, s := range specs {
		if s.amount.Sign() <= 0 {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:   uuid.New(),
			BatchID:     batch.BatchID,
			EventRef:    eventRef,
			Sequence:    seq,
			Debit:       s.debit,
			Credit:      s.credit,
			Asset:       asset(i),
			Amount:      s.amount,
			JournalType: s.kind,
			Timestamp:   tsMicros,
		})
	}
	return batch
}

// OperationBatch journals one committed balance operation. Supply and borrow
// each produce a cash leg and a claim (or debt) leg; withdraw and repay
// reverse them.
func (g *Generator) OperationBatch(r *market.Receipt, eventRef string, seq, tsMicros int64) (*Batch, error) {
	wallet := UserAccount(r.Account, SubWallet, r.Asset)
	deposit := UserAccount(r.Account, SubDeposit, r.Asset)
	debt := UserAccount(r.Account, SubDebt, r.Asset)
	liquidity := PoolAccount(r.Asset, SubLiquidity)
	claims := PoolAccount(r.Asset, SubClaims)
	receivable := PoolAccount(r.Asset, SubReceivable)

	var specs []journalSpec
	switch r.Kind {
	case "supply":
		specs = []journalSpec{
			{JournalSupply, wallet, liquidity, r.Amount},
			{JournalSupply, claims, deposit, r.Amount},
		}
	case "withdraw":
		specs = []journalSpec{
			{JournalWithdraw, liquidity, wallet, r.Amount},
			{JournalWithdraw, deposit, claims, r.Amount},
		}
	case "borrow":
		specs = []journalSpec{
			{JournalBorrow, liquidity, wallet, r.Amount},
			{JournalBorrow, debt, receivable, r.Amount},
		}
	case "repay":
		specs = []journalSpec{
			{JournalRepay, wallet, liquidity, r.Amount},
			{JournalRepay, receivable, debt, r.Amount},
		}
	default:
		return nil, fmt.Errorf("ledger: unknown operation kind %q", r.Kind)
	}

	return buildBatch(eventRef, seq, tsMicros, func(int) string { return r.Asset }, specs), nil
}

// SyncBatch journals the interest split of one accrual pass: the accrued
// total lands on the pool receivable, and its conserved split flows to the
// reserve, the bad-debt ledger, and the supplier claims.
func (g *Generator) SyncBatch(asset string, res market.SyncResult, eventRef string, seq, tsMicros int64) *Batch {
	accrual := SystemAccount(asset, SubAccrual)
	receivable := PoolAccount(asset, SubReceivable)
	revenue := PoolAccount(asset, SubRevenue)
	badDebt := PoolAccount(asset, SubBadDebt)
	claims := PoolAccount(asset, SubClaims)

	specs := []journalSpec{
		{JournalInterestAccrual, accrual, receivable, res.Accrued},
		{JournalReserveFee, accrual, revenue, res.ProtocolFee},
		{JournalBadDebtAbsorb, badDebt, accrual, res.AbsorbedBadDebt},
		{JournalInterestAccrual, claims, accrual, res.SupplierReward},
	}
	return buildBatch(eventRef, seq, tsMicros, func(int) string { return asset }, specs)
}

// LiquidationBatch journals one executed liquidation: each applied payment
// retires debt in its repay asset, and each seizure extinguishes deposit
// claims and pays the liquidator out of pool liquidity, fee retained as
// revenue. Fully refunded payments journal nothing.
func (g *Generator) LiquidationBatch(r *liquidation.Receipt, eventRef string, seq, tsMicros int64) *Batch {
	var specs []journalSpec
	var assets []string

	add := func(asset string, s journalSpec) {
		specs = append(specs, s)
		assets = append(assets, asset)
	}

	liqWallet := func(asset string) AccountKey { return UserAccount(r.Liquidator, SubWallet, asset) }

	for _, p := range r.Payments {
		add(p.Asset, journalSpec{JournalRepay,
			liqWallet(p.Asset), PoolAccount(p.Asset, SubLiquidity), p.Applied})
		add(p.Asset, journalSpec{JournalRepay,
			PoolAccount(p.Asset, SubReceivable), UserAccount(r.Account, SubDebt, p.Asset), p.Applied})
	}

	for _, s := range r.Seizures {
		payout := s.Amount.Sub(s.Fee)
		add(s.Asset, journalSpec{JournalSeizure,
			UserAccount(r.Account, SubDeposit, s.Asset), PoolAccount(s.Asset, SubClaims), s.Amount})
		add(s.Asset, journalSpec{JournalSeizure,
			PoolAccount(s.Asset, SubLiquidity), liqWallet(s.Asset), payout})
		add(s.Asset, journalSpec{JournalLiquidationFee,
			SystemAccount(s.Asset, SubAccrual), PoolAccount(s.Asset, SubRevenue), s.Fee})
	}

	return buildBatch(eventRef, seq, tsMicros, func(i int) string { return assets[i] }, specs)
}

// CleanBatch journals a bad-debt write-off: any dust collateral is swept
// into pool revenue, then per market the receivable and the account's debt
// clear against each other, the loss moves into the bad-debt bucket, and the
// socialized portion burns supplier claims.
func (g *Generator) CleanBatch(r *liquidation.CleanReceipt, eventRef string, seq, tsMicros int64) *Batch {
	var specs []journalSpec
	var assets []string

	for _, d := range r.Dust {
		specs = append(specs,
			journalSpec{JournalSeizure, UserAccount(r.Account, SubDeposit, d.Asset), PoolAccount(d.Asset, SubClaims), d.Amount},
			journalSpec{JournalLiquidationFee, SystemAccount(d.Asset, SubAccrual), PoolAccount(d.Asset, SubRevenue), d.Amount},
		)
		assets = append(assets, d.Asset, d.Asset)
	}

	for _, w := range r.WriteOffs {
		receivable := PoolAccount(w.Asset, SubReceivable)
		debt := UserAccount(r.Account, SubDebt, w.Asset)
		badDebt := PoolAccount(w.Asset, SubBadDebt)
		claims := PoolAccount(w.Asset, SubClaims)
		accrual := SystemAccount(w.Asset, SubAccrual)

		specs = append(specs,
			journalSpec{JournalWriteOff, receivable, debt, w.Amount},
			journalSpec{JournalWriteOff, accrual, badDebt, w.Amount},
			journalSpec{JournalSocialization, badDebt, claims, w.Socialized},
		)
		assets = append(assets, w.Asset, w.Asset, w.Asset)
	}

	return buildBatch(eventRef, seq, tsMicros, func(i int) string { return assets[i] }, specs)
}
