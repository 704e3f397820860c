package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fp "LendLedger/internal/fixedpoint"
	"LendLedger/internal/liquidation"
	"LendLedger/internal/market"
)

const usdcDecimals = 6

func usdc(n int64) fp.Dec { return fp.FromUnits(n, usdcDecimals) }

func receipt(kind, account string, amount fp.Dec) *market.Receipt {
	return &market.Receipt{
		Account: account,
		Asset:   "USDC",
		Kind:    kind,
		Amount:  amount,
	}
}

func TestOperationBatches_BalanceToZero(t *testing.T) {
	g := NewGenerator()
	tracker := NewBalanceTracker()

	for seq, r := range []*market.Receipt{
		receipt("supply", "alice", usdc(10_000)),
		receipt("borrow", "bob", usdc(4_000)),
		receipt("repay", "bob", usdc(1_500)),
		receipt("withdraw", "alice", usdc(2_000)),
	} {
		batch, err := g.OperationBatch(r, r.Kind, int64(seq+1), 1_000)
		require.NoError(t, err)
		require.NoError(t, batch.Validate())
		tracker.ApplyBatch(batch)
	}

	assert.True(t, tracker.GlobalSum("USDC").IsZero(), "global sum must stay zero")

	// Alice's claim: 10,000 in, 2,000 out.
	assert.Equal(t, 0, tracker.Balance(UserAccount("alice", SubDeposit, "USDC")).Cmp(usdc(8_000)))
	// Bob still owes 2,500; debt accounts run negative.
	assert.Equal(t, 0, tracker.Balance(UserAccount("bob", SubDebt, "USDC")).Cmp(usdc(2_500).Neg()))
	// Pool cash: +10,000 −4,000 +1,500 −2,000.
	assert.Equal(t, 0, tracker.Balance(PoolAccount("USDC", SubLiquidity)).Cmp(usdc(5_500)))
	assert.Equal(t, 0, tracker.Balance(PoolAccount("USDC", SubReceivable)).Cmp(usdc(2_500)))
}

func TestOperationBatch_UnknownKind(t *testing.T) {
	g := NewGenerator()
	_, err := g.OperationBatch(receipt("flashloan", "alice", usdc(1)), "x", 1, 0)
	require.Error(t, err)
}

func TestSyncBatch_RoutesTheInterestSplit(t *testing.T) {
	g := NewGenerator()
	tracker := NewBalanceTracker()

	res := market.SyncResult{
		Accrued:         usdc(1_000),
		AbsorbedBadDebt: usdc(100),
		ProtocolFee:     usdc(90),
		SupplierReward:  usdc(810),
	}
	batch := g.SyncBatch("USDC", res, "sync-1", 7, 2_000)
	require.NoError(t, batch.Validate())
	require.Len(t, batch.Journals, 4)
	tracker.ApplyBatch(batch)

	assert.True(t, tracker.GlobalSum("USDC").IsZero())
	assert.Equal(t, 0, tracker.Balance(PoolAccount("USDC", SubReceivable)).Cmp(usdc(1_000)))
	assert.Equal(t, 0, tracker.Balance(PoolAccount("USDC", SubRevenue)).Cmp(usdc(90)))
	// The conserved split leaves the accrual counter flat.
	assert.True(t, tracker.Balance(SystemAccount("USDC", SubAccrual)).IsZero())
}

func TestSyncBatch_SkipsZeroLegs(t *testing.T) {
	g := NewGenerator()
	res := market.SyncResult{
		Accrued:         usdc(500),
		AbsorbedBadDebt: fp.Zero(usdcDecimals),
		ProtocolFee:     usdc(50),
		SupplierReward:  usdc(450),
	}
	batch := g.SyncBatch("USDC", res, "sync-2", 8, 0)
	assert.Len(t, batch.Journals, 3)
}

func TestLiquidationBatch_BalancedAcrossAssets(t *testing.T) {
	g := NewGenerator()
	tracker := NewBalanceTracker()

	r := &liquidation.Receipt{
		Liquidator: "carol",
		Account:    "bob",
		Payments: []liquidation.AppliedPayment{
			{Asset: "USDC", Paid: usdc(7_000), Applied: usdc(6_000), Refund: usdc(1_000)},
			{Asset: "DAI", Paid: fp.FromUnits(500, 18), Applied: fp.Zero(18), Refund: fp.FromUnits(500, 18)},
		},
		Seizures: []liquidation.Seizure{
			{Asset: "WETH", Amount: fp.FromUnits(3, 18), Fee: fp.FromUnits(1, 18)},
		},
	}
	batch := g.LiquidationBatch(r, "liq-1", 9, 3_000)
	require.NoError(t, batch.Validate())
	tracker.ApplyBatch(batch)

	assert.True(t, tracker.GlobalSum("USDC").IsZero())
	assert.True(t, tracker.GlobalSum("WETH").IsZero())

	// Debt retired per applied payment; the fully refunded DAI payment
	// journals nothing.
	assert.Equal(t, 0, tracker.Balance(UserAccount("bob", SubDebt, "USDC")).Cmp(usdc(6_000)))
	assert.True(t, tracker.GlobalSum("DAI").IsZero())
	assert.True(t, tracker.Balance(UserAccount("bob", SubDebt, "DAI")).IsZero())
	// Liquidator paid 6,000 USDC and received 2 WETH after the 1 WETH fee.
	assert.Equal(t, 0, tracker.Balance(UserAccount("carol", SubWallet, "USDC")).Cmp(usdc(6_000).Neg()))
	assert.Equal(t, 0, tracker.Balance(UserAccount("carol", SubWallet, "WETH")).Cmp(fp.FromUnits(2, 18)))
	assert.Equal(t, 0, tracker.Balance(PoolAccount("WETH", SubRevenue)).Cmp(fp.FromUnits(1, 18)))
}

func TestCleanBatch_WriteOffAndSocialization(t *testing.T) {
	g := NewGenerator()
	tracker := NewBalanceTracker()

	dust := fp.NewFromInt64(1, 18)
	r := &liquidation.CleanReceipt{
		Account: "bob",
		WriteOffs: []liquidation.WriteOff{
			{Asset: "USDC", Amount: usdc(2_500), Socialized: usdc(2_000)},
		},
		Dust: []liquidation.Seizure{
			{Asset: "WETH", Amount: dust, Fee: fp.Zero(18)},
		},
	}
	batch := g.CleanBatch(r, "clean-1", 10, 4_000)
	require.NoError(t, batch.Validate())
	tracker.ApplyBatch(batch)

	assert.True(t, tracker.GlobalSum("USDC").IsZero())
	assert.True(t, tracker.GlobalSum("WETH").IsZero())
	assert.Equal(t, 0, tracker.Balance(UserAccount("bob", SubDebt, "USDC")).Cmp(usdc(2_500)))
	// 2,500 written off, 2,000 socialized: 500 stays in the bucket.
	assert.Equal(t, 0, tracker.Balance(PoolAccount("USDC", SubBadDebt)).Cmp(usdc(500)))
	// The dust remnant lands in revenue, not with any liquidator.
	assert.Equal(t, 0, tracker.Balance(PoolAccount("WETH", SubRevenue)).Cmp(dust))
	assert.Equal(t, 0, tracker.Balance(UserAccount("bob", SubDeposit, "WETH")).Cmp(dust.Neg()))
}

func TestJournalValidate(t *testing.T) {
	wallet := UserAccount("alice", SubWallet, "USDC")
	pool := PoolAccount("USDC", SubLiquidity)

	j := Journal{Debit: wallet, Credit: pool, Asset: "USDC", Amount: usdc(1)}
	assert.NoError(t, j.Validate())

	j.Amount = fp.Zero(usdcDecimals)
	assert.ErrorIs(t, j.Validate(), ErrNonPositiveAmount)

	j.Amount = usdc(1)
	j.Credit = wallet
	assert.ErrorIs(t, j.Validate(), ErrSelfTransfer)

	j.Credit = PoolAccount("WETH", SubLiquidity)
	assert.Error(t, j.Validate())
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []AccountKey{
		UserAccount("alice", SubDeposit, "USDC"),
		PoolAccount("WETH", SubReceivable),
		SystemAccount("USDC", SubAccrual),
	}
	for _, key := range keys {
		parsed, err := ParseAccountPath(key.AccountPath())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
	}

	_, err := ParseAccountPath("bogus")
	assert.Error(t, err)
}

func TestTracker_SnapshotRestore(t *testing.T) {
	g := NewGenerator()
	tracker := NewBalanceTracker()
	batch, err := g.OperationBatch(receipt("supply", "alice", usdc(10_000)), "s", 1, 0)
	require.NoError(t, err)
	tracker.ApplyBatch(batch)

	snap := tracker.Snapshot()
	restored := NewBalanceTracker()
	require.NoError(t, restored.Restore(snap, map[string]uint32{"USDC": usdcDecimals}))

	for _, entry := range tracker.Entries() {
		assert.Equal(t, 0, restored.Balance(entry.Key).Cmp(entry.Balance),
			"balance mismatch for %s", entry.Key.AccountPath())
	}
}

func TestInvariantValidator_CatchesDrift(t *testing.T) {
	tracker := NewBalanceTracker()
	v := NewInvariantValidator(tracker)

	g := NewGenerator()
	batch, err := g.OperationBatch(receipt("supply", "alice", usdc(100)), "s", 1, 0)
	require.NoError(t, err)
	tracker.ApplyBatch(batch)
	require.NoError(t, v.CheckAll())

	// Posting only one side of a transfer breaks the invariant.
	tracker.ApplyJournal(&Journal{
		Debit:  UserAccount("alice", SubWallet, "USDC"),
		Credit: UserAccount("alice", SubWallet, "WETH"),
		Asset:  "USDC",
		Amount: usdc(1),
	})
	assert.Error(t, v.CheckGlobalBalance("USDC"))
}
