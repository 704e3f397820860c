package ledger

import (
	"sort"

	fp "LendLedger/internal/fixedpoint"
)

// BalanceTracker maintains running account balances from applied journals.
// Debits subtract, credits add, so the sum over all accounts per asset stays
// zero as long as only balanced journals are applied. Owned by the
// single-threaded core; not safe for concurrent use.
type BalanceTracker struct {
	balances map[AccountKey]fp.Dec
	decimals map[string]uint32
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fp.Dec),
		decimals: make(map[string]uint32),
	}
}

// ApplyJournal posts one journal. The journal must already be validated.
func (t *BalanceTracker) ApplyJournal(j *Journal) {
	t.decimals[j.Asset] = j.Amount.Prec()

	debit, ok := t.balances[j.Debit]
	if !ok {
		debit = fp.Zero(j.Amount.Prec())
	}
	t.balances[j.Debit] = debit.Sub(j.Amount)

	credit, ok := t.balances[j.Credit]
	if !ok {
		credit = fp.Zero(j.Amount.Prec())
	}
	t.balances[j.Credit] = credit.Add(j.Amount)
}

// ApplyBatch posts every journal in the batch.
func (t *BalanceTracker) ApplyBatch(b *Batch) {
	for i := range b.Journals {
		t.ApplyJournal(&b.Journals[i])
	}
}

// Balance returns the account's current balance, zero when the account has
// never been touched.
func (t *BalanceTracker) Balance(key AccountKey) fp.Dec {
	if bal, ok := t.balances[key]; ok {
		return fp.New(bal.Raw(), bal.Prec())
	}
	if dec, ok := t.decimals[key.Asset]; ok {
		return fp.Zero(dec)
	}
	return fp.Zero(0)
}

// GlobalSum sums every account balance for one asset. A nonzero result means
// an unbalanced journal slipped through.
func (t *BalanceTracker) GlobalSum(asset string) fp.Dec {
	dec, ok := t.decimals[asset]
	if !ok {
		return fp.Zero(0)
	}
	sum := fp.Zero(dec)
	for key, bal := range t.balances {
		if key.Asset == asset {
			sum = sum.Add(bal)
		}
	}
	return sum
}

// Assets lists every asset the tracker has seen, sorted.
func (t *BalanceTracker) Assets() []string {
	out := make([]string, 0, len(t.decimals))
	for a := range t.decimals {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot exports every balance keyed by account path, for persistence.
func (t *BalanceTracker) Snapshot() map[string]string {
	out := make(map[string]string, len(t.balances))
	for key, bal := range t.balances {
		out[key.AccountPath()] = bal.Raw().String()
	}
	return out
}

// Entries returns all balances sorted by account path, for deterministic
// digests and reports.
func (t *BalanceTracker) Entries() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(t.balances))
	for key, bal := range t.balances {
		out = append(out, BalanceEntry{Key: key, Balance: fp.New(bal.Raw(), bal.Prec())})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

type BalanceEntry struct {
	Key     AccountKey
	Balance fp.Dec
}

// Restore replaces the tracker state from a snapshot produced by Snapshot.
// Raw values are base-10 raw units at the asset's decimals.
func (t *BalanceTracker) Restore(snapshot map[string]string, decimals map[string]uint32) error {
	t.balances = make(map[AccountKey]fp.Dec, len(snapshot))
	t.decimals = make(map[string]uint32, len(decimals))
	for asset, dec := range decimals {
		t.decimals[asset] = dec
	}
	for path, raw := range snapshot {
		key, err := ParseAccountPath(path)
		if err != nil {
			return err
		}
		dec := t.decimals[key.Asset]
		bal, err := fp.ParseRaw(raw, dec)
		if err != nil {
			return err
		}
		t.balances[key] = bal
	}
	return nil
}
