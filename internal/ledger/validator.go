package ledger

import (
	"fmt"
)

// InvariantValidator checks the ledger invariants a batch must preserve:
// every journal well-formed, and the global per-asset sum still zero after
// the batch lands on the tracker.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatch verifies the batch before it is applied.
func (v *InvariantValidator) ValidateBatch(b *Batch) error {
	return b.Validate()
}

// CheckGlobalBalance verifies the zero-sum invariant for one asset.
func (v *InvariantValidator) CheckGlobalBalance(asset string) error {
	if sum := v.tracker.GlobalSum(asset); !sum.IsZero() {
		return fmt.Errorf("ledger: global balance for %s is %s, want zero", asset, sum)
	}
	return nil
}

// CheckAll verifies the zero-sum invariant for every known asset.
func (v *InvariantValidator) CheckAll() error {
	for _, asset := range v.tracker.Assets() {
		if err := v.CheckGlobalBalance(asset); err != nil {
			return err
		}
	}
	return nil
}
