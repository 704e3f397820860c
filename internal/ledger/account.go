// Package ledger provides the double-entry journal layer: every applied event
// produces a balanced batch of journals, so the global sum per asset is zero
// by construction and drift is detectable.
package ledger

import (
	"fmt"
	"strings"
)

// AccountScope partitions the chart of accounts.
type AccountScope uint8

const (
	ScopeUser AccountScope = iota + 1
	ScopePool
	ScopeSystem
)

func (s AccountScope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopePool:
		return "pool"
	case ScopeSystem:
		return "sys"
	default:
		return "unknown"
	}
}

// SubType identifies the account within a scope.
type SubType uint8

const (
	// User accounts.
	SubWallet  SubType = iota + 1 // external cash leg
	SubDeposit                    // pool claim held by the user
	SubDebt                       // contra account, negative while owing

	// Pool accounts.
	SubLiquidity  // cash held by the pool
	SubClaims     // aggregate supplier claims outstanding
	SubReceivable // aggregate borrower obligations
	SubRevenue    // protocol fees
	SubBadDebt    // written-off debt awaiting socialization

	// System accounts.
	SubAccrual // interest accrual source
)

func (s SubType) String() string {
	switch s {
	case SubWallet:
		return "wallet"
	case SubDeposit:
		return "deposit"
	case SubDebt:
		return "debt"
	case SubLiquidity:
		return "liquidity"
	case SubClaims:
		return "claims"
	case SubReceivable:
		return "receivable"
	case SubRevenue:
		return "revenue"
	case SubBadDebt:
		return "baddebt"
	case SubAccrual:
		return "accrual"
	default:
		return "unknown"
	}
}

// AccountKey addresses one ledger account. Entity is the account id for user
// scope and the asset symbol for pool and system scopes.
type AccountKey struct {
	Scope  AccountScope
	Entity string
	Sub    SubType
	Asset  string
}

func UserAccount(account string, sub SubType, asset string) AccountKey {
	return AccountKey{Scope: ScopeUser, Entity: account, Sub: sub, Asset: asset}
}

func PoolAccount(asset string, sub SubType) AccountKey {
	return AccountKey{Scope: ScopePool, Entity: asset, Sub: sub, Asset: asset}
}

func SystemAccount(asset string, sub SubType) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: asset, Sub: sub, Asset: asset}
}

// AccountPath renders the key as "scope:entity:subtype:asset" for persistence
// and queries.
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Scope, k.Entity, k.Sub, k.Asset)
}

// ParseAccountPath reverses AccountPath. Used when restoring tracker state
// from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.SplitN(path, ":", 4)
	if len(parts) != 4 {
		return AccountKey{}, fmt.Errorf("ledger: malformed account path %q", path)
	}
	var key AccountKey
	switch parts[0] {
	case "user":
		key.Scope = ScopeUser
	case "pool":
		key.Scope = ScopePool
	case "sys":
		key.Scope = ScopeSystem
	default:
		return AccountKey{}, fmt.Errorf("ledger: unknown scope %q in path %q", parts[0], path)
	}
	key.Entity = parts[1]
	key.Asset = parts[3]

	sub, ok := subTypesByName[parts[2]]
	if !ok {
		return AccountKey{}, fmt.Errorf("ledger: unknown subtype %q in path %q", parts[2], path)
	}
	key.Sub = sub
	return key, nil
}

var subTypesByName = map[string]SubType{
	"wallet":     SubWallet,
	"deposit":    SubDeposit,
	"debt":       SubDebt,
	"liquidity":  SubLiquidity,
	"claims":     SubClaims,
	"receivable": SubReceivable,
	"revenue":    SubRevenue,
	"baddebt":    SubBadDebt,
	"accrual":    SubAccrual,
}
