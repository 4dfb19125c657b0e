package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePool
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota
	SubTypeLocked

	// Pool sub-types
	SubTypePoolLiquidity

	// System sub-types
	SubTypeSystemFees
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalCustody
	SubTypeExternalExchange
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner UUID for user accounts
	Name     string   // pool name for pool accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner uuid.UUID, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewPoolAccountKey creates the liquidity account of a lending pool
func NewPoolAccountKey(pool string, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopePool,
		Name:    pool,
		SubType: SubTypePoolLiquidity,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// Owner returns the owner of a user account.
func (k AccountKey) Owner() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner(), k.SubTypeName(), k.Asset)
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:%s:%s", k.Name, k.SubTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.SubTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.SubTypeName(), k.Asset)
	}
	return "unknown"
}

// SubTypeName is the purpose segment of the account path.
func (k AccountKey) SubTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeLocked:
		return "locked"
	case SubTypePoolLiquidity:
		return "liquidity"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalCustody:
		return "custody"
	case SubTypeExternalExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// MustBeNonNegative reports whether the account may never go below zero. Only external
// boundary accounts mirror outside flows and carry negative balances.
func (k AccountKey) MustBeNonNegative() bool {
	return k.Scope != AccountScopeExternal
}
