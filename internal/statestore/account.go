package statestore

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Account is the EVM-side record tracked per address. A missing entry is
// equivalent to the zero value: zero balance, zero nonce, the all-zero
// code_hash sentinel, not a contract.
type Account struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
	Contract bool
}

// NewAccount returns the zero-valued default account.
func NewAccount() *Account {
	return &Account{Balance: new(uint256.Int)}
}

// IsDefault reports whether a is indistinguishable from "absent" — used to
// decide whether an address participates in state-root computation.
func (a *Account) IsDefault() bool {
	if a == nil {
		return true
	}
	return a.Balance.IsZero() && a.Nonce == 0 && a.CodeHash == (common.Hash{}) && !a.Contract
}

// Clone returns a deep copy safe for the caller to mutate.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	return &Account{
		Balance:  new(uint256.Int).Set(a.Balance),
		Nonce:    a.Nonce,
		CodeHash: a.CodeHash,
		Contract: a.Contract,
	}
}
