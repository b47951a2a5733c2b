// Package evmexec implements value transfer, nonce, and balance accounting
// for the EVM side of the node. It deliberately does not implement an
// opcode interpreter: the only "contract" reachable in this core is the
// precompile bridge (package bridge), invoked one layer up by
// internal/dualvm.
package evmexec

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// ErrNonceMismatch and ErrInsufficientBalance are the two block-execution
// preconditions that cause a transaction to be skipped rather than
// reverted (spec §7: "transaction is SKIPPED, not included in the block").
var (
	ErrNonceMismatch       = errors.New("evmexec: nonce mismatch")
	ErrInsufficientBalance = errors.New("evmexec: insufficient balance for gas + value")
)

// Receipt is the EVM-side transaction outcome.
type Receipt struct {
	Status            bool
	CumulativeGasUsed uint64
	GasUsed           uint64
	Logs              []*types.Log
}

// Ledger is the subset of StateStore the executor needs; it is mutated
// directly (no copy-on-write journal) because DualVmExecutor is the sole
// caller and owns exclusive access to it for the duration of a block.
type Ledger interface {
	GetAccount(addr common.Address) (*statestore.Account, error)
	PutAccount(addr common.Address, acc *statestore.Account) error
}

// Executor applies EVM value-transfer transactions against a Ledger.
type Executor struct {
	ledger Ledger
}

// NewExecutor constructs an Executor bound to ledger.
func NewExecutor(ledger Ledger) *Executor {
	return &Executor{ledger: ledger}
}

// CheckPreconditions verifies the nonce and balance invariants required
// before a transaction may be applied, without mutating any state. Callers
// use this both for mempool admission (advisory) and for block execution
// (authoritative).
func (e *Executor) CheckPreconditions(from common.Address, nonce uint64, gasLimit uint64, gasPrice, value *uint256.Int) error {
	acc, err := e.ledger.GetAccount(from)
	if err != nil {
		return err
	}
	if acc.Nonce != nonce {
		return fmt.Errorf("%w: account nonce %d, tx nonce %d", ErrNonceMismatch, acc.Nonce, nonce)
	}
	cost := gasCost(gasLimit, gasPrice, value)
	if acc.Balance.Lt(cost) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, acc.Balance, cost)
	}
	return nil
}

// gasCost returns gasLimit*gasPrice + value, the full up-front debit.
func gasCost(gasLimit uint64, gasPrice, value *uint256.Int) *uint256.Int {
	cost := new(uint256.Int).Mul(uint256.NewInt(gasLimit), gasPrice)
	return cost.Add(cost, value)
}

// ExecuteTransfer debits (gasUsed*gasPrice + value) from from, credits
// value to to (if present), increments from's nonce, and returns a success
// receipt. Preconditions must already have been checked by the caller —
// ExecuteTransfer does not re-check them, and returns an error only when
// reading or writing the ledger fails.
func (e *Executor) ExecuteTransfer(from common.Address, to *common.Address, nonce uint64, gasUsed uint64, gasPrice, value *uint256.Int) (*Receipt, error) {
	fromAcc, err := e.ledger.GetAccount(from)
	if err != nil {
		return nil, err
	}
	debit := new(uint256.Int).Mul(uint256.NewInt(gasUsed), gasPrice)
	debit.Add(debit, value)
	fromAcc.Balance.Sub(fromAcc.Balance, debit)
	fromAcc.Nonce = nonce + 1
	if err := e.ledger.PutAccount(from, fromAcc); err != nil {
		return nil, err
	}

	if to != nil {
		toAcc, err := e.ledger.GetAccount(*to)
		if err != nil {
			return nil, err
		}
		toAcc.Balance.Add(toAcc.Balance, value)
		if err := e.ledger.PutAccount(*to, toAcc); err != nil {
			return nil, err
		}
	}

	log.Debug("evm transfer applied", "from", from, "to", to, "value", value, "gasUsed", gasUsed)
	return &Receipt{Status: true, GasUsed: gasUsed}, nil
}

// DebitGasOnly charges gasUsed*gasPrice and increments the nonce without
// transferring any value. Used by the cross-VM bridge path: per spec §4.5,
// gas is consumed and the nonce advances even when the bridge operation
// itself fails, with no rollback of the deduction.
func (e *Executor) DebitGasOnly(from common.Address, nonce uint64, gasUsed uint64, gasPrice *uint256.Int) error {
	acc, err := e.ledger.GetAccount(from)
	if err != nil {
		return err
	}
	debit := new(uint256.Int).Mul(uint256.NewInt(gasUsed), gasPrice)
	acc.Balance.Sub(acc.Balance, debit)
	acc.Nonce = nonce + 1
	return e.ledger.PutAccount(from, acc)
}

// IntrinsicGas is the fixed per-transaction charge this core models.
func IntrinsicGas() uint64 { return chainconfig.IntrinsicGas }
