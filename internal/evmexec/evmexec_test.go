package evmexec

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// memLedger is a minimal in-memory Ledger for exercising Executor without
// pulling in a real StateStore/leveldb dependency.
type memLedger struct {
	accounts map[common.Address]*statestore.Account
}

func newMemLedger() *memLedger {
	return &memLedger{accounts: make(map[common.Address]*statestore.Account)}
}

func (l *memLedger) GetAccount(addr common.Address) (*statestore.Account, error) {
	if acc, ok := l.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return statestore.NewAccount(), nil
}

func (l *memLedger) PutAccount(addr common.Address, acc *statestore.Account) error {
	l.accounts[addr] = acc.Clone()
	return nil
}

func addr(b byte) common.Address {
	var a common.Address
	a[len(a)-1] = b
	return a
}

func TestCheckPreconditionsNonceMismatch(t *testing.T) {
	l := newMemLedger()
	e := NewExecutor(l)
	from := addr(1)
	l.accounts[from] = &statestore.Account{Balance: uint256.NewInt(1_000_000), Nonce: 3}

	err := e.CheckPreconditions(from, 0, 21000, uint256.NewInt(1), uint256.NewInt(0))
	if !errors.Is(err, ErrNonceMismatch) {
		t.Fatalf("expected ErrNonceMismatch, got %v", err)
	}
}

func TestCheckPreconditionsInsufficientBalance(t *testing.T) {
	l := newMemLedger()
	e := NewExecutor(l)
	from := addr(2)
	l.accounts[from] = &statestore.Account{Balance: uint256.NewInt(10), Nonce: 0}

	err := e.CheckPreconditions(from, 0, 21000, uint256.NewInt(1), uint256.NewInt(0))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestExecuteTransferMovesValueAndBumpsNonce(t *testing.T) {
	l := newMemLedger()
	e := NewExecutor(l)
	from, to := addr(3), addr(4)
	l.accounts[from] = &statestore.Account{Balance: uint256.NewInt(1_000_000), Nonce: 0}

	rec, err := e.ExecuteTransfer(from, &to, 0, 21000, uint256.NewInt(1), uint256.NewInt(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.Status {
		t.Fatalf("expected success")
	}

	fromAcc, _ := l.GetAccount(from)
	toAcc, _ := l.GetAccount(to)
	if fromAcc.Nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", fromAcc.Nonce)
	}
	if !toAcc.Balance.Eq(uint256.NewInt(500)) {
		t.Fatalf("expected recipient balance 500, got %s", toAcc.Balance)
	}
	wantFromBalance := uint256.NewInt(1_000_000 - 21000 - 500)
	if !fromAcc.Balance.Eq(wantFromBalance) {
		t.Fatalf("expected sender balance %s, got %s", wantFromBalance, fromAcc.Balance)
	}
}

func TestDebitGasOnlyDoesNotTouchRecipient(t *testing.T) {
	l := newMemLedger()
	e := NewExecutor(l)
	from := addr(5)
	l.accounts[from] = &statestore.Account{Balance: uint256.NewInt(100_000), Nonce: 2}

	if err := e.DebitGasOnly(from, 2, 8000, uint256.NewInt(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc, _ := l.GetAccount(from)
	if acc.Nonce != 3 {
		t.Fatalf("expected nonce 3, got %d", acc.Nonce)
	}
	if !acc.Balance.Eq(uint256.NewInt(92000)) {
		t.Fatalf("expected balance 92000, got %s", acc.Balance)
	}
}
