package mempool

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func testTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x01")
	return types.NewTransaction(nonce, to, big.NewInt(0), 21000, big.NewInt(1), nil)
}

func TestAddRejectsDuplicateHash(t *testing.T) {
	m := New(10)
	tx := testTx(1)
	if err := m.Add(tx); err != nil {
		t.Fatalf("first add should succeed: %v", err)
	}
	if err := m.Add(tx); !errors.Is(err, ErrAlreadyKnown) {
		t.Fatalf("expected ErrAlreadyKnown, got %v", err)
	}
}

func TestAddRejectsWhenFull(t *testing.T) {
	m := New(1)
	if err := m.Add(testTx(1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(testTx(2)); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestDrainUpToNeverRequeues(t *testing.T) {
	m := New(10)
	for i := uint64(1); i <= 3; i++ {
		if err := m.Add(testTx(i)); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	drained := m.DrainUpTo(2)
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained, got %d", len(drained))
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", m.Len())
	}
	rest := m.DrainUpTo(10)
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining drained, got %d", len(rest))
	}
}

func TestDrainResetsKnownSet(t *testing.T) {
	m := New(10)
	tx := testTx(1)
	if err := m.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	m.Drain()
	if m.Len() != 0 {
		t.Fatalf("expected empty queue after Drain")
	}
	if err := m.Add(tx); err != nil {
		t.Fatalf("re-adding after Drain should succeed, got %v", err)
	}
}
