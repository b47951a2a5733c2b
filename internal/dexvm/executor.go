package dexvm

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Opcode identifies the DexVM operation encoded in calldata byte 0.
type Opcode byte

const (
	OpIncrement Opcode = 0
	OpDecrement Opcode = 1
	OpQuery     Opcode = 2
)

// ErrMalformedCalldata is returned when the 9-byte {opcode, amount} layout
// cannot be parsed from the supplied input.
var ErrMalformedCalldata = errors.New("dexvm: calldata shorter than 9 bytes")

// CalldataLen is the length of the {opcode, amount} layout DexVM-native and
// bridge calldata carry; ParseCalldata rejects shorter input and ignores any
// bytes past it.
const CalldataLen = 9

// ParseCalldata splits the fixed 9-byte layout into an opcode and a
// big-endian u64 amount. Anything shorter is malformed.
func ParseCalldata(input []byte) (Opcode, uint64, error) {
	if len(input) < CalldataLen {
		return 0, 0, ErrMalformedCalldata
	}
	op := Opcode(input[0])
	var amount uint64
	for _, b := range input[1:9] {
		amount = amount<<8 | uint64(b)
	}
	return op, amount, nil
}

// Receipt is the DexVM-native transaction outcome.
type Receipt struct {
	From       common.Address
	Success    bool
	OldCounter uint64
	NewCounter uint64
	GasUsed    uint64
	Error      string
}

// Executor owns the pending/committed double buffer described in spec
// §4.3/§9: every execution within a block mutates pending only; committed
// is overwritten from pending once, at block finalization. Failure to
// apply one transaction's mutation (calldata too short, decrement
// underflow) never rolls back any other transaction's pending mutation —
// granularity is per-transaction, not per-block.
//
// Committed/Pending return raw *State pointers that callers go on to
// mutate directly (the bridge precompile, the REST debug handlers); mu
// guards every read or write reachable through either pointer, because
// neither State nor its backing map is safe for concurrent access on its
// own. Callers outside this package must hold the Executor's lock (via
// Lock/Unlock) for the full span during which they touch the returned
// State — not just around the call that obtained the pointer.
type Executor struct {
	mu        sync.Mutex
	committed *State
	pending   *State
}

// NewExecutor seeds both buffers from the given committed snapshot (e.g.
// reconstructed from StateStore at boot).
func NewExecutor(committed *State) *Executor {
	if committed == nil {
		committed = NewState()
	}
	return &Executor{committed: committed, pending: committed.Clone()}
}

// Lock acquires the executor's mutex. Any code reading or mutating the
// State returned by Committed or Pending from outside this package must
// hold the lock for as long as it touches that State.
func (e *Executor) Lock() { e.mu.Lock() }

// Unlock releases the lock acquired by Lock.
func (e *Executor) Unlock() { e.mu.Unlock() }

// Committed exposes the last-finalized snapshot, safe to read between
// blocks (e.g. to answer REST queries or seed EVM-side precompile reads
// outside of block execution). Callers must hold the Executor's lock.
func (e *Executor) Committed() *State { return e.committed }

// Pending exposes the in-progress overlay a running block mutates. The
// bridge precompile executes directly against this during cross-VM
// transactions. Callers must hold the Executor's lock.
func (e *Executor) Pending() *State { return e.pending }

// ExecuteDexvmTx applies one DexVM-native transaction's calldata against
// the pending overlay and returns its receipt. Gas is accounted for in the
// receipt only — no ether is ever debited for a DexVM-native transaction.
// Caller must hold the Executor's lock.
func (e *Executor) ExecuteDexvmTx(from common.Address, calldata []byte) *Receipt {
	op, amount, err := ParseCalldata(calldata)
	old := e.pending.Get(from)
	if err != nil {
		return &Receipt{From: from, Success: false, OldCounter: old, NewCounter: old, Error: err.Error()}
	}

	switch op {
	case OpIncrement:
		newV := e.pending.Increment(from, amount)
		return &Receipt{From: from, Success: true, OldCounter: old, NewCounter: newV, GasUsed: gasForOp(op)}
	case OpDecrement:
		newV, err := e.pending.Decrement(from, amount)
		if err != nil {
			log.Debug("dexvm decrement underflow", "addr", from, "amount", amount, "current", old)
			return &Receipt{From: from, Success: false, OldCounter: old, NewCounter: old, GasUsed: gasForOp(op), Error: err.Error()}
		}
		return &Receipt{From: from, Success: true, OldCounter: old, NewCounter: newV, GasUsed: gasForOp(op)}
	case OpQuery:
		return &Receipt{From: from, Success: true, OldCounter: old, NewCounter: old, GasUsed: gasForOp(op)}
	default:
		return &Receipt{From: from, Success: false, OldCounter: old, NewCounter: old, Error: "dexvm: unknown opcode"}
	}
}

// gasForOp reports the DexVM-native accounting gas figure for op. These are
// recorded in the receipt only; the transaction's sender is never charged
// ether for a DexVM-native call.
func gasForOp(op Opcode) uint64 {
	switch op {
	case OpIncrement:
		return 5000
	case OpDecrement:
		return 5000
	case OpQuery:
		return 3000
	default:
		return 0
	}
}

// SyncPendingToState overwrites committed with a deep copy of pending. This
// is invoked exactly once, at the end of a successfully executed block.
// Caller must hold the Executor's lock.
func (e *Executor) SyncPendingToState() {
	e.committed.Overwrite(e.pending)
}

// DiscardPending resets the pending overlay back to the last committed
// snapshot, discarding any mutations made so far. Used when block
// production aborts before reaching finalization (§7: persistence
// failures must not leave partial DexVM state behind). Acquires the
// Executor's lock itself, since it is called standalone after ExecuteBlock
// has already returned (and released the lock it held).
func (e *Executor) DiscardPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.committed.Clone()
}
