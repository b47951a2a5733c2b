// Package mempool is the FIFO staging area shared by RPC ingress and
// PoaEngine. It applies no replacement policy and no gas-price
// prioritization (spec §4.8) — transactions are served, and later
// drained, strictly in arrival order.
package mempool

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrFull is returned by Add when the mempool is already at capacity.
var ErrFull = errors.New("mempool: full")

// ErrAlreadyKnown is returned by Add for a transaction hash already queued.
var ErrAlreadyKnown = errors.New("mempool: transaction already known")

// Mempool is a bounded FIFO queue of signed transactions, safe for
// concurrent use by the RPC ingress task (producer) and PoaEngine
// (consumer).
type Mempool struct {
	mu       sync.Mutex
	capacity int
	queue    []*types.Transaction
	known    map[common.Hash]struct{}
}

// New returns an empty mempool bounded at capacity entries.
func New(capacity int) *Mempool {
	return &Mempool{
		capacity: capacity,
		known:    make(map[common.Hash]struct{}),
	}
}

// Add appends tx to the back of the queue. It is rejected if the queue is
// full or the hash is already queued; beyond that, Add performs no
// validation of its own — callers are expected to have already run
// best-effort nonce/balance checks against committed state.
func (m *Mempool) Add(tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := tx.Hash()
	if _, ok := m.known[h]; ok {
		return ErrAlreadyKnown
	}
	if len(m.queue) >= m.capacity {
		return ErrFull
	}
	m.queue = append(m.queue, tx)
	m.known[h] = struct{}{}
	return nil
}

// DrainUpTo removes and returns up to n transactions from the front of the
// queue. PoaEngine calls this once per proposal and never puts anything
// back — included or not, a drained prefix never returns to the pool
// (spec §4.8, §9 O3).
func (m *Mempool) DrainUpTo(n int) []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.queue) {
		n = len(m.queue)
	}
	out := m.queue[:n]
	m.queue = m.queue[n:]
	for _, tx := range out {
		delete(m.known, tx.Hash())
	}
	return out
}

// Len reports the current queue depth.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Drain empties the queue without returning anything — used on shutdown,
// where in-flight transactions are dropped silently (spec §5).
func (m *Mempool) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = nil
	m.known = make(map[common.Hash]struct{})
}
