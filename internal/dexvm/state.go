// Package dexvm implements the minimal per-address counter VM: an
// in-memory map with saturating increment, failing decrement, and a
// deterministic digest used as one half of the combined block state root.
package dexvm

import (
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUnderflow is returned by Decrement when amount exceeds the current
// counter value; the counter is left unmodified.
var ErrUnderflow = errors.New("dexvm: decrement would underflow counter")

// State is the in-memory address → u64 counter map.
type State struct {
	counters map[common.Address]uint64
}

// NewState returns an empty counter map.
func NewState() *State {
	return &State{counters: make(map[common.Address]uint64)}
}

// Get returns the counter at addr, defaulting to zero.
func (s *State) Get(addr common.Address) uint64 {
	return s.counters[addr]
}

// Set overwrites the counter at addr.
func (s *State) Set(addr common.Address, v uint64) {
	if v == 0 {
		delete(s.counters, addr)
		return
	}
	s.counters[addr] = v
}

// Increment adds amount to the counter at addr, saturating at u64::MAX
// rather than wrapping (spec O1: saturation is the adopted behavior).
// It always succeeds.
func (s *State) Increment(addr common.Address, amount uint64) uint64 {
	cur := s.counters[addr]
	next := cur + amount
	if next < cur { // overflow
		next = ^uint64(0)
	}
	s.Set(addr, next)
	return next
}

// Decrement subtracts amount from the counter at addr. If amount exceeds
// the current value, the counter is left unchanged and ErrUnderflow is
// returned; decrementing by zero when the counter is already zero succeeds
// and leaves it at zero.
func (s *State) Decrement(addr common.Address, amount uint64) (uint64, error) {
	cur := s.counters[addr]
	if amount > cur {
		return cur, ErrUnderflow
	}
	next := cur - amount
	s.Set(addr, next)
	return next, nil
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	out := NewState()
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

// Overwrite replaces s's contents with a deep copy of other's.
func (s *State) Overwrite(other *State) {
	s.counters = make(map[common.Address]uint64, len(other.counters))
	for k, v := range other.counters {
		s.counters[k] = v
	}
}

// entry pairs an address with its counter for deterministic digesting.
type entry struct {
	addr common.Address
	v    uint64
}

func (s *State) sortedEntries() []entry {
	entries := make([]entry, 0, len(s.counters))
	for addr, v := range s.counters {
		if v == 0 {
			continue
		}
		entries = append(entries, entry{addr, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addr.Cmp(entries[j].addr) < 0 })
	return entries
}

// CounterEntry pairs an address with its counter value for callers outside
// this package (e.g. persistence) that need the sorted, non-zero view.
type CounterEntry struct {
	Addr    common.Address
	Counter uint64
}

// SortedForPersist returns the non-zero counters in ascending address
// order, suitable for writing back to durable storage after a block.
func (s *State) SortedForPersist() ([]CounterEntry, error) {
	entries := s.sortedEntries()
	out := make([]CounterEntry, len(entries))
	for i, e := range entries {
		out[i] = CounterEntry{Addr: e.addr, Counter: e.v}
	}
	return out, nil
}

// Digest returns the 32-byte state root: keccak256 of, in ascending address
// order, addr ∥ counter(8B big-endian) for every non-zero entry. An empty
// map digests to keccak256(nil). Map iteration order never affects the
// result — permuting it is explicitly a correctness requirement (spec
// invariant 6).
func (s *State) Digest() common.Hash {
	entries := s.sortedEntries()
	buf := make([]byte, 0, len(entries)*28)
	for _, e := range entries {
		buf = append(buf, e.addr[:]...)
		var b [8]byte
		putUint64BE(b[:], e.v)
		buf = append(buf, b[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

func putUint64BE(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}
