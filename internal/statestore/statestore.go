// Package statestore is the persistent ordered map of EVM accounts and
// DexVM counters. It is backed by goleveldb, the embedded ordered
// key-value engine this codebase's lineage reaches for wherever the
// "real" deployment uses MDBX/pebble — goleveldb's iterators are ordered
// by raw key bytes, which is exactly the property the state-root
// algorithm below depends on.
package statestore

import (
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// cacheBytes sizes the read-through account/counter cache. Small by design
// — this is a hot-path convenience, not a correctness dependency.
const cacheBytes = 16 * 1024 * 1024

// StateStore is the durable account/counter table shared by both VMs.
type StateStore struct {
	db    *leveldb.DB
	cache *fastcache.Cache
}

// Open returns a StateStore backed by the already-open leveldb database db.
func Open(db *leveldb.DB) *StateStore {
	return &StateStore{db: db, cache: fastcache.New(cacheBytes)}
}

// GetAccount returns the account at addr, or the zero-valued default if
// absent.
func (s *StateStore) GetAccount(addr common.Address) (*Account, error) {
	key := accountKey(addr)
	if cached, ok := s.cache.HasGet(nil, key); ok {
		return decodeAccount(cached)
	}
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return NewAccount(), nil
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, raw)
	return decodeAccount(raw)
}

// PutAccount durably stores acc at addr.
func (s *StateStore) PutAccount(addr common.Address, acc *Account) error {
	key := accountKey(addr)
	raw := encodeAccount(acc)
	if err := s.db.Put(key, raw, nil); err != nil {
		return err
	}
	s.cache.Set(key, raw)
	return nil
}

// GetCounter returns the DexVM counter for addr, or zero if absent.
func (s *StateStore) GetCounter(addr common.Address) (uint64, error) {
	key := counterKey(addr)
	if cached, ok := s.cache.HasGet(nil, key); ok {
		return decodeCounter(cached)
	}
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.cache.Set(key, raw)
	return decodeCounter(raw)
}

// PutCounter durably stores v at addr.
func (s *StateStore) PutCounter(addr common.Address, v uint64) error {
	key := counterKey(addr)
	raw := encodeCounter(v)
	if err := s.db.Put(key, raw, nil); err != nil {
		return err
	}
	s.cache.Set(key, raw)
	return nil
}

// AccountEntry pairs an address with its account, used by scans.
type AccountEntry struct {
	Addr common.Address
	Acc  *Account
}

// CounterEntry pairs an address with its counter, used by scans.
type CounterEntry struct {
	Addr    common.Address
	Counter uint64
}

// ScanAccountsSorted returns every non-default account, in ascending
// address order — the canonical order the state root is computed over.
func (s *StateStore) ScanAccountsSorted() ([]AccountEntry, error) {
	rng := util.BytesPrefix([]byte{prefixAccount})
	it := s.db.NewIterator(rng, nil)
	defer it.Release()

	var out []AccountEntry
	for it.Next() {
		var addr common.Address
		copy(addr[:], it.Key()[1:])
		acc, err := decodeAccount(it.Value())
		if err != nil {
			return nil, err
		}
		if acc.IsDefault() {
			continue
		}
		out = append(out, AccountEntry{Addr: addr, Acc: acc})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	// leveldb iteration is already key-ordered (== address-ordered), but
	// sort defensively so callers never depend on that implementation detail.
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Cmp(out[j].Addr) < 0 })
	return out, nil
}

// ScanCountersSorted returns every non-zero counter, in ascending address order.
func (s *StateStore) ScanCountersSorted() ([]CounterEntry, error) {
	rng := util.BytesPrefix([]byte{prefixCounter})
	it := s.db.NewIterator(rng, nil)
	defer it.Release()

	var out []CounterEntry
	for it.Next() {
		var addr common.Address
		copy(addr[:], it.Key()[1:])
		v, err := decodeCounter(it.Value())
		if err != nil {
			return nil, err
		}
		if v == 0 {
			continue
		}
		out = append(out, CounterEntry{Addr: addr, Counter: v})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr.Cmp(out[j].Addr) < 0 })
	return out, nil
}

// LatestBlockNumber returns the highest block number recorded, and false if
// the store is empty.
func (s *StateStore) LatestBlockNumber() (uint64, bool, error) {
	raw, err := s.db.Get(metaLatestBlockKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := decodeCounter(raw)
	return v, true, err
}

// PutLatestBlockNumber durably records n as the latest known height.
func (s *StateStore) PutLatestBlockNumber(n uint64) error {
	return s.db.Put(metaLatestBlockKey, encodeCounter(n), nil)
}

// EVMRoot computes the EVM state root: keccak256 of, in ascending address
// order, addr ∥ balance(32B BE) ∥ nonce(8B BE) ∥ codeHash(32B) for every
// account with a non-default value. An empty map digests to
// keccak256(nil).
func (s *StateStore) EVMRoot() (common.Hash, error) {
	entries, err := s.ScanAccountsSorted()
	if err != nil {
		return common.Hash{}, err
	}
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.Addr[:]...)
		bal := e.Acc.Balance.Bytes32()
		buf = append(buf, bal[:]...)
		buf = append(buf, encodeCounter(e.Acc.Nonce)...)
		buf = append(buf, e.Acc.CodeHash[:]...)
	}
	root := crypto.Keccak256Hash(buf)
	log.Debug("computed evm state root", "root", root, "accounts", len(entries))
	return root, nil
}

// DexVMRoot computes the DexVM state root over the *persisted* (committed)
// counters: keccak256 of addr ∥ counter(8B BE) per non-zero entry, in
// ascending address order.
func (s *StateStore) DexVMRoot() (common.Hash, error) {
	entries, err := s.ScanCountersSorted()
	if err != nil {
		return common.Hash{}, err
	}
	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.Addr[:]...)
		buf = append(buf, encodeCounter(e.Counter)...)
	}
	root := crypto.Keccak256Hash(buf)
	log.Debug("computed dexvm state root", "root", root, "counters", len(entries))
	return root, nil
}
