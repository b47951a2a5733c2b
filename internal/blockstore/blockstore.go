// Package blockstore is the persistent map number → block, plus the
// secondary indices (txhash → (number,index), txhash → raw bytes) followers
// need to answer GetBlockBodies without re-deriving anything.
package blockstore

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
)

const (
	prefixBlockByNumber = 'b'
	prefixBlockHashIdx  = 'h' // block hash -> number
	prefixTxIndex       = 'x' // tx hash -> (number, txIndex)
	prefixTxBlob        = 't' // tx hash -> raw rlp bytes
	prefixReceipt       = 'r' // tx hash -> Receipt
)

// Receipt is the durable, minimal transaction outcome this core tracks —
// enough to answer eth_getTransactionReceipt without re-executing anything.
type Receipt struct {
	Status      bool
	GasUsed     uint64
	BlockNumber uint64
	BlockHash   common.Hash
	TxIndex     uint64
}

// TxLocation is the secondary index entry recorded by StoreBlock.
type TxLocation struct {
	Number uint64
	Index  uint64
}

// StoredBlock is the durable encoding of a chaintypes.Block: the block
// metadata plus its ordered transaction hashes. Raw transaction bytes are
// stored separately (TxBlobs) so that header-only sync paths never need to
// touch them.
type StoredBlock struct {
	Block *chaintypes.Block
}

// BlockStore persists blocks, their hash index, and transaction lookups on
// one leveldb.DB (shared with StateStore's keyspace, disjoint prefixes).
type BlockStore struct {
	db *leveldb.DB
}

// Open returns a BlockStore backed by db.
func Open(db *leveldb.DB) *BlockStore {
	return &BlockStore{db: db}
}

func numberKey(n uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixBlockByNumber
	binary.BigEndian.PutUint64(k[1:], n)
	return k
}

func hashIdxKey(h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = prefixBlockHashIdx
	copy(k[1:], h[:])
	return k
}

func txIndexKey(h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = prefixTxIndex
	copy(k[1:], h[:])
	return k
}

func txBlobKey(h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = prefixTxBlob
	copy(k[1:], h[:])
	return k
}

func receiptKey(h common.Hash) []byte {
	k := make([]byte, 1+common.HashLength)
	k[0] = prefixReceipt
	copy(k[1:], h[:])
	return k
}

// wireBlock is the RLP-friendly encoding of a chaintypes.Block.
type wireBlock struct {
	Number            uint64
	ParentHash        common.Hash
	Timestamp         uint64
	GasLimit          uint64
	GasUsed           uint64
	Miner             common.Address
	EVMStateRoot      common.Hash
	DexVMStateRoot    common.Hash
	CombinedStateRoot common.Hash
	TxHashes          []common.Hash
	Signature         []byte
}

func toWire(b *chaintypes.Block) wireBlock {
	return wireBlock{
		Number:            b.Number,
		ParentHash:        b.ParentHash,
		Timestamp:         b.Timestamp,
		GasLimit:          b.GasLimit,
		GasUsed:           b.GasUsed,
		Miner:             b.Miner,
		EVMStateRoot:      b.EVMStateRoot,
		DexVMStateRoot:    b.DexVMStateRoot,
		CombinedStateRoot: b.CombinedStateRoot,
		TxHashes:          b.TxHashes,
		Signature:         append([]byte(nil), b.Signature[:]...),
	}
}

func fromWire(w wireBlock) *chaintypes.Block {
	b := &chaintypes.Block{
		Number:            w.Number,
		ParentHash:        w.ParentHash,
		Timestamp:         w.Timestamp,
		GasLimit:          w.GasLimit,
		GasUsed:           w.GasUsed,
		Miner:             w.Miner,
		EVMStateRoot:      w.EVMStateRoot,
		DexVMStateRoot:    w.DexVMStateRoot,
		CombinedStateRoot: w.CombinedStateRoot,
		TxHashes:          w.TxHashes,
	}
	copy(b.Signature[:], w.Signature)
	return b
}

// StoreBlock persists block under its number, indexes its hash, and records
// a tx location (plus the raw bytes, where rawTxs has them) for every
// contained transaction — all inside one leveldb batch so the write is
// atomic (spec §4.2). It does not record the latest height; that value lives
// in StateStore and is written separately through PutLatestBlockNumber.
func (s *BlockStore) StoreBlock(block *chaintypes.Block, rawTxs map[common.Hash][]byte) error {
	enc, err := rlp.EncodeToBytes(toWire(block))
	if err != nil {
		return fmt.Errorf("blockstore: encoding block: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(numberKey(block.Number), enc)
	hash := block.Hash()
	batch.Put(hashIdxKey(hash), numberKey(block.Number)[1:])

	for i, txHash := range block.TxHashes {
		loc := TxLocation{Number: block.Number, Index: uint64(i)}
		locEnc, err := rlp.EncodeToBytes(loc)
		if err != nil {
			return fmt.Errorf("blockstore: encoding tx location: %w", err)
		}
		batch.Put(txIndexKey(txHash), locEnc)
		if raw, ok := rawTxs[txHash]; ok {
			batch.Put(txBlobKey(txHash), raw)
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("blockstore: committing block batch: %w", err)
	}
	log.Info("stored block", "number", block.Number, "hash", hash, "txs", len(block.TxHashes))
	return nil
}

// GetBlockByNumber returns the stored block at n, or (nil, false) if absent.
func (s *BlockStore) GetBlockByNumber(n uint64) (*chaintypes.Block, bool, error) {
	raw, err := s.db.Get(numberKey(n), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var w wireBlock
	if err := rlp.DecodeBytes(raw, &w); err != nil {
		return nil, false, fmt.Errorf("blockstore: decoding block %d: %w", n, err)
	}
	return fromWire(w), true, nil
}

// GetBlockByHash returns the stored block with the given hash, or (nil,
// false) if absent.
func (s *BlockStore) GetBlockByHash(h common.Hash) (*chaintypes.Block, bool, error) {
	numBytes, err := s.db.Get(hashIdxKey(h), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	n := binary.BigEndian.Uint64(numBytes)
	return s.GetBlockByNumber(n)
}

// StoreTransactions persists raw RLP transaction bytes keyed by hash,
// independent of any particular block — used when a proposal is assembled
// before the block it belongs to is known, and always called so that
// follower body requests never come up empty (spec §9 O4).
func (s *BlockStore) StoreTransactions(items map[common.Hash][]byte) error {
	batch := new(leveldb.Batch)
	for h, raw := range items {
		batch.Put(txBlobKey(h), raw)
	}
	return s.db.Write(batch, nil)
}

// GetRawTransaction returns the raw RLP bytes for h, or (nil, false) if
// never stored.
func (s *BlockStore) GetRawTransaction(h common.Hash) ([]byte, bool, error) {
	raw, err := s.db.Get(txBlobKey(h), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

// StoreReceipts persists one Receipt per included transaction hash.
func (s *BlockStore) StoreReceipts(receipts map[common.Hash]Receipt) error {
	batch := new(leveldb.Batch)
	for h, r := range receipts {
		enc, err := rlp.EncodeToBytes(r)
		if err != nil {
			return fmt.Errorf("blockstore: encoding receipt: %w", err)
		}
		batch.Put(receiptKey(h), enc)
	}
	return s.db.Write(batch, nil)
}

// GetReceipt returns the stored receipt for h, or (Receipt{}, false) if
// the hash was never included in a block.
func (s *BlockStore) GetReceipt(h common.Hash) (Receipt, bool, error) {
	raw, err := s.db.Get(receiptKey(h), nil)
	if err == leveldb.ErrNotFound {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}
	var r Receipt
	if err := rlp.DecodeBytes(raw, &r); err != nil {
		return Receipt{}, false, err
	}
	return r, true, nil
}

// GetTxLocation returns the (number, index) a transaction was included at.
func (s *BlockStore) GetTxLocation(h common.Hash) (TxLocation, bool, error) {
	raw, err := s.db.Get(txIndexKey(h), nil)
	if err == leveldb.ErrNotFound {
		return TxLocation{}, false, nil
	}
	if err != nil {
		return TxLocation{}, false, err
	}
	var loc TxLocation
	if err := rlp.DecodeBytes(raw, &loc); err != nil {
		return TxLocation{}, false, err
	}
	return loc, true, nil
}
