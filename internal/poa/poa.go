// Package poa implements the single-validator, fixed-cadence block
// producer. It owns the only task allowed to mutate committed state: the
// main execution loop described in spec §5.
package poa

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/dualvm-labs/dualvm-node/internal/blockstore"
	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
	"github.com/dualvm-labs/dualvm-node/internal/dualvm"
	"github.com/dualvm-labs/dualvm-node/internal/mempool"
	"github.com/dualvm-labs/dualvm-node/internal/metrics"
)

// GenesisHash is used as the parent hash of block 1 when the store is empty.
var GenesisHash = common.Hash{}

// Broadcaster is the subset of PeerManager the engine needs; kept as an
// interface here so internal/poa never imports internal/p2pnet.
type Broadcaster interface {
	BroadcastNewBlockHash(hash common.Hash, number uint64)
}

// Config configures a single validator.
type Config struct {
	ValidatorKey  *ecdsa.PrivateKey
	BlockInterval time.Duration
	MaxTxsPerTick int
}

// Engine is the fixed-cadence proposer + finalizer. Proposing (draining the
// mempool, signing) and Finalizing (execute, persist, broadcast) both run
// on the same goroutine in this implementation — there is exactly one
// "main loop" task, matching spec §5's single-writer requirement for
// committed state without needing any lock between the two phases.
type Engine struct {
	cfg       Config
	validator common.Address

	mempool  *mempool.Mempool
	executor *dualvm.Executor
	blocks   *blockstore.BlockStore
	peers    Broadcaster

	nextBlockNumber uint64
	lastBlockHash   common.Hash
}

// New constructs an Engine at genesis (height 1, empty parent hash). Call
// Bootstrap immediately afterward if StateStore already records a prior
// height, which is the authoritative boot-recovery source (spec §4.1).
func New(cfg Config, mp *mempool.Mempool, exec *dualvm.Executor, blocks *blockstore.BlockStore, peers Broadcaster) (*Engine, error) {
	validator := crypto.PubkeyToAddress(cfg.ValidatorKey.PublicKey)
	return &Engine{
		cfg:             cfg,
		validator:       validator,
		mempool:         mp,
		executor:        exec,
		blocks:          blocks,
		peers:           peers,
		nextBlockNumber: 1,
		lastBlockHash:   GenesisHash,
	}, nil
}

// Bootstrap resumes from a prior height recorded in StateStore: it looks up
// the corresponding block in BlockStore to recover its hash as the next
// proposal's parent. Called once by node wiring right after New, before Run.
func (e *Engine) Bootstrap(latestCommitted uint64) error {
	block, found, err := e.blocks.GetBlockByNumber(latestCommitted)
	if err != nil {
		return fmt.Errorf("poa: loading block %d: %w", latestCommitted, err)
	}
	if !found {
		return fmt.Errorf("poa: latest height %d recorded but block missing", latestCommitted)
	}
	e.nextBlockNumber = latestCommitted + 1
	e.lastBlockHash = block.Hash()
	return nil
}

// Run drives the ticker until ctx is cancelled. Execution errors abort the
// current block only: height does not advance, and the engine stays ready
// to propose again on the next tick (spec §4.7 failure policy).
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("poa engine stopping", "reason", ctx.Err())
			e.mempool.Drain()
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	metrics.MempoolDepth.Set(float64(e.mempool.Len()))

	txs := e.mempool.DrainUpTo(e.cfg.MaxTxsPerTick)
	if len(txs) == 0 {
		return
	}

	timestamp := uint64(time.Now().Unix())
	digest := chaintypes.SigningDigest(e.nextBlockNumber, e.lastBlockHash, timestamp, e.validator)
	sig, err := crypto.Sign(digest[:], e.cfg.ValidatorKey)
	if err != nil {
		log.Error("failed to sign block proposal", "number", e.nextBlockNumber, "err", err)
		return
	}

	result, err := e.executor.ExecuteBlock(txs)
	if err != nil {
		log.Error("block execution failed, not advancing height", "number", e.nextBlockNumber, "err", err)
		e.executor.AbortBlock()
		metrics.BlockProductionErrors.Inc()
		return
	}

	block := &chaintypes.Block{
		Number:            e.nextBlockNumber,
		ParentHash:        e.lastBlockHash,
		Timestamp:         timestamp,
		GasLimit:          30_000_000,
		GasUsed:           result.TotalGasUsed,
		Miner:             e.validator,
		EVMStateRoot:      result.EVMStateRoot,
		DexVMStateRoot:    result.DexVMStateRoot,
		CombinedStateRoot: result.CombinedStateRoot,
		TxHashes:          result.IncludedTxHashes,
	}
	copy(block.Signature[:], sig)

	rawTxs := make(map[common.Hash][]byte, len(txs))
	for _, tx := range txs {
		enc, err := tx.MarshalBinary()
		if err != nil {
			log.Error("failed to encode transaction for storage", "hash", tx.Hash(), "err", err)
			continue
		}
		rawTxs[tx.Hash()] = enc
	}
	if err := e.blocks.StoreTransactions(rawTxs); err != nil {
		log.Error("failed to persist raw transactions, not advancing height", "number", e.nextBlockNumber, "err", err)
		e.executor.AbortBlock()
		metrics.BlockProductionErrors.Inc()
		return
	}
	if err := e.blocks.StoreBlock(block, rawTxs); err != nil {
		log.Error("failed to persist block, not advancing height", "number", e.nextBlockNumber, "err", err)
		e.executor.AbortBlock()
		metrics.BlockProductionErrors.Inc()
		return
	}
	if err := e.executor.RecordHeight(block.Number); err != nil {
		log.Error("failed to record latest height, not advancing", "number", e.nextBlockNumber, "err", err)
		e.executor.AbortBlock()
		metrics.BlockProductionErrors.Inc()
		return
	}

	hash := block.Hash()

	receipts := make(map[common.Hash]blockstore.Receipt, len(block.TxHashes))
	for idx, txHash := range block.TxHashes {
		receipts[txHash] = blockstore.Receipt{
			Status:      true,
			BlockNumber: block.Number,
			BlockHash:   hash,
			TxIndex:     uint64(idx),
		}
	}
	for _, r := range result.Receipts {
		rec, ok := receipts[r.Hash]
		if !ok {
			continue
		}
		if r.EVM != nil {
			rec.Status = r.EVM.Status
			rec.GasUsed = r.EVM.GasUsed
		} else if r.DexVM != nil {
			rec.Status = r.DexVM.Success
			rec.GasUsed = r.DexVM.GasUsed
		}
		receipts[r.Hash] = rec
	}
	if err := e.blocks.StoreReceipts(receipts); err != nil {
		log.Error("failed to persist receipts", "number", block.Number, "err", err)
	}

	e.lastBlockHash = hash
	e.nextBlockNumber++
	metrics.BlocksProduced.Inc()

	log.Info("produced block", "number", block.Number, "hash", hash, "txs", len(block.TxHashes),
		"skipped", len(result.Receipts)-len(result.IncludedTxHashes), "combinedRoot", result.CombinedStateRoot)

	if e.peers != nil {
		e.peers.BroadcastNewBlockHash(hash, block.Number)
	}
}

// ValidatorAddress returns the configured validator's 20-byte address.
func (e *Engine) ValidatorAddress() common.Address { return e.validator }

// NextBlockNumber reports the height the next proposal will claim.
func (e *Engine) NextBlockNumber() uint64 { return e.nextBlockNumber }
