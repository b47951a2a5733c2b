// Package dualvm implements the routing, atomic cross-VM bridge, and
// per-block state-root computation that tie the EVM and DexVM executors
// together into one pipeline (spec §4.6).
package dualvm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/dualvm-labs/dualvm-node/internal/bridge"
	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/evmexec"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// ErrContractCreationUnsupported is returned for a nil-`to` transaction;
// contract creation is explicitly out of scope (spec §8 boundary case).
var ErrContractCreationUnsupported = errors.New("dualvm: contract creation is not supported by this core")

// TxReceipt is the per-transaction outcome DualVmExecutor.ExecuteBlock
// returns, tagged with which lane produced it so callers (RPC, tests) don't
// need to re-derive the routing decision.
type TxReceipt struct {
	Hash       common.Hash
	Kind       chaintypes.TxKind
	EVM        *evmexec.Receipt
	DexVM      *dexvm.Receipt
	Skipped    bool // block-execution precondition failed; tx omitted from block
	SkipReason string
}

// BlockResult is everything ExecuteBlock produces for one proposal.
type BlockResult struct {
	Receipts          []*TxReceipt
	IncludedTxHashes  []common.Hash
	TotalGasUsed      uint64
	EVMStateRoot      common.Hash
	DexVMStateRoot    common.Hash
	CombinedStateRoot common.Hash
}

// Executor is the dual-VM pipeline. It owns no persistence itself — it
// mutates the StateStore and DexVM executor it is given and reports back
// what happened, so the caller (PoaEngine / follower replay, if ever
// added) controls commit/abort.
type Executor struct {
	state  *statestore.StateStore
	dexvm  *dexvm.Executor
	evm    *evmexec.Executor
	signer types.Signer
}

// NewExecutor constructs a dual-VM executor bound to the given state and
// chain id (used only to recover tx senders with EIP-155 replay
// protection).
func NewExecutor(state *statestore.StateStore, dvm *dexvm.Executor, chainID uint64) *Executor {
	return &Executor{
		state:  state,
		dexvm:  dvm,
		evm:    evmexec.NewExecutor(state),
		signer: types.NewEIP155Signer(new(big.Int).SetUint64(chainID)),
	}
}

// ExecuteBlock runs every transaction in txs in order, routes it to the
// correct VM, and finalizes both state roots. On success the DexVM pending
// overlay has already been synced into committed; on a fatal persistence-
// class error the caller must not advance height and should call
// AbortBlock to discard any pending DexVM mutations (spec §7: I/O failure
// during persistence is fatal to the whole block).
func (e *Executor) ExecuteBlock(txs []*types.Transaction) (*BlockResult, error) {
	// DexVM's committed/pending State is not safe for concurrent access —
	// restapi's debug handlers read and mutate it from their own request
	// goroutines. Hold the lock across the whole block so neither observes a
	// half-applied block (spec §9: REST mutations are a separate, advisory
	// path, but must never race with it).
	e.dexvm.Lock()
	defer e.dexvm.Unlock()

	receipts := make([]*TxReceipt, 0, len(txs))
	included := make([]common.Hash, 0, len(txs))
	var totalGas uint64

	for _, tx := range txs {
		from, err := types.Sender(e.signer, tx)
		if err != nil {
			log.Warn("skipping transaction with unrecoverable sender", "hash", tx.Hash(), "err", err)
			receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Skipped: true, SkipReason: err.Error()})
			continue
		}
		if tx.To() == nil {
			log.Warn("skipping contract-creation transaction", "hash", tx.Hash())
			receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Skipped: true, SkipReason: ErrContractCreationUnsupported.Error()})
			continue
		}

		kind := chaintypes.Classify(tx.To())
		switch kind {
		case chaintypes.KindDexVMNative:
			r := e.dexvm.ExecuteDexvmTx(from, tx.Data())
			receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Kind: kind, DexVM: r})
			included = append(included, tx.Hash())
			totalGas += r.GasUsed

		case chaintypes.KindBridge:
			rec, skipped, reason := e.executeBridgeTx(from, tx)
			if skipped {
				log.Warn("skipping bridge transaction failing evm precondition", "hash", tx.Hash(), "reason", reason)
				receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Skipped: true, SkipReason: reason})
				continue
			}
			receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Kind: kind, EVM: rec})
			included = append(included, tx.Hash())
			totalGas += rec.GasUsed

		default: // KindEVM
			rec, skipped, reason := e.executeEVMTx(from, tx)
			if skipped {
				log.Warn("skipping evm transaction failing precondition", "hash", tx.Hash(), "reason", reason)
				receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Skipped: true, SkipReason: reason})
				continue
			}
			receipts = append(receipts, &TxReceipt{Hash: tx.Hash(), Kind: kind, EVM: rec})
			included = append(included, tx.Hash())
			totalGas += rec.GasUsed
		}
	}

	e.dexvm.SyncPendingToState()
	if err := e.persistDexVMCommitted(); err != nil {
		return nil, fmt.Errorf("dualvm: persisting dexvm counters: %w", err)
	}

	evmRoot, err := e.state.EVMRoot()
	if err != nil {
		return nil, fmt.Errorf("dualvm: computing evm root: %w", err)
	}
	dexvmRoot := e.dexvm.Committed().Digest()
	combined := chaintypes.CombinedRoot(evmRoot, dexvmRoot)

	return &BlockResult{
		Receipts:          receipts,
		IncludedTxHashes:  included,
		TotalGasUsed:      totalGas,
		EVMStateRoot:      evmRoot,
		DexVMStateRoot:    dexvmRoot,
		CombinedStateRoot: combined,
	}, nil
}

// AbortBlock discards any DexVM pending mutations made by a block that
// failed to persist, so the next proposal starts clean from committed.
func (e *Executor) AbortBlock() {
	e.dexvm.DiscardPending()
}

// RecordHeight durably records n as the latest committed block number, to
// be read back by PoaEngine on restart.
func (e *Executor) RecordHeight(n uint64) error {
	return e.state.PutLatestBlockNumber(n)
}

// LatestHeight returns the latest committed block number, and false if the
// store has never recorded one.
func (e *Executor) LatestHeight() (uint64, bool, error) {
	return e.state.LatestBlockNumber()
}

func (e *Executor) executeEVMTx(from common.Address, tx *types.Transaction) (rec *evmexec.Receipt, skipped bool, reason string) {
	gasPrice, _ := uint256.FromBig(tx.GasPrice())
	value, _ := uint256.FromBig(tx.Value())

	if err := e.evm.CheckPreconditions(from, tx.Nonce(), tx.Gas(), gasPrice, value); err != nil {
		return nil, true, err.Error()
	}
	to := tx.To()
	rec, err := e.evm.ExecuteTransfer(from, to, tx.Nonce(), chainconfig.IntrinsicGas, gasPrice, value)
	if err != nil {
		return nil, true, err.Error()
	}
	return rec, false, ""
}

// executeBridgeTx runs the cross-VM path: verify EVM preconditions, debit
// gas, then invoke the precompile against the DexVM pending overlay. A
// bridge failure (decrement underflow / malformed calldata) still consumes
// gas and advances the nonce — there is no rollback of the EVM-side debit
// (spec §4.5).
func (e *Executor) executeBridgeTx(from common.Address, tx *types.Transaction) (rec *evmexec.Receipt, skipped bool, reason string) {
	gasPrice, _ := uint256.FromBig(tx.GasPrice())
	value, _ := uint256.FromBig(tx.Value())

	if err := e.evm.CheckPreconditions(from, tx.Nonce(), tx.Gas(), gasPrice, value); err != nil {
		return nil, true, err.Error()
	}

	result := bridge.Execute(from, tx.Data(), e.dexvm.Pending())
	gasUsed := result.GasUsed
	if gasUsed == 0 {
		gasUsed = chainconfig.IntrinsicGas // malformed calldata still costs the base fee
	}
	if err := e.evm.DebitGasOnly(from, tx.Nonce(), gasUsed, gasPrice); err != nil {
		return nil, true, err.Error()
	}
	return &evmexec.Receipt{Status: result.Success, GasUsed: gasUsed}, false, ""
}

// persistDexVMCommitted writes the just-synced committed DexVM snapshot
// back into StateStore so REST reads and followers observe the same
// counters the roots were derived from.
func (e *Executor) persistDexVMCommitted() error {
	committed := e.dexvm.Committed()
	entries, err := committed.SortedForPersist()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := e.state.PutCounter(entry.Addr, entry.Counter); err != nil {
			return err
		}
	}
	// Counters that dropped to zero are absent from committed; zero their
	// persisted copies so StateStore does not keep a stale value.
	persisted, err := e.state.ScanCountersSorted()
	if err != nil {
		return err
	}
	for _, p := range persisted {
		if committed.Get(p.Addr) == 0 {
			if err := e.state.PutCounter(p.Addr, 0); err != nil {
				return err
			}
		}
	}
	return nil
}
