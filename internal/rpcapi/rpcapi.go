// Package rpcapi implements the EVM JSON-RPC surface (spec §6), registered
// as eth/web3/net namespaces on github.com/ethereum/go-ethereum/rpc.Server
// the same way upstream geth registers its own API services.
package rpcapi

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/dualvm-labs/dualvm-node/internal/blockstore"
	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/evmexec"
	"github.com/dualvm-labs/dualvm-node/internal/mempool"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// EthAPI implements the eth_* namespace.
type EthAPI struct {
	chainID uint64
	state   *statestore.StateStore
	blocks  *blockstore.BlockStore
	mempool *mempool.Mempool
	evm     *evmexec.Executor
	dexvm   *dexvm.Executor
}

// NewEthAPI constructs the eth_* namespace service.
func NewEthAPI(chainID uint64, state *statestore.StateStore, blocks *blockstore.BlockStore, mp *mempool.Mempool, dvm *dexvm.Executor) *EthAPI {
	return &EthAPI{chainID: chainID, state: state, blocks: blocks, mempool: mp, evm: evmexec.NewExecutor(state), dexvm: dvm}
}

// ChainId implements eth_chainId.
func (a *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(a.chainID))
}

// BlockNumber implements eth_blockNumber.
func (a *EthAPI) BlockNumber() (hexutil.Uint64, error) {
	n, _, err := a.state.LatestBlockNumber()
	return hexutil.Uint64(n), err
}

// GetBalance implements eth_getBalance. This core has no historical state
// snapshots, so any requested block height answers from the current
// committed ledger (spec §6: advisory reads only).
func (a *EthAPI) GetBalance(_ context.Context, address common.Address, _ rpc.BlockNumberOrHash) (*hexutil.Big, error) {
	acc, err := a.state.GetAccount(address)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(acc.Balance.ToBig()), nil
}

// GetTransactionCount implements eth_getTransactionCount.
func (a *EthAPI) GetTransactionCount(_ context.Context, address common.Address, _ rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	acc, err := a.state.GetAccount(address)
	if err != nil {
		return 0, err
	}
	return hexutil.Uint64(acc.Nonce), nil
}

// GasPrice implements eth_gasPrice; this core has no fee market, so it
// always reports the fixed price execution uses (spec §6).
func (a *EthAPI) GasPrice() (*hexutil.Big, error) {
	return (*hexutil.Big)(new(big.Int).SetUint64(chainconfig.FixedGasPrice)), nil
}

// EstimateGas implements eth_estimateGas; it always reports the fixed
// intrinsic gas baseline, without the surcharge a bridge call adds.
func (a *EthAPI) EstimateGas(_ context.Context, _ map[string]interface{}, _ *rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	return hexutil.Uint64(chainconfig.IntrinsicGas), nil
}

// SendRawTransaction implements eth_sendRawTransaction: decode, run a
// best-effort precondition check, and enqueue. Admission does not
// guarantee inclusion — PoaEngine re-checks preconditions at execution
// time and silently drops failures (spec §4.8/§9 O3).
func (a *EthAPI) SendRawTransaction(_ context.Context, input hexutil.Bytes) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(input); err != nil {
		return common.Hash{}, fmt.Errorf("rpcapi: decoding transaction: %w", err)
	}
	signer := types.NewEIP155Signer(new(big.Int).SetUint64(a.chainID))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("rpcapi: recovering sender: %w", err)
	}
	gasPrice, _ := uint256.FromBig(tx.GasPrice())
	value, _ := uint256.FromBig(tx.Value())
	if err := a.evm.CheckPreconditions(from, tx.Nonce(), tx.Gas(), gasPrice, value); err != nil {
		log.Debug("rejecting transaction failing admission check", "hash", tx.Hash(), "err", err)
		return common.Hash{}, err
	}
	if err := a.mempool.Add(tx); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

// GetBlockByNumber implements eth_getBlockByNumber.
func (a *EthAPI) GetBlockByNumber(_ context.Context, number rpc.BlockNumber, fullTx bool) (map[string]interface{}, error) {
	n, err := a.resolveBlockNumber(number)
	if err != nil {
		return nil, err
	}
	block, found, err := a.blocks.GetBlockByNumber(n)
	if err != nil || !found {
		return nil, err
	}
	return a.blockToRPC(block, fullTx), nil
}

// GetBlockByHash implements eth_getBlockByHash.
func (a *EthAPI) GetBlockByHash(_ context.Context, hash common.Hash, fullTx bool) (map[string]interface{}, error) {
	block, found, err := a.blocks.GetBlockByHash(hash)
	if err != nil || !found {
		return nil, err
	}
	return a.blockToRPC(block, fullTx), nil
}

func (a *EthAPI) resolveBlockNumber(number rpc.BlockNumber) (uint64, error) {
	if number == rpc.LatestBlockNumber || number == rpc.PendingBlockNumber {
		n, _, err := a.state.LatestBlockNumber()
		return n, err
	}
	if number < 0 {
		return 0, fmt.Errorf("rpcapi: unsupported block tag %d", number)
	}
	return uint64(number), nil
}

func (a *EthAPI) blockToRPC(b *chaintypes.Block, fullTx bool) map[string]interface{} {
	txs := make([]interface{}, len(b.TxHashes))
	for i, h := range b.TxHashes {
		if !fullTx {
			txs[i] = h
			continue
		}
		raw, ok, _ := a.blocks.GetRawTransaction(h)
		if !ok {
			txs[i] = h
			continue
		}
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			txs[i] = h
			continue
		}
		txs[i] = &tx
	}
	return map[string]interface{}{
		"number":         hexutil.Uint64(b.Number),
		"hash":           b.Hash(),
		"parentHash":     b.ParentHash,
		"timestamp":      hexutil.Uint64(b.Timestamp),
		"gasLimit":       hexutil.Uint64(b.GasLimit),
		"gasUsed":        hexutil.Uint64(b.GasUsed),
		"miner":          b.Miner,
		"stateRoot":      b.CombinedStateRoot,
		"evmStateRoot":   b.EVMStateRoot,
		"dexvmStateRoot": b.DexVMStateRoot,
		"transactions":   txs,
	}
}

// GetTransactionReceipt implements eth_getTransactionReceipt.
func (a *EthAPI) GetTransactionReceipt(_ context.Context, hash common.Hash) (map[string]interface{}, error) {
	loc, found, err := a.blocks.GetTxLocation(hash)
	if err != nil || !found {
		return nil, err
	}
	receipt, found, err := a.blocks.GetReceipt(hash)
	if err != nil || !found {
		return nil, err
	}
	status := hexutil.Uint64(0)
	if receipt.Status {
		status = hexutil.Uint64(1)
	}
	return map[string]interface{}{
		"transactionHash":   hash,
		"transactionIndex":  hexutil.Uint64(loc.Index),
		"blockNumber":       hexutil.Uint64(receipt.BlockNumber),
		"blockHash":         receipt.BlockHash,
		"status":            status,
		"gasUsed":           hexutil.Uint64(receipt.GasUsed),
		"cumulativeGasUsed": hexutil.Uint64(receipt.GasUsed),
	}, nil
}

// Call implements eth_call. This core's only "contract" is the bridge
// precompile, and the only call it can serve read-only is a bridge query
// (opcode OpQuery): anything else — a plain EVM address, or a mutating
// bridge opcode — has no read-only semantics here and reports empty output,
// the same shape upstream eth_call uses for a call into an empty account.
func (a *EthAPI) Call(_ context.Context, args map[string]interface{}, _ rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	to, ok := callArgAddress(args, "to")
	if !ok || to != chainconfig.BridgeAddress {
		return hexutil.Bytes{}, nil
	}
	from, _ := callArgAddress(args, "from")
	data, ok := callArgBytes(args)
	if !ok {
		return hexutil.Bytes{}, nil
	}
	op, _, err := dexvm.ParseCalldata(data)
	if err != nil || op != dexvm.OpQuery {
		return hexutil.Bytes{}, nil
	}

	a.dexvm.Lock()
	counter := a.dexvm.Committed().Get(from)
	a.dexvm.Unlock()

	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[7-i] = byte(counter >> (8 * i))
	}
	return out, nil
}

// callArgAddress pulls a common.Address out of the generic eth_call args
// map under key, accepting both a hex string and a common.Address (the
// shapes the JSON-RPC codec and in-process callers respectively produce).
func callArgAddress(args map[string]interface{}, key string) (common.Address, bool) {
	v, ok := args[key]
	if !ok {
		return common.Address{}, false
	}
	switch t := v.(type) {
	case common.Address:
		return t, true
	case string:
		if !common.IsHexAddress(t) {
			return common.Address{}, false
		}
		return common.HexToAddress(t), true
	default:
		return common.Address{}, false
	}
}

// callArgBytes pulls the call's input calldata, accepting either the
// "data" or "input" key (both appear across eth_call client conventions).
func callArgBytes(args map[string]interface{}) ([]byte, bool) {
	for _, key := range []string{"data", "input"} {
		v, ok := args[key]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case hexutil.Bytes:
			return t, true
		case []byte:
			return t, true
		case string:
			b, err := hexutil.Decode(t)
			if err != nil {
				return nil, false
			}
			return b, true
		}
	}
	return nil, false
}

// Web3API implements the web3_* namespace.
type Web3API struct{}

// NewWeb3API constructs the web3_* namespace service.
func NewWeb3API() *Web3API { return &Web3API{} }

// ClientVersion implements web3_clientVersion.
func (Web3API) ClientVersion() string { return "dualvm-node/v1" }

// NetAPI implements the net_* namespace.
type NetAPI struct {
	chainID uint64
}

// NewNetAPI constructs the net_* namespace service.
func NewNetAPI(chainID uint64) *NetAPI { return &NetAPI{chainID: chainID} }

// Version implements net_version.
func (a *NetAPI) Version() string { return fmt.Sprintf("%d", a.chainID) }
