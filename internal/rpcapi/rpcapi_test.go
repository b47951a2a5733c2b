package rpcapi

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/dualvm-labs/dualvm-node/internal/blockstore"
	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/mempool"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

const testChainID = 13337

func newTestAPI(t *testing.T) (*EthAPI, *statestore.StateStore) {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	state := statestore.Open(db)
	blocks := blockstore.Open(db)
	mp := mempool.New(10)
	dvm := dexvm.NewExecutor(nil)
	return NewEthAPI(testChainID, state, blocks, mp, dvm), state
}

func TestChainIdAndVersion(t *testing.T) {
	a, _ := newTestAPI(t)
	if a.ChainId().ToInt().Uint64() != testChainID {
		t.Fatalf("expected chainId %d, got %s", testChainID, a.ChainId())
	}
	net := NewNetAPI(testChainID)
	if net.Version() != "13337" {
		t.Fatalf("expected net_version \"13337\", got %q", net.Version())
	}
	if NewWeb3API().ClientVersion() == "" {
		t.Fatalf("expected a non-empty client version")
	}
}

func TestGetBalanceAndTransactionCount(t *testing.T) {
	a, state := newTestAPI(t)
	addr := common.HexToAddress("0x01")
	acc := statestore.NewAccount()
	acc.Balance = uint256.NewInt(42)
	acc.Nonce = 7
	if err := state.PutAccount(addr, acc); err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	bal, err := a.GetBalance(context.Background(), addr, rpc.BlockNumberOrHash{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal.ToInt().Uint64() != 42 {
		t.Fatalf("expected balance 42, got %s", bal)
	}

	count, err := a.GetTransactionCount(context.Background(), addr, rpc.BlockNumberOrHash{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uint64(count) != 7 {
		t.Fatalf("expected nonce 7, got %d", count)
	}
}

func TestGasPriceAndEstimateGasAreFixed(t *testing.T) {
	a, _ := newTestAPI(t)
	price, err := a.GasPrice()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.ToInt().Uint64() != 1_000_000_000 {
		t.Fatalf("expected fixed gas price, got %s", price)
	}
	gas, err := a.EstimateGas(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uint64(gas) != 21000 {
		t.Fatalf("expected fixed intrinsic gas, got %d", gas)
	}
}

func TestSendRawTransactionRejectsBadNonce(t *testing.T) {
	a, state := newTestAPI(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	acc := statestore.NewAccount()
	acc.Balance = uint256.NewInt(1_000_000_000_000_000_000)
	acc.Nonce = 3
	if err := state.PutAccount(from, acc); err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	signer := types.NewEIP155Signer(big.NewInt(testChainID))
	to := common.HexToAddress("0xbeef")
	tx, err := types.SignTx(types.NewTransaction(0, to, big.NewInt(1), 21000, big.NewInt(1_000_000_000), nil), signer, key)
	if err != nil {
		t.Fatalf("signing tx: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshaling tx: %v", err)
	}

	if _, err := a.SendRawTransaction(context.Background(), raw); err == nil {
		t.Fatalf("expected a nonce-mismatch rejection")
	}
}

func TestSendRawTransactionAdmitsValidTxIntoMempool(t *testing.T) {
	a, state := newTestAPI(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	acc := statestore.NewAccount()
	acc.Balance = uint256.NewInt(1_000_000_000_000_000_000)
	if err := state.PutAccount(from, acc); err != nil {
		t.Fatalf("seeding account: %v", err)
	}

	signer := types.NewEIP155Signer(big.NewInt(testChainID))
	to := common.HexToAddress("0xbeef")
	tx, err := types.SignTx(types.NewTransaction(0, to, big.NewInt(1), 21000, big.NewInt(1_000_000_000), nil), signer, key)
	if err != nil {
		t.Fatalf("signing tx: %v", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshaling tx: %v", err)
	}

	hash, err := a.SendRawTransaction(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != tx.Hash() {
		t.Fatalf("expected returned hash to match the transaction hash")
	}
	if err := a.mempool.Add(tx); err == nil {
		t.Fatalf("expected the mempool to already know this hash")
	}
}

func TestCallServesBridgeQuery(t *testing.T) {
	a, _ := newTestAPI(t)
	from := common.HexToAddress("0x01")
	a.dexvm.Lock()
	a.dexvm.Committed().Increment(from, 9)
	a.dexvm.Unlock()

	calldata := make([]byte, dexvm.CalldataLen)
	calldata[0] = byte(dexvm.OpQuery)
	args := map[string]interface{}{
		"from": from.Hex(),
		"to":   chainconfig.BridgeAddress.Hex(),
		"data": hexutil.Encode(calldata),
	}
	out, err := a.Call(context.Background(), args, rpc.BlockNumberOrHash{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 8 {
		t.Fatalf("expected an 8-byte encoded counter, got %d bytes", len(out))
	}
	got := uint64(0)
	for _, b := range out {
		got = got<<8 | uint64(b)
	}
	if got != 9 {
		t.Fatalf("expected counter 9, got %d", got)
	}
}

func TestCallIgnoresNonBridgeAddress(t *testing.T) {
	a, _ := newTestAPI(t)
	args := map[string]interface{}{
		"to":   common.HexToAddress("0xbeef").Hex(),
		"data": hexutil.Encode([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0}),
	}
	out, err := a.Call(context.Background(), args, rpc.BlockNumberOrHash{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output for a non-bridge call, got %x", []byte(out))
	}
}

func TestGetTransactionReceiptNotFound(t *testing.T) {
	a, _ := newTestAPI(t)
	receipt, err := a.GetTransactionReceipt(context.Background(), common.HexToHash("0xdead"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != nil {
		t.Fatalf("expected a nil receipt for an unknown hash")
	}
}
