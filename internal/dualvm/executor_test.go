package dualvm

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

const testChainID = 13337

func openTestState(t *testing.T) *statestore.StateStore {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return statestore.Open(db)
}

func newTestExecutor(t *testing.T) (*Executor, *statestore.StateStore) {
	t.Helper()
	state := openTestState(t)
	dvm := dexvm.NewExecutor(nil)
	return NewExecutor(state, dvm, testChainID), state
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func fundAccount(t *testing.T, state *statestore.StateStore, addr common.Address, balance uint64, nonce uint64) {
	t.Helper()
	acc := statestore.NewAccount()
	acc.Balance = uint256.NewInt(balance)
	acc.Nonce = nonce
	require.NoError(t, state.PutAccount(addr, acc))
}

func signTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, data []byte) *types.Transaction {
	t.Helper()
	signer := types.NewEIP155Signer(big.NewInt(testChainID))
	tx, err := types.SignTx(types.NewTransaction(nonce, to, value, gasLimit, big.NewInt(1_000_000_000), data), signer, key)
	require.NoError(t, err)
	return tx
}

func dexvmCalldata(op dexvm.Opcode, amount uint64) []byte {
	buf := make([]byte, dexvm.CalldataLen)
	buf[0] = byte(op)
	for i := 0; i < 8; i++ {
		buf[8-i] = byte(amount >> (8 * i))
	}
	return buf
}

func TestExecuteBlockRoutesPlainEVMTransfer(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0xbeef")
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 0)

	tx := signTx(t, key, 0, to, big.NewInt(500), 21000, nil)
	result, err := e.ExecuteBlock([]*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, result.IncludedTxHashes, 1)

	rec := result.Receipts[0]
	require.False(t, rec.Skipped)
	require.NotNil(t, rec.EVM)
	require.True(t, rec.EVM.Status)

	toAcc, err := state.GetAccount(to)
	require.NoError(t, err)
	require.True(t, toAcc.Balance.Eq(uint256.NewInt(500)))
}

func TestExecuteBlockRoutesDexVMNativeTx(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 0)

	tx := signTx(t, key, 0, chainconfig.DexVMAddress, big.NewInt(0), 21000, dexvmCalldata(dexvm.OpIncrement, 4))
	result, err := e.ExecuteBlock([]*types.Transaction{tx})
	require.NoError(t, err)

	rec := result.Receipts[0]
	require.False(t, rec.Skipped)
	require.NotNil(t, rec.DexVM)
	require.True(t, rec.DexVM.Success)
	require.Equal(t, uint64(4), rec.DexVM.NewCounter)

	counter, err := state.GetCounter(from)
	require.NoError(t, err)
	require.Equal(t, uint64(4), counter)

	// DexVM-native transactions never touch ether balance.
	fromAcc, err := state.GetAccount(from)
	require.NoError(t, err)
	require.True(t, fromAcc.Balance.Eq(uint256.NewInt(1_000_000_000_000_000_000)))
}

func TestExecuteBlockBridgeFailureStillDebitsGasNoRollback(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 0)

	// Underflowing decrement on an empty counter must fail the bridge op but
	// still consume gas and advance the nonce (spec §4.5: no rollback).
	tx := signTx(t, key, 0, chainconfig.BridgeAddress, big.NewInt(0), 21000, dexvmCalldata(dexvm.OpDecrement, 10))
	result, err := e.ExecuteBlock([]*types.Transaction{tx})
	require.NoError(t, err)
	require.Len(t, result.IncludedTxHashes, 1, "a failed bridge op is still included, not skipped")

	rec := result.Receipts[0]
	require.False(t, rec.Skipped)
	require.NotNil(t, rec.EVM)
	require.False(t, rec.EVM.Status)

	fromAcc, err := state.GetAccount(from)
	require.NoError(t, err)
	require.Equal(t, uint64(1), fromAcc.Nonce, "nonce must advance despite bridge failure")

	gasCost := uint256.NewInt((chainconfig.IntrinsicGas + chainconfig.BridgeDecrementGas) * 1_000_000_000)
	wantBalance := new(uint256.Int).Sub(uint256.NewInt(1_000_000_000_000_000_000), gasCost)
	require.True(t, fromAcc.Balance.Eq(wantBalance), "gas must be debited despite bridge failure")
}

func TestExecuteBlockRejectsContractCreation(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 0)

	signer := types.NewEIP155Signer(big.NewInt(testChainID))
	tx, err := types.SignTx(types.NewContractCreation(0, big.NewInt(0), 21000, big.NewInt(1_000_000_000), []byte{0x60}), signer, key)
	require.NoError(t, err)

	result, err := e.ExecuteBlock([]*types.Transaction{tx})
	require.NoError(t, err)
	require.Empty(t, result.IncludedTxHashes)
	require.True(t, result.Receipts[0].Skipped)
}

func TestExecuteBlockSkipsPreconditionFailures(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0xcafe")
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 5)

	// Wrong nonce.
	badNonce := signTx(t, key, 0, to, big.NewInt(1), 21000, nil)
	// Insufficient balance.
	hugeValue := new(big.Int).Mul(big.NewInt(10), big.NewInt(1_000_000_000_000_000_000))
	tooRich := signTx(t, key, 5, to, hugeValue, 21000, nil)

	result, err := e.ExecuteBlock([]*types.Transaction{badNonce, tooRich})
	require.NoError(t, err)
	require.Empty(t, result.IncludedTxHashes)
	for _, rec := range result.Receipts {
		require.True(t, rec.Skipped)
	}

	fromAcc, err := state.GetAccount(from)
	require.NoError(t, err)
	require.Equal(t, uint64(5), fromAcc.Nonce, "nonce must be untouched by skipped transactions")
}

func TestExecuteBlockComputesCombinedStateRoot(t *testing.T) {
	e, state := newTestExecutor(t)
	key := mustKey(t)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0xbeef")
	fundAccount(t, state, from, 1_000_000_000_000_000_000, 0)

	tx := signTx(t, key, 0, to, big.NewInt(100), 21000, nil)
	result, err := e.ExecuteBlock([]*types.Transaction{tx})
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, result.CombinedStateRoot)

	evmRoot, err := state.EVMRoot()
	require.NoError(t, err)
	require.Equal(t, evmRoot, result.EVMStateRoot)
}
