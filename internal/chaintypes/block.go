// Package chaintypes holds the block and consensus-header shapes shared by
// execution, consensus, storage, and the wire layer, plus the routing rule
// that decides which VM a transaction belongs to.
package chaintypes

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
)

// TxKind is the three-way routing classification of spec §4.6.
type TxKind int

const (
	KindEVM TxKind = iota
	KindDexVMNative
	KindBridge
)

func (k TxKind) String() string {
	switch k {
	case KindEVM:
		return "evm"
	case KindDexVMNative:
		return "dexvm-native"
	case KindBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Classify routes a transaction by its `to` address. A nil `to` (contract
// creation) is out of scope and is the caller's responsibility to reject
// before reaching here (spec §8 boundary behavior).
func Classify(to *common.Address) TxKind {
	switch {
	case to == nil:
		return KindEVM
	case *to == chainconfig.DexVMAddress:
		return KindDexVMNative
	case *to == chainconfig.BridgeAddress:
		return KindBridge
	default:
		return KindEVM
	}
}

// Block is the node's on-disk/on-wire block representation. Its canonical
// hash comes from ConsensusHeader, a *types.Header built from Number,
// ParentHash, Timestamp, GasLimit, GasUsed, Miner, CombinedStateRoot and
// Signature (see Hash()); EVMStateRoot, DexVMStateRoot and TxHashes are
// bookkeeping this core needs but that don't participate in the header hash.
type Block struct {
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
	Signature         [65]byte
}

// CombinedRoot computes keccak256(evmRoot ∥ dexvmRoot), the normative
// encoding fixed by spec §4.1/§3.
func CombinedRoot(evmRoot, dexvmRoot common.Hash) common.Hash {
	buf := make([]byte, 64)
	copy(buf[:32], evmRoot[:])
	copy(buf[32:], dexvmRoot[:])
	return crypto.Keccak256Hash(buf)
}

// ConsensusHeader builds the *types.Header whose RLP-encoded hash is this
// block's canonical hash. Reusing go-ethereum's Header/Hash() machinery
// directly means the hash algorithm here is exactly "keccak256 of the RLP
// encoding" with no reimplementation.
func (b *Block) ConsensusHeader() *types.Header {
	h := &types.Header{
		ParentHash:  b.ParentHash,
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    b.Miner,
		Root:        b.CombinedStateRoot,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Bloom:       types.Bloom{},
		Difficulty:  common.Big0,
		Number:      new(big.Int).SetUint64(b.Number),
		GasLimit:    b.GasLimit,
		GasUsed:     b.GasUsed,
		Time:        b.Timestamp,
		Extra:       append([]byte(nil), b.Signature[:]...),
		MixDigest:   common.Hash{},
		Nonce:       types.BlockNonce{},
		BaseFee:     common.Big0,
	}
	return h
}

// Hash returns the block's canonical hash: keccak256(RLP(ConsensusHeader())).
func (b *Block) Hash() common.Hash {
	return b.ConsensusHeader().Hash()
}

// SigningDigest is the 4-field pre-image the POA signature commits to:
// keccak256(number ∥ parent_hash ∥ timestamp ∥ proposer). This is
// deliberately NOT an EIP-155 transaction signature — it is the block
// proposal's own authentication digest (spec §9).
func SigningDigest(number uint64, parentHash common.Hash, timestamp uint64, proposer common.Address) common.Hash {
	buf := make([]byte, 8+32+8+20)
	binary.BigEndian.PutUint64(buf[0:8], number)
	copy(buf[8:40], parentHash[:])
	binary.BigEndian.PutUint64(buf[40:48], timestamp)
	copy(buf[48:68], proposer[:])
	return crypto.Keccak256Hash(buf)
}
