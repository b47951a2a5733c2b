// Package chainconfig holds the handful of well-known addresses and
// constants that pin the routing and consensus rules of this node. None of
// it is negotiable at runtime — it is the normative encoding the spec
// fixes, not operator configuration.
package chainconfig

import "github.com/ethereum/go-ethereum/common"

// DefaultChainID is used unless overridden by the genesis file.
const DefaultChainID uint64 = 13337

// DexVMAddress is the routing key for a DexVM-native transaction.
var DexVMAddress = common.HexToAddress("0x000000000000000000000000000000000000dd01")

// BridgeAddress is the precompile that atomically bridges an EVM transaction
// into a DexVM mutation.
var BridgeAddress = common.HexToAddress("0x0000000000000000000000000000000000000100")

// IntrinsicGas is the fixed per-transaction gas charge; this core models no
// opcode metering beyond transfers and the bridge surcharges below.
const IntrinsicGas uint64 = 21000

// Bridge operation gas surcharges, added on top of IntrinsicGas.
const (
	BridgeIncrementGas uint64 = 5000
	BridgeDecrementGas uint64 = 5000
	BridgeQueryGas     uint64 = 3000
)

// FixedGasPrice is the value eth_gasPrice always reports (1 gwei).
const FixedGasPrice uint64 = 1_000_000_000

// DefaultBlockIntervalMS is the PoA proposer cadence, in milliseconds.
const DefaultBlockIntervalMS = 500

// MaxTxsPerBlock bounds how many mempool entries a single proposal drains.
const MaxTxsPerBlock = 256

// HeaderBatchCap bounds how many headers a follower requests per round.
const HeaderBatchCap = 512
