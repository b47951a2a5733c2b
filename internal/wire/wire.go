// Package wire defines the RLP message codes and payload shapes exchanged
// over the "dvm" devp2p subprotocol (spec §4.9/§6).
package wire

import "github.com/ethereum/go-ethereum/common"

// Message codes for the "dvm/1" protocol.
const (
	StatusMsg          = 0x00
	NewBlockHashesMsg  = 0x01
	GetBlockHeadersMsg = 0x02
	BlockHeadersMsg    = 0x03
	GetBlockBodiesMsg  = 0x04
	BlockBodiesMsg     = 0x05
	TransactionsMsg    = 0x06
)

// ProtocolName and ProtocolVersion identify the subprotocol registered on
// p2p.Server.
const (
	ProtocolName    = "dvm"
	ProtocolVersion = 1
	NumMsgCodes     = 7
)

// Status is the handshake payload exchanged immediately after a peer
// connects, before any other message is accepted.
type Status struct {
	ChainID         uint64
	LatestHeight    uint64
	LatestBlockHash common.Hash
}

// NewBlockHashes announces a freshly finalized block to peers.
type NewBlockHashes struct {
	Hash   common.Hash
	Number uint64
}

// GetBlockHeaders requests the (wire) headers for an inclusive height range.
type GetBlockHeaders struct {
	RequestID uint64
	FromBlock uint64
	ToBlock   uint64
}

// Header is the header-only projection of chaintypes.Block, sufficient for
// contiguity checks before bodies are fetched.
type Header struct {
	Number            uint64
	Hash              common.Hash
	ParentHash        common.Hash
	Timestamp         uint64
	CombinedStateRoot common.Hash
	Miner             common.Address
	Signature         []byte
}

// BlockHeaders answers a GetBlockHeaders request, in ascending order.
type BlockHeaders struct {
	RequestID uint64
	Headers   []Header
}

// GetBlockBodies requests the transaction set for a list of block hashes.
type GetBlockBodies struct {
	RequestID uint64
	Hashes    []common.Hash
}

// Body carries everything BlockHeaders left out: the ordered list of raw
// RLP-encoded transactions plus the fields needed to reconstruct a
// chaintypes.Block without a second round trip.
type Body struct {
	Hash            common.Hash
	GasLimit        uint64
	GasUsed         uint64
	EVMStateRoot    common.Hash
	DexVMStateRoot  common.Hash
	RawTransactions [][]byte
}

// BlockBodies answers a GetBlockBodies request, in the same order as the
// request's hash list.
type BlockBodies struct {
	RequestID uint64
	Bodies    []Body
}

// Transactions gossips newly seen mempool entries to peers.
type Transactions struct {
	Raw [][]byte
}
