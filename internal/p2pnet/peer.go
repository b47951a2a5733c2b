// Package p2pnet implements the devp2p transport and follower sync state
// machine described in spec §4.9: one "dvm/1" subprotocol over
// github.com/ethereum/go-ethereum/p2p, announcing finalized blocks and
// answering/issuing header and body requests.
package p2pnet

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"
	"github.com/ethereum/go-ethereum/p2p/enode"

	"github.com/dualvm-labs/dualvm-node/internal/blockstore"
	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
	"github.com/dualvm-labs/dualvm-node/internal/metrics"
	"github.com/dualvm-labs/dualvm-node/internal/wire"
)

// seenHashCap bounds the recent-announcement dedup set so it never grows
// unbounded across a long-lived process (spec §4.9 expanded note).
const seenHashCap = 4096

// requestTimeout is how long a header/body request waits for an answer
// before the peer is considered to have dropped it.
const requestTimeout = 8 * time.Second

// Config configures the devp2p listener.
type Config struct {
	PrivateKey     *ecdsa.PrivateKey
	ListenAddr     string
	MaxPeers       int
	BootstrapNodes []*enode.Node
	ChainID        uint64
}

// PeerManager owns the p2p.Server, the "dvm" subprotocol, and the
// per-peer follower sync state. It is the single-owner task for the peer
// set described in spec §5.
type PeerManager struct {
	cfg    Config
	blocks *blockstore.BlockStore
	server *p2p.Server

	mu          sync.Mutex
	localHeight uint64
	localHash   common.Hash
	peers       map[enode.ID]*peerConn
	seenHashes  mapset.Set[common.Hash]

	nextRequestID uint64
}

// peerConn is the per-peer bookkeeping the sync state machine needs:
// pending requests awaiting an answer, and the headers stashed between
// "headers answered" and "bodies answered".
type peerConn struct {
	peer *p2p.Peer
	rw   p2p.MsgReadWriter

	mu             sync.Mutex
	remoteHeight   uint64
	remoteHash     common.Hash
	pendingHeaders map[uint64]chan wire.BlockHeaders
	pendingBodies  map[uint64]chan wire.BlockBodies
	stashedHeaders []wire.Header
}

// New constructs a PeerManager bound to blocks for answering/applying
// synced blocks. Call Start to actually listen/dial.
func New(cfg Config, blocks *blockstore.BlockStore, localHeight uint64, localHash common.Hash) *PeerManager {
	return &PeerManager{
		cfg:         cfg,
		blocks:      blocks,
		localHeight: localHeight,
		localHash:   localHash,
		peers:       make(map[enode.ID]*peerConn),
		seenHashes:  mapset.NewSet[common.Hash](),
	}
}

// Start builds and launches the underlying p2p.Server.
func (pm *PeerManager) Start() error {
	pm.server = &p2p.Server{
		Config: p2p.Config{
			PrivateKey:     pm.cfg.PrivateKey,
			MaxPeers:       pm.cfg.MaxPeers,
			ListenAddr:     pm.cfg.ListenAddr,
			BootstrapNodes: pm.cfg.BootstrapNodes,
			StaticNodes:    pm.cfg.BootstrapNodes,
			Protocols:      []p2p.Protocol{pm.protocol()},
			Name:           "dualvm-node",
		},
	}
	if err := pm.server.Start(); err != nil {
		return fmt.Errorf("p2pnet: starting server: %w", err)
	}
	return nil
}

// Stop shuts the server down, disconnecting every peer.
func (pm *PeerManager) Stop() {
	if pm.server != nil {
		pm.server.Stop()
	}
}

// PeerCount reports the currently connected peer count.
func (pm *PeerManager) PeerCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.peers)
}

func (pm *PeerManager) protocol() p2p.Protocol {
	return p2p.Protocol{
		Name:    wire.ProtocolName,
		Version: wire.ProtocolVersion,
		Length:  wire.NumMsgCodes,
		Run:     pm.runPeer,
	}
}

// BroadcastNewBlockHash announces hash/number to every connected peer; it
// implements poa.Broadcaster.
func (pm *PeerManager) BroadcastNewBlockHash(hash common.Hash, number uint64) {
	pm.mu.Lock()
	pm.localHeight = number
	pm.localHash = hash
	peers := make([]*peerConn, 0, len(pm.peers))
	for _, pc := range pm.peers {
		peers = append(peers, pc)
	}
	pm.mu.Unlock()

	msg := wire.NewBlockHashes{Hash: hash, Number: number}
	for _, pc := range peers {
		if err := p2p.Send(pc.rw, wire.NewBlockHashesMsg, msg); err != nil {
			log.Warn("failed to announce block to peer", "peer", pc.peer.ID(), "err", err)
		}
	}
}

func (pm *PeerManager) runPeer(p *p2p.Peer, rw p2p.MsgReadWriter) error {
	localHeight, localHash := pm.snapshot()

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- p2p.Send(rw, wire.StatusMsg, wire.Status{
			ChainID:         pm.cfg.ChainID,
			LatestHeight:    localHeight,
			LatestBlockHash: localHash,
		})
	}()

	msg, err := rw.ReadMsg()
	if err != nil {
		return err
	}
	if msg.Code != wire.StatusMsg {
		return errors.New("p2pnet: first message was not Status")
	}
	var remote wire.Status
	if err := msg.Decode(&remote); err != nil {
		return fmt.Errorf("p2pnet: decoding status: %w", err)
	}
	if err := <-sendErr; err != nil {
		return err
	}
	if remote.ChainID != pm.cfg.ChainID {
		return fmt.Errorf("p2pnet: chain id mismatch: local=%d remote=%d", pm.cfg.ChainID, remote.ChainID)
	}

	pc := &peerConn{
		peer:           p,
		rw:             rw,
		remoteHeight:   remote.LatestHeight,
		remoteHash:     remote.LatestBlockHash,
		pendingHeaders: make(map[uint64]chan wire.BlockHeaders),
		pendingBodies:  make(map[uint64]chan wire.BlockBodies),
	}
	pm.addPeer(p.ID(), pc)
	defer pm.removePeer(p.ID())

	log.Info("peer connected", "id", p.ID(), "remoteHeight", remote.LatestHeight)

	if remote.LatestHeight > localHeight {
		go pm.syncFrom(pc, localHeight)
	}

	for {
		msg, err := rw.ReadMsg()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := pm.handleMsg(pc, msg); err != nil {
			log.Warn("dropping peer after protocol violation", "peer", p.ID(), "err", err)
			return err
		}
	}
}

func (pm *PeerManager) snapshot() (uint64, common.Hash) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.localHeight, pm.localHash
}

func (pm *PeerManager) addPeer(id enode.ID, pc *peerConn) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.peers[id] = pc
	metrics.PeerCount.Set(float64(len(pm.peers)))
}

func (pm *PeerManager) removePeer(id enode.ID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, id)
	metrics.PeerCount.Set(float64(len(pm.peers)))
}

func (pm *PeerManager) handleMsg(pc *peerConn, msg p2p.Msg) error {
	defer msg.Discard()

	switch msg.Code {
	case wire.NewBlockHashesMsg:
		var ann wire.NewBlockHashes
		if err := msg.Decode(&ann); err != nil {
			return err
		}
		if !pm.markSeen(ann.Hash) {
			return nil // already processed this announcement
		}
		local, _ := pm.snapshot()
		if ann.Number > local {
			pc.mu.Lock()
			if ann.Number > pc.remoteHeight {
				pc.remoteHeight = ann.Number
				pc.remoteHash = ann.Hash
			}
			pc.mu.Unlock()
			go pm.syncFrom(pc, local)
		}
		return nil

	case wire.GetBlockHeadersMsg:
		var req wire.GetBlockHeaders
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return pm.answerHeaders(pc, req)

	case wire.BlockHeadersMsg:
		var resp wire.BlockHeaders
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		pc.mu.Lock()
		ch, ok := pc.pendingHeaders[resp.RequestID]
		delete(pc.pendingHeaders, resp.RequestID)
		pc.mu.Unlock()
		if ok {
			ch <- resp
		}
		return nil

	case wire.GetBlockBodiesMsg:
		var req wire.GetBlockBodies
		if err := msg.Decode(&req); err != nil {
			return err
		}
		return pm.answerBodies(pc, req)

	case wire.BlockBodiesMsg:
		var resp wire.BlockBodies
		if err := msg.Decode(&resp); err != nil {
			return err
		}
		pc.mu.Lock()
		ch, ok := pc.pendingBodies[resp.RequestID]
		delete(pc.pendingBodies, resp.RequestID)
		pc.mu.Unlock()
		if ok {
			ch <- resp
		}
		return nil

	case wire.TransactionsMsg:
		var txs wire.Transactions
		if err := msg.Decode(&txs); err != nil {
			return err
		}
		// Relay is out of scope for this core; transactions reach the
		// mempool only via RPC ingress (spec §6).
		return nil

	default:
		return nil
	}
}

func (pm *PeerManager) markSeen(h common.Hash) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.seenHashes.Contains(h) {
		return false
	}
	if pm.seenHashes.Cardinality() >= seenHashCap {
		pm.seenHashes.Clear()
	}
	pm.seenHashes.Add(h)
	return true
}

func (pm *PeerManager) answerHeaders(pc *peerConn, req wire.GetBlockHeaders) error {
	to := req.ToBlock
	if to-req.FromBlock+1 > chainconfig.HeaderBatchCap {
		to = req.FromBlock + chainconfig.HeaderBatchCap - 1
	}
	headers := make([]wire.Header, 0, to-req.FromBlock+1)
	for n := req.FromBlock; n <= to; n++ {
		block, found, err := pm.blocks.GetBlockByNumber(n)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		headers = append(headers, toWireHeader(block))
	}
	return p2p.Send(pc.rw, wire.BlockHeadersMsg, wire.BlockHeaders{RequestID: req.RequestID, Headers: headers})
}

func (pm *PeerManager) answerBodies(pc *peerConn, req wire.GetBlockBodies) error {
	bodies := make([]wire.Body, 0, len(req.Hashes))
	for _, h := range req.Hashes {
		block, found, err := pm.blocks.GetBlockByHash(h)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		raw := make([][]byte, 0, len(block.TxHashes))
		for _, txHash := range block.TxHashes {
			blob, ok, err := pm.blocks.GetRawTransaction(txHash)
			if err != nil {
				return err
			}
			if ok {
				raw = append(raw, blob)
			}
		}
		bodies = append(bodies, wire.Body{
			Hash:            h,
			GasLimit:        block.GasLimit,
			GasUsed:         block.GasUsed,
			EVMStateRoot:    block.EVMStateRoot,
			DexVMStateRoot:  block.DexVMStateRoot,
			RawTransactions: raw,
		})
	}
	return p2p.Send(pc.rw, wire.BlockBodiesMsg, wire.BlockBodies{RequestID: req.RequestID, Bodies: bodies})
}

func toWireHeader(b *chaintypes.Block) wire.Header {
	return wire.Header{
		Number:            b.Number,
		Hash:              b.Hash(),
		ParentHash:        b.ParentHash,
		Timestamp:         b.Timestamp,
		CombinedStateRoot: b.CombinedStateRoot,
		Miner:             b.Miner,
		Signature:         append([]byte(nil), b.Signature[:]...),
	}
}
