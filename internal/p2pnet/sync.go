package p2pnet

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/chaintypes"
	"github.com/dualvm-labs/dualvm-node/internal/wire"
)

// syncFrom drives the follower state machine against one peer, starting
// from localHeight, until it catches up to that peer's last known height
// or a request fails (spec §4.9).
func (pm *PeerManager) syncFrom(pc *peerConn, localHeight uint64) {
	for {
		pc.mu.Lock()
		target := pc.remoteHeight
		pc.mu.Unlock()

		local, localHash := pm.snapshot()
		if local >= target {
			return
		}

		to := target
		if to-local > chainconfig.HeaderBatchCap {
			to = local + chainconfig.HeaderBatchCap
		}

		headers, err := pm.requestHeaders(pc, local+1, to)
		if err != nil {
			log.Warn("header request failed", "peer", pc.peer.ID(), "err", err)
			return
		}
		if len(headers) == 0 {
			return
		}
		if err := checkContiguity(headers, localHash); err != nil {
			log.Warn("discarding header batch, discontiguous", "peer", pc.peer.ID(), "err", err)
			continue // re-request the same range next loop
		}

		hashes := make([]common.Hash, len(headers))
		for i, h := range headers {
			hashes[i] = h.Hash
		}
		bodies, err := pm.requestBodies(pc, hashes)
		if err != nil {
			log.Warn("body request failed", "peer", pc.peer.ID(), "err", err)
			return
		}
		bodyByHash := make(map[common.Hash]wire.Body, len(bodies))
		for _, b := range bodies {
			bodyByHash[b.Hash] = b
		}

		for _, h := range headers {
			body, ok := bodyByHash[h.Hash]
			if !ok {
				log.Warn("peer answered headers without matching body, aborting batch", "peer", pc.peer.ID(), "missing", h.Hash)
				return
			}
			block, rawTxs, err := assembleBlock(h, body)
			if err != nil {
				log.Warn("discarding unassemblable block", "peer", pc.peer.ID(), "number", h.Number, "err", err)
				return
			}
			if err := pm.blocks.StoreBlock(block, rawTxs); err != nil {
				log.Error("failed to persist synced block", "number", h.Number, "err", err)
				return
			}
			pm.mu.Lock()
			pm.localHeight = block.Number
			pm.localHash = block.Hash()
			pm.mu.Unlock()
		}
	}
}

func (pm *PeerManager) requestHeaders(pc *peerConn, from, to uint64) ([]wire.Header, error) {
	id := atomic.AddUint64(&pm.nextRequestID, 1)
	ch := make(chan wire.BlockHeaders, 1)
	pc.mu.Lock()
	pc.pendingHeaders[id] = ch
	pc.mu.Unlock()

	req := wire.GetBlockHeaders{RequestID: id, FromBlock: from, ToBlock: to}
	if err := p2p.Send(pc.rw, wire.GetBlockHeadersMsg, req); err != nil {
		pc.mu.Lock()
		delete(pc.pendingHeaders, id)
		pc.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.Headers, nil
	case <-time.After(requestTimeout):
		pc.mu.Lock()
		delete(pc.pendingHeaders, id)
		pc.mu.Unlock()
		return nil, fmt.Errorf("p2pnet: header request %d timed out", id)
	}
}

func (pm *PeerManager) requestBodies(pc *peerConn, hashes []common.Hash) ([]wire.Body, error) {
	id := atomic.AddUint64(&pm.nextRequestID, 1)
	ch := make(chan wire.BlockBodies, 1)
	pc.mu.Lock()
	pc.pendingBodies[id] = ch
	pc.mu.Unlock()

	req := wire.GetBlockBodies{RequestID: id, Hashes: hashes}
	if err := p2p.Send(pc.rw, wire.GetBlockBodiesMsg, req); err != nil {
		pc.mu.Lock()
		delete(pc.pendingBodies, id)
		pc.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp.Bodies, nil
	case <-time.After(requestTimeout):
		pc.mu.Lock()
		delete(pc.pendingBodies, id)
		pc.mu.Unlock()
		return nil, fmt.Errorf("p2pnet: body request %d timed out", id)
	}
}

// checkContiguity enforces spec §4.9: parent_hash(i+1)==hash(i) and
// number(i+1)==number(i)+1 across the whole batch, plus that the batch
// actually extends the locally-tracked chain instead of forking off it —
// the pairwise check alone would accept a batch that is internally
// contiguous but answers a different chain than the one already persisted.
func checkContiguity(headers []wire.Header, expectedParent common.Hash) error {
	if len(headers) > 0 && headers[0].ParentHash != expectedParent {
		return fmt.Errorf("batch parent hash %s does not extend local chain at %s", headers[0].ParentHash, expectedParent)
	}
	for i := 1; i < len(headers); i++ {
		prev, cur := headers[i-1], headers[i]
		if cur.Number != prev.Number+1 {
			return fmt.Errorf("non-sequential numbers %d -> %d", prev.Number, cur.Number)
		}
		if cur.ParentHash != prev.Hash {
			return fmt.Errorf("parent hash mismatch at block %d", cur.Number)
		}
	}
	return nil
}

// assembleBlock reconstructs a trusted chaintypes.Block from a matched
// header/body pair. Followers do not re-execute transactions (that is out
// of scope, spec §4 Non-goals); the EVM/DexVM roots and tx hash list are
// taken from the header/body as announced by the validator.
func assembleBlock(h wire.Header, body wire.Body) (*chaintypes.Block, map[common.Hash][]byte, error) {
	rawTxs := make(map[common.Hash][]byte, len(body.RawTransactions))
	txHashes := make([]common.Hash, 0, len(body.RawTransactions))
	for _, raw := range body.RawTransactions {
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, nil, fmt.Errorf("decoding transaction: %w", err)
		}
		hash := tx.Hash()
		rawTxs[hash] = raw
		txHashes = append(txHashes, hash)
	}

	b := &chaintypes.Block{
		Number:            h.Number,
		ParentHash:        h.ParentHash,
		Timestamp:         h.Timestamp,
		GasLimit:          body.GasLimit,
		GasUsed:           body.GasUsed,
		Miner:             h.Miner,
		EVMStateRoot:      body.EVMStateRoot,
		DexVMStateRoot:    body.DexVMStateRoot,
		CombinedStateRoot: h.CombinedStateRoot,
		TxHashes:          txHashes,
	}
	copy(b.Signature[:], h.Signature)

	if got := b.Hash(); got != h.Hash {
		return nil, nil, fmt.Errorf("reassembled hash %s does not match announced hash %s", got, h.Hash)
	}
	return b, rawTxs, nil
}
