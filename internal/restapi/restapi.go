// Package restapi implements the DexVM debug REST surface (spec §6):
// direct reads and local-only mutations of the in-memory DexVM committed
// state, explicitly NOT propagated through the block pipeline (§9 O2).
package restapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"

	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// Server serves the DexVM debug endpoints.
type Server struct {
	dvm   *dexvm.Executor
	state *statestore.StateStore

	warnOnce sync.Once
}

// NewServer constructs a restapi Server bound to the node's DexVM executor.
func NewServer(dvm *dexvm.Executor, state *statestore.StateStore) *Server {
	return &Server{dvm: dvm, state: state}
}

// Router builds the mux.Router exposing every endpoint in spec §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/counter/{addr}", s.handleGetCounter).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/counter/{addr}/increment", s.handleMutate(dexvm.OpIncrement)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/counter/{addr}/decrement", s.handleMutate(dexvm.OpDecrement)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/state-root", s.handleStateRoot).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetCounter(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddr(w, r)
	if !ok {
		return
	}
	s.dvm.Lock()
	counter := s.dvm.Committed().Get(addr)
	s.dvm.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": addr,
		"counter": counter,
	})
}

type mutateRequest struct {
	Amount uint64 `json:"amount"`
}

// handleMutate warns once per process that REST mutations bypass the
// block pipeline entirely (spec §9 O2, "debug-only" framing).
func (s *Server) handleMutate(op dexvm.Opcode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.warnOnce.Do(func() {
			log.Warn("DexVM REST mutation endpoint hit — this writes directly to local committed state and is never included in a block")
		})

		addr, ok := parseAddr(w, r)
		if !ok {
			return
		}
		var req mutateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		s.dvm.Lock()
		committed := s.dvm.Committed()
		var newVal uint64
		var mutateErr error
		if op == dexvm.OpIncrement {
			newVal = committed.Increment(addr, req.Amount)
		} else {
			newVal, mutateErr = committed.Decrement(addr, req.Amount)
		}
		s.dvm.Unlock()
		if mutateErr != nil {
			http.Error(w, mutateErr.Error(), http.StatusConflict)
			return
		}
		if err := s.state.PutCounter(addr, newVal); err != nil {
			http.Error(w, "persisting counter failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"address": addr, "counter": newVal})
	}
}

func (s *Server) handleStateRoot(w http.ResponseWriter, r *http.Request) {
	evmRoot, err := s.state.EVMRoot()
	if err != nil {
		http.Error(w, "computing evm root failed", http.StatusInternalServerError)
		return
	}
	s.dvm.Lock()
	dexvmRoot := s.dvm.Committed().Digest()
	s.dvm.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"evmStateRoot":   evmRoot,
		"dexvmStateRoot": dexvmRoot,
	})
}

func parseAddr(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["addr"]
	if !common.IsHexAddress(raw) {
		http.Error(w, "invalid address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
