package restapi

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("opening in-memory leveldb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewServer(dexvm.NewExecutor(nil), statestore.Open(db))
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleGetCounterDefaultsToZero(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/counter/0x0000000000000000000000000000000000000001", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["counter"].(float64) != 0 {
		t.Fatalf("expected counter 0, got %v", body["counter"])
	}
}

func TestHandleGetCounterRejectsInvalidAddress(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/v1/counter/not-an-address", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400 for an invalid address, got %d", rec.Code)
	}
}

func TestHandleIncrementMutatesCommittedAndPersists(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(mutateRequest{Amount: 3})
	req := httptest.NewRequest("POST", "/api/v1/counter/0x0000000000000000000000000000000000000002/increment", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	addr := common.HexToAddress("0x02")
	if got := s.dvm.Committed().Get(addr); got != 3 {
		t.Fatalf("expected committed counter 3, got %d", got)
	}
	persisted, err := s.state.GetCounter(addr)
	if err != nil {
		t.Fatalf("reading persisted counter: %v", err)
	}
	if persisted != 3 {
		t.Fatalf("expected persisted counter 3, got %d", persisted)
	}
}

func TestHandleDecrementUnderflowReturnsConflict(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(mutateRequest{Amount: 1})
	req := httptest.NewRequest("POST", "/api/v1/counter/0x0000000000000000000000000000000000000003/decrement", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != 409 {
		t.Fatalf("expected 409 conflict on underflow, got %d", rec.Code)
	}
}

func TestHandleStateRootReflectsMutations(t *testing.T) {
	s := newTestServer(t)
	before := httptest.NewRecorder()
	s.Router().ServeHTTP(before, httptest.NewRequest("GET", "/api/v1/state-root", nil))

	body, _ := json.Marshal(mutateRequest{Amount: 1})
	s.Router().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/counter/0x0000000000000000000000000000000000000004/increment", bytes.NewReader(body)))

	after := httptest.NewRecorder()
	s.Router().ServeHTTP(after, httptest.NewRequest("GET", "/api/v1/state-root", nil))

	if before.Body.String() == after.Body.String() {
		t.Fatalf("expected state root to change after a committed mutation")
	}
}
