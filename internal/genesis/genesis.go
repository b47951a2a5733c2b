// Package genesis loads the initial account allocation and seeds
// StateStore on first boot (spec §6).
package genesis

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"

	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// Alloc is one genesis account entry: balance given as a decimal string so
// values beyond uint64 range load cleanly.
type Alloc struct {
	Balance string `json:"balance"`
}

// Spec is the genesis file shape: {"chainId": ..., "alloc": {addr: {...}}}.
type Spec struct {
	ChainID uint64                   `json:"chainId"`
	Alloc   map[common.Address]Alloc `json:"alloc"`
}

// Load reads and parses a genesis JSON file from path.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: reading %s: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("genesis: parsing %s: %w", path, err)
	}
	if spec.ChainID == 0 {
		return nil, fmt.Errorf("genesis: chainId must be non-zero")
	}
	return &spec, nil
}

// Apply seeds state with spec's allocations. It is only ever meant to run
// once, against an empty datadir — callers decide "first boot" by checking
// StateStore.LatestBlockNumber before calling this.
func Apply(spec *Spec, state *statestore.StateStore) error {
	for addr, alloc := range spec.Alloc {
		balance, err := parseBalance(alloc.Balance)
		if err != nil {
			return fmt.Errorf("genesis: account %s: %w", addr, err)
		}
		acc := statestore.NewAccount()
		acc.Balance = balance
		if err := state.PutAccount(addr, acc); err != nil {
			return fmt.Errorf("genesis: seeding %s: %w", addr, err)
		}
		log.Info("seeded genesis account", "address", addr, "balance", balance)
	}
	return nil
}

func parseBalance(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("balance %q: %w", s, err)
	}
	return v, nil
}
