// Package bridge implements the precompile at chainconfig.BridgeAddress:
// the only execution path that mutates both VM states within a single
// transaction. It is stateless itself — all state lives in the
// *dexvm.State overlay passed in by the caller — which is what lets
// internal/dualvm reason about atomicity purely in terms of which state
// object it hands the bridge.
package bridge

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
)

// Result is the outcome of a single bridge invocation.
type Result struct {
	Success bool
	GasUsed uint64
	Output  []byte
	Error   string
}

// Execute dispatches calldata[0] against pending, per spec §4.5:
//
//	0x00 increment(caller, amount)   21000+5000 gas
//	0x01 decrement(caller, amount)   21000+5000 gas, underflow -> failure, no mutation
//	0x02 query(caller)               21000+3000 gas
//	other                            malformed, 0 gas
//
// Increment and query can never fail. Decrement fails exactly when amount
// exceeds the current counter, in which case pending is left untouched.
func Execute(caller common.Address, calldata []byte, pending *dexvm.State) Result {
	op, amount, err := dexvm.ParseCalldata(calldata)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}

	switch op {
	case dexvm.OpIncrement:
		newV := pending.Increment(caller, amount)
		return Result{
			Success: true,
			GasUsed: chainconfig.IntrinsicGas + chainconfig.BridgeIncrementGas,
			Output:  encodeU64(newV),
		}
	case dexvm.OpDecrement:
		newV, err := pending.Decrement(caller, amount)
		if err != nil {
			return Result{
				Success: false,
				GasUsed: chainconfig.IntrinsicGas + chainconfig.BridgeDecrementGas,
				Error:   err.Error(),
			}
		}
		return Result{
			Success: true,
			GasUsed: chainconfig.IntrinsicGas + chainconfig.BridgeDecrementGas,
			Output:  encodeU64(newV),
		}
	case dexvm.OpQuery:
		cur := pending.Get(caller)
		return Result{
			Success: true,
			GasUsed: chainconfig.IntrinsicGas + chainconfig.BridgeQueryGas,
			Output:  encodeU64(cur),
		}
	default:
		return Result{Success: false, Error: "bridge: malformed calldata opcode"}
	}
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
