package statestore

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Key prefixes. Keys are prefix ∥ raw big-endian bytes so that leveldb's
// natural byte-lexicographic ordering is also ascending numeric/address
// order — the ordering the spec's state-root algorithm depends on.
const (
	prefixAccount = 'a'
	prefixCounter = 'c'
	prefixMeta    = 'm'
)

var metaLatestBlockKey = []byte{prefixMeta, 'l', 'a', 't', 'e', 's', 't'}

func accountKey(addr common.Address) []byte {
	k := make([]byte, 1+common.AddressLength)
	k[0] = prefixAccount
	copy(k[1:], addr[:])
	return k
}

func counterKey(addr common.Address) []byte {
	k := make([]byte, 1+common.AddressLength)
	k[0] = prefixCounter
	copy(k[1:], addr[:])
	return k
}

// accountRecordLen is balance(32) + nonce(8) + codeHash(32) + contract(1).
const accountRecordLen = 32 + 8 + 32 + 1

func encodeAccount(a *Account) []byte {
	buf := make([]byte, accountRecordLen)
	bal := a.Balance.Bytes32()
	copy(buf[0:32], bal[:])
	binary.BigEndian.PutUint64(buf[32:40], a.Nonce)
	copy(buf[40:72], a.CodeHash[:])
	if a.Contract {
		buf[72] = 1
	}
	return buf
}

func decodeAccount(b []byte) (*Account, error) {
	if len(b) != accountRecordLen {
		return nil, fmt.Errorf("statestore: corrupt account record, len=%d", len(b))
	}
	a := &Account{Balance: new(uint256.Int)}
	a.Balance.SetBytes(b[0:32])
	a.Nonce = binary.BigEndian.Uint64(b[32:40])
	copy(a.CodeHash[:], b[40:72])
	a.Contract = b[72] == 1
	return a, nil
}

func encodeCounter(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("statestore: corrupt counter record, len=%d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
