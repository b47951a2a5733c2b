package chaintypes

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
)

func TestClassifyRoutesByAddress(t *testing.T) {
	other := common.HexToAddress("0xdead")

	cases := []struct {
		name string
		to   *common.Address
		want TxKind
	}{
		{"nil to is contract creation, classified as EVM", nil, KindEVM},
		{"dexvm address", &chainconfig.DexVMAddress, KindDexVMNative},
		{"bridge address", &chainconfig.BridgeAddress, KindBridge},
		{"anything else is EVM", &other, KindEVM},
	}
	for _, c := range cases {
		if got := Classify(c.to); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestCombinedRootIsOrderSensitive(t *testing.T) {
	a := common.HexToHash("0x01")
	b := common.HexToHash("0x02")
	if CombinedRoot(a, b) == CombinedRoot(b, a) {
		t.Fatalf("combined root must depend on argument order (evmRoot first, dexvmRoot second)")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	b := &Block{
		Number:            1,
		ParentHash:        common.HexToHash("0xaa"),
		Timestamp:         1000,
		GasLimit:          30_000_000,
		Miner:             common.HexToAddress("0x01"),
		CombinedStateRoot: common.HexToHash("0xbb"),
	}
	h1 := b.Hash()
	h2 := b.Hash()
	if h1 != h2 {
		t.Fatalf("hashing the same block twice must be deterministic")
	}

	b2 := *b
	b2.Timestamp = 1001
	if b2.Hash() == h1 {
		t.Fatalf("changing timestamp must change the hash")
	}
}

func TestSigningDigestDependsOnAllFourFields(t *testing.T) {
	proposer := common.HexToAddress("0x01")
	parent := common.HexToHash("0x02")
	base := SigningDigest(1, parent, 1000, proposer)

	if SigningDigest(2, parent, 1000, proposer) == base {
		t.Fatalf("digest must depend on block number")
	}
	if SigningDigest(1, common.HexToHash("0x03"), 1000, proposer) == base {
		t.Fatalf("digest must depend on parent hash")
	}
	if SigningDigest(1, parent, 1001, proposer) == base {
		t.Fatalf("digest must depend on timestamp")
	}
	if SigningDigest(1, parent, 1000, common.HexToAddress("0x04")) == base {
		t.Fatalf("digest must depend on proposer")
	}
}
