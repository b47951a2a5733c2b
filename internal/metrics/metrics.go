// Package metrics exposes the node's Prometheus collectors. Components
// increment/set these directly rather than threading a registry handle
// through every constructor, matching the package-level-collector style
// common across the go-ethereum derived stack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BlocksProduced counts successfully committed blocks.
	BlocksProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dualvm_blocks_produced_total",
		Help: "Total number of blocks successfully produced and persisted.",
	})

	// BlockProductionErrors counts aborted proposals (execution or
	// persistence failure), which never advance height.
	BlockProductionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dualvm_block_production_errors_total",
		Help: "Total number of block proposals aborted before commit.",
	})

	// PeerCount tracks the current number of connected devp2p peers.
	PeerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualvm_peer_count",
		Help: "Current number of connected peers.",
	})

	// MempoolDepth tracks the current mempool queue length.
	MempoolDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dualvm_mempool_depth",
		Help: "Current number of transactions queued in the mempool.",
	})
)

func init() {
	prometheus.MustRegister(BlocksProduced, BlockProductionErrors, PeerCount, MempoolDepth)
}
