// Command dualvmnode runs the dual-VM proof-of-authority node described in
// this repository: one PoA validator (or a sync-only follower) executing
// EVM value transfers and DexVM counter transactions behind a single
// committed state root.
package main

import (
	"fmt"
	"log/slog"
	"os"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var flags = []cli.Flag{
	&cli.StringFlag{Name: "datadir", Value: "./datadir", Usage: "data directory for the leveldb store and p2p key"},
	&cli.StringFlag{Name: "genesis", Value: "", Usage: "path to the genesis JSON file (required on first boot)"},
	&cli.BoolFlag{Name: "enable-consensus", Value: false, Usage: "run the PoA block-production loop (signs with --validator-key, or the datadir p2p key if unset)"},
	&cli.StringFlag{Name: "validator-key", Value: "", Usage: "hex-encoded secp256k1 validator private key; defaults to the datadir p2p key, which is generated if absent"},
	&cli.IntFlag{Name: "block-interval-ms", Value: 500, Usage: "PoA proposer cadence in milliseconds"},
	&cli.IntFlag{Name: "evm-rpc-port", Value: 8545, Usage: "EVM JSON-RPC listen port"},
	&cli.IntFlag{Name: "dexvm-port", Value: 9845, Usage: "DexVM debug REST listen port"},
	&cli.IntFlag{Name: "p2p-port", Value: 30303, Usage: "devp2p listen port"},
	&cli.BoolFlag{Name: "enable-p2p", Value: true, Usage: "enable the devp2p transport and follower sync"},
	&cli.StringSliceFlag{Name: "bootnodes", Usage: "enode:// URLs to dial on startup"},
	&cli.IntFlag{Name: "max-peers", Value: 25, Usage: "maximum number of connected peers"},
	&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace|debug|info|warn|error|crit"},
}

func main() {
	app := &cli.App{
		Name:  "dualvmnode",
		Usage: "dual-VM EVM + DexVM proof-of-authority node",
		Flags: flags,
		Before: func(ctx *cli.Context) error {
			gethlog.SetDefault(gethlog.NewLogger(gethlog.NewTerminalHandlerWithLevel(os.Stderr, parseLevel(ctx.String("log-level")), true)))
			return nil
		},
		Action: runNode,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return gethlog.LevelTrace
	case "debug":
		return gethlog.LevelDebug
	case "warn":
		return gethlog.LevelWarn
	case "error":
		return gethlog.LevelError
	case "crit":
		return gethlog.LevelCrit
	default:
		return gethlog.LevelInfo
	}
}
