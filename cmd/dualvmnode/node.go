package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/urfave/cli/v2"

	"github.com/dualvm-labs/dualvm-node/internal/blockstore"
	"github.com/dualvm-labs/dualvm-node/internal/chainconfig"
	"github.com/dualvm-labs/dualvm-node/internal/dexvm"
	"github.com/dualvm-labs/dualvm-node/internal/dualvm"
	"github.com/dualvm-labs/dualvm-node/internal/genesis"
	"github.com/dualvm-labs/dualvm-node/internal/mempool"
	"github.com/dualvm-labs/dualvm-node/internal/p2pnet"
	"github.com/dualvm-labs/dualvm-node/internal/poa"
	"github.com/dualvm-labs/dualvm-node/internal/restapi"
	"github.com/dualvm-labs/dualvm-node/internal/rpcapi"
	"github.com/dualvm-labs/dualvm-node/internal/statestore"
)

// mempoolCapacity bounds the FIFO ingress queue; not spec-fixed, chosen as
// a generous multiple of one block's worth of transactions.
const mempoolCapacity = 4096

func runNode(cliCtx *cli.Context) error {
	datadir := cliCtx.String("datadir")
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return fmt.Errorf("creating datadir: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(datadir, "chaindata"), nil)
	if err != nil {
		return fmt.Errorf("opening chaindata: %w", err)
	}
	defer db.Close()

	state := statestore.Open(db)
	blocks := blockstore.Open(db)

	_, hasHeight, err := state.LatestBlockNumber()
	if err != nil {
		return fmt.Errorf("reading latest height: %w", err)
	}

	chainID := chainconfig.DefaultChainID
	if path := cliCtx.String("genesis"); path != "" {
		spec, err := genesis.Load(path)
		if err != nil {
			return err
		}
		chainID = spec.ChainID
		if !hasHeight {
			if err := genesis.Apply(spec, state); err != nil {
				return err
			}
			log.Info("applied genesis allocation", "chainId", chainID, "accounts", len(spec.Alloc))
		}
	} else if !hasHeight {
		return fmt.Errorf("--genesis is required on first boot")
	}

	p2pKey, err := loadOrCreateP2PKey(filepath.Join(datadir, "p2p_key"))
	if err != nil {
		return err
	}

	committed, err := rebuildDexVMState(state)
	if err != nil {
		return err
	}
	dvm := dexvm.NewExecutor(committed)
	executor := dualvm.NewExecutor(state, dvm, chainID)
	mp := mempool.New(mempoolCapacity)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	latestHeight, _, err := executor.LatestHeight()
	if err != nil {
		return fmt.Errorf("reading latest height: %w", err)
	}
	localHash := poa.GenesisHash
	if latestHeight > 0 {
		block, found, err := blocks.GetBlockByNumber(latestHeight)
		if err != nil {
			return err
		}
		if found {
			localHash = block.Hash()
		}
	}

	var peers *p2pnet.PeerManager
	if cliCtx.Bool("enable-p2p") {
		bootnodes, err := parseBootnodes(cliCtx.StringSlice("bootnodes"))
		if err != nil {
			return err
		}
		peers = p2pnet.New(p2pnet.Config{
			PrivateKey:     p2pKey,
			ListenAddr:     fmt.Sprintf(":%d", cliCtx.Int("p2p-port")),
			MaxPeers:       cliCtx.Int("max-peers"),
			BootstrapNodes: bootnodes,
			ChainID:        chainID,
		}, blocks, latestHeight, localHash)
		if err := peers.Start(); err != nil {
			return err
		}
		defer peers.Stop()
	}

	if cliCtx.Bool("enable-consensus") {
		validatorKey := p2pKey
		if hex := cliCtx.String("validator-key"); hex != "" {
			validatorKey, err = crypto.HexToECDSA(hex)
			if err != nil {
				return fmt.Errorf("parsing --validator-key: %w", err)
			}
		}
		engine, err := poa.New(poa.Config{
			ValidatorKey:  validatorKey,
			BlockInterval: time.Duration(cliCtx.Int("block-interval-ms")) * time.Millisecond,
			MaxTxsPerTick: chainconfig.MaxTxsPerBlock,
		}, mp, executor, blocks, broadcaster(peers))
		if err != nil {
			return err
		}
		if latestHeight > 0 {
			if err := engine.Bootstrap(latestHeight); err != nil {
				return err
			}
		}
		log.Info("starting PoA engine", "validator", engine.ValidatorAddress(), "nextBlock", engine.NextBlockNumber())
		go engine.Run(ctx)
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("eth", rpcapi.NewEthAPI(chainID, state, blocks, mp, dvm)); err != nil {
		return err
	}
	if err := rpcServer.RegisterName("web3", rpcapi.NewWeb3API()); err != nil {
		return err
	}
	if err := rpcServer.RegisterName("net", rpcapi.NewNetAPI(chainID)); err != nil {
		return err
	}
	evmAddr := fmt.Sprintf(":%d", cliCtx.Int("evm-rpc-port"))
	go func() {
		log.Info("serving EVM JSON-RPC", "addr", evmAddr)
		if err := serveHTTP(ctx, evmAddr, rpcServer); err != nil {
			log.Error("EVM JSON-RPC server stopped", "err", err)
		}
	}()

	restServer := restapi.NewServer(dvm, state)
	restAddr := fmt.Sprintf(":%d", cliCtx.Int("dexvm-port"))
	go func() {
		log.Info("serving DexVM debug REST", "addr", restAddr)
		if err := serveHTTP(ctx, restAddr, restServer.Router()); err != nil {
			log.Error("DexVM REST server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// serveHTTP runs an http.Server on addr until ctx is cancelled, at which
// point it shuts down gracefully. ErrServerClosed from a clean shutdown is
// not treated as a failure.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func broadcaster(peers *p2pnet.PeerManager) poa.Broadcaster {
	if peers == nil {
		return nil
	}
	return peers
}

func rebuildDexVMState(state *statestore.StateStore) (*dexvm.State, error) {
	entries, err := state.ScanCountersSorted()
	if err != nil {
		return nil, fmt.Errorf("rebuilding dexvm state: %w", err)
	}
	s := dexvm.NewState()
	for _, e := range entries {
		s.Set(e.Addr, e.Counter)
	}
	return s, nil
}

func loadOrCreateP2PKey(path string) (*ecdsa.PrivateKey, error) {
	if key, err := crypto.LoadECDSA(path); err == nil {
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating p2p key: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("persisting p2p key: %w", err)
	}
	return key, nil
}

func parseBootnodes(urls []string) ([]*enode.Node, error) {
	nodes := make([]*enode.Node, 0, len(urls))
	for _, u := range urls {
		n, err := enode.ParseV4(u)
		if err != nil {
			return nil, fmt.Errorf("parsing bootnode %q: %w", u, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
