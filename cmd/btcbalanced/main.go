// Command btcbalanced runs the Bitcoin balance-history indexer: it syncs
// block-by-block from a configured Bitcoin Core node (via JSON-RPC or,
// once far enough behind, directly from its block files), maintains a
// per-script balance-history store, and serves downstream balance queries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/buckyos/btc-balance-history/internal/blocksource"
	"github.com/buckyos/btc-balance-history/internal/cache"
	"github.com/buckyos/btc-balance-history/internal/config"
	"github.com/buckyos/btc-balance-history/internal/indexer"
	"github.com/buckyos/btc-balance-history/internal/memmonitor"
	"github.com/buckyos/btc-balance-history/internal/metrics"
	"github.com/buckyos/btc-balance-history/internal/rpcapi"
	"github.com/buckyos/btc-balance-history/internal/store"
)

const promSubsystem = "btcbalanced"

var log = loggo.GetLogger("btcbalanced")

func networkParams(name string) (*chaincfg.Params, wire.BitcoinNet, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, wire.MainNet, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, wire.TestNet3, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, wire.TestNet, nil
	default:
		return nil, 0, fmt.Errorf("unsupported network: %v", name)
	}
}

func run(ctx context.Context, rootDir string) error {
	cfg, err := config.Load(rootDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loggo.ConfigureLoggers(cfg.LogLevel)

	params, magic, err := networkParams(cfg.BTC.Network)
	if err != nil {
		return err
	}

	dataDir := filepath.Join(rootDir, cfg.DataDir)
	st, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	utxoCache := cache.NewUtxoCache(cache.UtxoCacheConfig{UtxoMaxCacheBytes: cfg.Sync.UtxoMaxCacheBytes}, cache.BestEffort)
	balanceCache := cache.NewBalanceCache(cache.BalanceCacheConfig{BalanceMaxCacheBytes: cfg.Sync.BalanceMaxCacheBytes})

	memMon := memmonitor.New(cfg.Sync.MaxMemoryPercent, utxoCache, balanceCache)
	memMon.Start(ctx)
	defer memMon.Stop()

	rpc, err := blocksource.NewRpcSource(blocksource.RpcConfig{
		Host:       cfg.BTC.RPCHost,
		User:       cfg.BTC.RPCUser,
		Pass:       cfg.BTC.RPCPass,
		CookiePath: cfg.BTC.CookiePath,
		Params:     params,
	})
	if err != nil {
		return fmt.Errorf("connecting to bitcoin core rpc: %w", err)
	}
	defer rpc.Stop()

	var localCfg *blocksource.LocalFileSourceConfig
	if cfg.BTC.BlocksDir != "" {
		localCfg = &blocksource.LocalFileSourceConfig{BlocksDir: cfg.BTC.BlocksDir, BlockMagic: magic}
	}

	m := metrics.New()
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: promSubsystem,
		Name:      "running",
		Help:      "Is the indexer service running.",
	}, func() float64 { return 1 }))
	metricsServer := metrics.NewServer(":9101", m)

	ix := indexer.New(st, rpc, localCfg, utxoCache, balanceCache, memMon, m, cfg.Sync)
	rpcServer := rpcapi.NewServer(rpcapi.DefaultListen, cfg.BTC.Network, st, ix)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errC := make(chan error, 3)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.Run(ctx); err != nil {
			select {
			case errC <- fmt.Errorf("metrics server: %w", err):
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rpcServer.Run(ctx); err != nil {
			select {
			case errC <- fmt.Errorf("rpcapi server: %w", err):
			default:
			}
		} else {
			// A stop request ends Run without error; shut the whole
			// service down with it.
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ix.Run(ctx); err != nil {
			select {
			case errC <- fmt.Errorf("indexer: %w", err):
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case e := <-errC:
		err = e
	}
	cancel()

	log.Infof("btcbalanced: shutting down")
	wg.Wait()
	log.Infof("btcbalanced: clean shutdown")

	if err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	rootDir := flag.String("root", ".", "service root directory (contains config.toml and data/)")
	flag.Parse()

	loggo.ConfigureLoggers("INFO")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *rootDir); err != nil {
		log.Errorf("btcbalanced: %v", err)
		os.Exit(1)
	}
}
