// Command relayer runs the cross-chain message relayer process: one block
// monitor, one resolver, and one wallet worker per configured chain, plus
// one collector scanner per (chain, AMB) pair, all sharing a single Store.
// Grounded on cmd/arcsign/main.go's switch-driven startup shape, generalized
// from a one-shot desktop CLI into a long-running service with signal
// handling and flag parsing via github.com/jessevdk/go-flags.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jessevdk/go-flags"
	"github.com/yourusername/crossrelay/internal/bridgeregistry"
	"github.com/yourusername/crossrelay/internal/collector/layerzero"
	"github.com/yourusername/crossrelay/internal/collector/wormhole"
	"github.com/yourusername/crossrelay/internal/config"
	"github.com/yourusername/crossrelay/internal/confirmqueue"
	"github.com/yourusername/crossrelay/internal/logging"
	"github.com/yourusername/crossrelay/internal/metrics"
	"github.com/yourusername/crossrelay/internal/model"
	"github.com/yourusername/crossrelay/internal/monitor"
	"github.com/yourusername/crossrelay/internal/resolver"
	"github.com/yourusername/crossrelay/internal/rpcprovider"
	"github.com/yourusername/crossrelay/internal/signer"
	"github.com/yourusername/crossrelay/internal/store"
	"github.com/yourusername/crossrelay/internal/submitqueue"
	"github.com/yourusername/crossrelay/internal/txhelper"
	"github.com/yourusername/crossrelay/internal/walletservice"
	"github.com/yourusername/crossrelay/internal/walletworker"
	"go.uber.org/zap"
)

type options struct {
	ConfigPath string `short:"c" long:"config" description:"path to the relayer YAML configuration file" default:"config.yaml"`
	MetricsAddr string `long:"metrics-addr" description:"address to serve Prometheus metrics on" default:":9090"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayer: loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Global.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayer: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	m := metrics.NewProm()
	go serveMetrics(opts.MetricsAddr, m, log)

	app, err := buildApp(cfg, m, log)
	if err != nil {
		log.Fatalw("relayer: startup failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("relayer: received shutdown signal", "signal", sig)
		cancel()
	}()

	app.Run(ctx)
	log.Infow("relayer: shut down cleanly")
}

func serveMetrics(addr string, m metrics.Metrics, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	log.Infow("relayer: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("relayer: metrics server exited", "error", err)
	}
}

// app bundles every long-running component the relayer starts.
type app struct {
	monitors []*monitor.Monitor
	scanners []bridgeregistry.Scanner
	wallet   *walletservice.Service
	log      *zap.SugaredLogger
}

func (a *app) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, mon := range a.monitors {
		wg.Add(1)
		go func(m *monitor.Monitor) {
			defer wg.Done()
			m.Run(ctx)
		}(mon)
	}

	for _, sc := range a.scanners {
		wg.Add(1)
		go func(s bridgeregistry.Scanner) {
			defer wg.Done()
			s.Run(ctx)
		}(sc)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.wallet.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case result, ok := <-a.wallet.Results():
				if !ok {
					return
				}
				logResult(a.log, result)
			}
		}
	}()

	wg.Wait()
}

func logResult(log *zap.SugaredLogger, result walletworker.Result) {
	if result.SubmissionError != nil {
		log.Warnw("relayer: submission error", "portId", result.PortId, "error", result.SubmissionError)
		return
	}
	if result.ConfirmationError != nil {
		log.Warnw("relayer: confirmation error", "portId", result.PortId, "error", result.ConfirmationError)
		return
	}
	log.Infow("relayer: transaction confirmed", "portId", result.PortId, "txHash", result.Tx.Hash)
}

// buildApp wires every chain's RPC client, resolver, monitor, signer, wallet
// worker, and every (chain, AMB) collector scanner, sharing one in-memory
// Store across all of them.
func buildApp(cfg *config.Config, m metrics.Metrics, log *zap.SugaredLogger) (*app, error) {
	privKeyBytes, err := config.ResolvePrivateKey(cfg.Global.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("resolving wallet private key: %w", err)
	}
	if cfg.Global.PrivateKey.Loader == "file" {
		log.Warnw("relayer: wallet private key was read from a plaintext file; file-based key storage is discouraged")
	}

	st := store.NewMemory()
	bridges := bridgeregistry.NewRegistry()

	monitors := make(map[model.ChainId]*monitor.Monitor)
	evmHelpers := make(map[model.ChainId]*rpcprovider.EVMHelper)
	resolvers := make(map[model.ChainId]resolver.Resolver)
	// incentivesByAMBAndChain holds, per AMB name, the {chainId → incentives
	// address} table that AMB's scanner matches PacketSent/LogMessagePublished
	// senders against — keyed separately per AMB since two AMBs configured for
	// the same chain need not share an incentives contract address.
	incentivesByAMBAndChain := make(map[string]map[model.ChainId]common.Address)
	walletOptsByChain := make(map[model.ChainId]config.WalletOptions)
	chainByChainId := make(map[model.ChainId]config.ChainConfig)

	a := &app{log: log}

	for _, chainCfg := range cfg.Chains {
		chainId := model.ChainId(chainCfg.ChainId)
		chainByChainId[chainId] = chainCfg

		client, err := buildClient(chainCfg)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainCfg.ChainId, err)
		}
		evm := rpcprovider.NewEVMHelper(client)
		evmHelpers[chainId] = evm

		res, err := resolver.Default().Build(chainCfg.Resolver, evm)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainCfg.ChainId, err)
		}
		resolvers[chainId] = res

		monOpts := monitor.DefaultOptions()
		if chainCfg.Monitor != nil {
			monOpts = monitorOptionsFromConfig(*chainCfg.Monitor)
		} else {
			monOpts = monitorOptionsFromConfig(cfg.Global.Monitor)
		}
		mon := monitor.New(chainId, evm, monOpts, log)
		monitors[chainId] = mon
		a.monitors = append(a.monitors, mon)

		walletOptsByChain[chainId] = cfg.WalletOptionsFor(chainCfg.ChainId)
	}

	for _, ambCfg := range cfg.AMBs {
		if ambCfg.IncentivesAddress == "" {
			continue
		}
		addr := common.HexToAddress(ambCfg.IncentivesAddress)
		byChain := make(map[model.ChainId]common.Address, len(chainByChainId))
		for chainId := range chainByChainId {
			byChain[chainId] = addr
		}
		incentivesByAMBAndChain[ambCfg.Name] = byChain
	}

	bridges.Register(string(model.AMBLayerZero), func(deps bridgeregistry.Deps) (bridgeregistry.Scanner, error) {
		var startingBlock uint64
		var stoppingBlock *uint64
		if deps.Chain.StartingBlock != nil {
			startingBlock = uint64(*deps.Chain.StartingBlock)
		}
		if deps.Chain.StoppingBlock != nil {
			sb := uint64(*deps.Chain.StoppingBlock)
			stoppingBlock = &sb
		}
		return layerzero.New(deps.ChainId, deps.AMB, deps.Chain, deps.EVM, deps.Monitor, deps.Resolver, deps.Store, layerzero.Options{
			StartingBlock: startingBlock,
			StoppingBlock: stoppingBlock,
		}, incentivesByAMBAndChain[deps.AMB.Name], deps.Log)
	})
	bridges.Register(string(model.AMBWormhole), func(deps bridgeregistry.Deps) (bridgeregistry.Scanner, error) {
		var startingBlock uint64
		var stoppingBlock *uint64
		if deps.Chain.StartingBlock != nil {
			startingBlock = uint64(*deps.Chain.StartingBlock)
		}
		if deps.Chain.StoppingBlock != nil {
			sb := uint64(*deps.Chain.StoppingBlock)
			stoppingBlock = &sb
		}
		var spy wormhole.SpyClient
		if deps.AMB.SpyURL != "" {
			client, err := wormhole.NewWebSocketSpyClient(deps.AMB.SpyURL)
			if err != nil {
				log.Warnw("relayer: wormhole spy unavailable, proof-side consumer disabled", "chainId", deps.ChainId, "error", err)
			} else {
				spy = client
			}
		}
		return wormhole.New(deps.ChainId, deps.AMB, deps.Chain, deps.EVM, deps.Monitor, deps.Resolver, deps.Store, wormhole.Options{
			StartingBlock: startingBlock,
			StoppingBlock: stoppingBlock,
		}, incentivesByAMBAndChain[deps.AMB.Name], spy, nil, deps.Log)
	})

	for _, chainCfg := range cfg.Chains {
		chainId := model.ChainId(chainCfg.ChainId)
		for _, ambCfg := range cfg.AMBs {
			if !ambCfg.Enabled {
				continue
			}
			scanner, err := bridges.Build(bridgeregistry.Deps{
				ChainId:  chainId,
				AMB:      ambCfg,
				Chain:    chainCfg,
				EVM:      evmHelpers[chainId],
				Monitor:  monitors[chainId],
				Resolver: resolvers[chainId],
				Store:    st,
				Log:      log,
			})
			if err != nil {
				return nil, fmt.Errorf("chain %s amb %s: %w", chainCfg.ChainId, ambCfg.Name, err)
			}
			a.scanners = append(a.scanners, scanner)
		}
	}

	factory := func(chainId model.ChainId) (*walletworker.Worker, error) {
		chainCfg, ok := chainByChainId[chainId]
		if !ok {
			return nil, fmt.Errorf("no chain configuration for %s", chainId)
		}
		evm := evmHelpers[chainId]
		chainIDInt, err := strconv.ParseInt(chainCfg.ChainId, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain %s: invalid chainId: %w", chainCfg.ChainId, err)
		}
		s, err := signer.New(privKeyBytes, chainIDInt)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", chainCfg.ChainId, err)
		}
		walletOpts := walletOptsByChain[chainId]
		helper := txhelper.New(evm, s.Address(), walletOpts)

		submit := submitqueue.New(chainId, evm, helper, s, submitqueue.Options{MaxTries: walletOpts.MaxTries}, m, log)
		confirm := confirmqueue.New(chainId, evm, helper, s, confirmqueue.Options{
			Confirmations:            uint64(walletOpts.Confirmations),
			ConfirmationTimeout:      time.Duration(walletOpts.ConfirmationTimeout) * time.Millisecond,
			PollInterval:             2 * time.Second,
			MaxTries:                 walletOpts.MaxTries,
			PriorityAdjustmentFactor: walletOpts.PriorityAdjustmentFactor,
		}, m, log)

		return walletworker.New(chainId, evm, helper, s, submit, confirm, walletworker.Options{
			MaxPendingTransactions: walletOpts.MaxPendingTransactions,
			ProcessingInterval:     time.Duration(walletOpts.ProcessingInterval) * time.Millisecond,
			ConfirmationTimeout:    time.Duration(walletOpts.ConfirmationTimeout) * time.Millisecond,
			MaxTries:               walletOpts.MaxTries,
		}, m, log), nil
	}

	wallet := walletservice.New(factory, log)
	for chainId := range chainByChainId {
		wallet.AttachToWallet(chainId)
	}
	a.wallet = wallet

	return a, nil
}

func buildClient(chainCfg config.ChainConfig) (rpcprovider.Client, error) {
	if len(chainCfg.RPC) == 0 {
		return nil, fmt.Errorf("no rpc endpoints configured")
	}
	if strings.HasPrefix(chainCfg.RPC[0], "ws") {
		return rpcprovider.NewWebSocketClient(chainCfg.RPC[0])
	}
	return rpcprovider.NewHTTPClient(chainCfg.RPC, rpcprovider.NewDefaultHealthTracker())
}

func monitorOptionsFromConfig(opts config.MonitorOptions) monitor.Options {
	mo := monitor.DefaultOptions()
	if opts.Interval > 0 {
		mo.Interval = time.Duration(opts.Interval) * time.Millisecond
	}
	if opts.BlockDelay > 0 {
		mo.BlockDelay = uint64(opts.BlockDelay)
	}
	if opts.NoBlockUpdateWarningInterval > 0 {
		mo.NoBlockUpdateWarningInterval = time.Duration(opts.NoBlockUpdateWarningInterval) * time.Millisecond
	}
	return mo
}
