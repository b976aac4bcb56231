// This file is derived from cmd/kcn/main.go and cmd/ranger's
// entrypoint: a urfave/cli application that wires configuration,
// storage, and the core pipeline together, then blocks until signaled
// to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v1"

	"github.com/terrorizer1980/pisa/appointment"
	"github.com/terrorizer1980/pisa/blockcache"
	"github.com/terrorizer1980/pisa/blockprocessor"
	"github.com/terrorizer1980/pisa/chainntfn"
	"github.com/terrorizer1980/pisa/chain/localsigner"
	"github.com/terrorizer1980/pisa/chain/provider"
	"github.com/terrorizer1980/pisa/chain/rpcprovider"
	"github.com/terrorizer1980/pisa/chain/types"
	"github.com/terrorizer1980/pisa/gasqueue"
	"github.com/terrorizer1980/pisa/health"
	"github.com/terrorizer1980/pisa/log"
	"github.com/terrorizer1980/pisa/pisaconfig"
	"github.com/terrorizer1980/pisa/responder"
	"github.com/terrorizer1980/pisa/responder/watch"
	"github.com/terrorizer1980/pisa/storage/database"
)

var logger = log.NewModuleLogger(log.CLI)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a pisawatch TOML configuration file",
	}
	rpcEndpointFlag = cli.StringFlag{
		Name:  "rpc-endpoint",
		Usage: "chain JSON-RPC endpoint (overrides config file)",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the block item store / gas queue journal",
	}
	dbTypeFlag = cli.StringFlag{
		Name:  "dbtype",
		Usage: "storage engine: memory, leveldb, badger",
	}
	signerKeyFlag = cli.StringFlag{
		Name:  "signer-key",
		Usage: "PEM file holding the responder's signing key (a fresh key is generated if omitted)",
	}

	appFlags = []cli.Flag{configFileFlag, rpcEndpointFlag, dataDirFlag, dbTypeFlag, signerKeyFlag}
)

func main() {
	app := cli.NewApp()
	app.Name = "pisawatch"
	app.Usage = "an accountable watchtower: monitors appointments and responds on a customer's behalf"
	app.Flags = appFlags
	app.Action = runStart
	app.Commands = []cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "print the active configuration as TOML",
			Flags:  appFlags,
			Action: runDumpConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(ctx *cli.Context) (pisaconfig.Config, error) {
	cfg := pisaconfig.DefaultConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		loaded, err := pisaconfig.Load(path)
		if err != nil {
			return pisaconfig.Config{}, err
		}
		cfg = loaded
	}
	if v := ctx.String(rpcEndpointFlag.Name); v != "" {
		cfg.RPCEndpoint = v
	}
	if v := ctx.String(dataDirFlag.Name); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String(dbTypeFlag.Name); v != "" {
		cfg.DBType = v
	}
	return cfg, nil
}

func runDumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	out, err := pisaconfig.Dump(cfg)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func dbTypeOf(name string) database.DBType {
	switch name {
	case "leveldb":
		return database.LevelDB
	case "badger":
		return database.BadgerDB
	default:
		return database.MemoryDB
	}
}

// healthSources adapts the running cache/responder pair to
// health.Sources, so the operator health probe reads the same state
// the dispatch loop acts on rather than polling the chain itself.
type healthSources struct {
	cache *blockcache.Cache
	resp  *responder.Responder
}

func (h *healthSources) CurrentHead() (types.Hash, uint64) {
	if b, ok := h.cache.Head(); ok {
		return b.Hash, b.Number
	}
	return types.Hash{}, 0
}
func (h *healthSources) QueueDepth() int      { return h.resp.QueueDepth() }
func (h *healthSources) PendingNonce() uint64 { return h.resp.PendingNonce() }

func runStart(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.RPCEndpoint == "" {
		return fmt.Errorf("pisawatch: --rpc-endpoint or a config file RPCEndpoint is required")
	}

	store, err := database.NewDBManager(&database.DBConfig{Dir: cfg.DataDir, DBType: dbTypeOf(cfg.DBType)})
	if err != nil {
		return fmt.Errorf("pisawatch: opening storage: %w", err)
	}
	defer store.Close()

	rawProvider := rpcprovider.New(cfg.RPCEndpoint, 0)
	var prov provider.Provider = rawProvider
	if cfg.ProviderDelay > 0 {
		prov = provider.NewDelayed(prov, cfg.ProviderDelay)
	}

	signer, err := loadSigner(ctx)
	if err != nil {
		return err
	}
	logger.Info("responder signing address", "address", signer.Address().Hex())

	cache := blockcache.New(cfg.BlockCache.MaxDepth, store)
	processor := blockprocessor.New(prov, cache, store, cfg.BlockCache.MaxDepth)

	appointments := appointment.NewStore()
	journal := gasqueue.NewJournal(store)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, err := responder.New(rootCtx, prov, signer, appointments, journal, responder.Config{
		InitialGasPrice: cfg.InitialGasPrice,
		GasBump:         responder.GasBumpPolicy{Factor: cfg.GasBump.Factor, Cap: cfg.GasBump.Cap},
	})
	if err != nil {
		return fmt.Errorf("pisawatch: starting responder: %w", err)
	}

	watcher := watch.New(cache)
	notifier := chainntfn.New(cache)

	mon := health.NewMonitor(&healthSources{cache: cache, resp: resp}, cfg.HealthPollInterval, time.Now)

	if err := processor.Start(rootCtx); err != nil {
		return fmt.Errorf("pisawatch: starting block processor: %w", err)
	}
	resp.Start()
	mon.Start()
	notifier.Start()

	heads := make(chan types.Block, 64)
	sub, err := processor.SubscribeNewHead(heads)
	if err != nil {
		return fmt.Errorf("pisawatch: subscribing to new heads: %w", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	logger.Info("pisawatch running", "rpc", cfg.RPCEndpoint)
	for {
		select {
		case head := <-heads:
			dispatchNewHead(rootCtx, watcher, resp, head)
			notifier.Advance(head)
		case err := <-sub.Err():
			logger.Error("new head subscription failed", "err", err)
		case <-stop:
			logger.Info("shutting down")
			sub.Unsubscribe()
			notifier.Stop()
			mon.Stop()
			resp.Stop()
			processor.Stop()
			return nil
		}
	}
}

// dispatchNewHead is the single serial handler spec.md §5 requires:
// the Responder Component evaluates first (it decides what needs
// (re)broadcasting), then the Multi-Responder applies those actions,
// then it reprices anything left outstanding.
func dispatchNewHead(ctx context.Context, w *watch.Watcher, r *responder.Responder, head types.Block) {
	actions, err := w.Advance(head)
	if err != nil {
		logger.Error("responder component advance failed", "err", err)
		return
	}
	r.HandleActions(ctx, actions)
	r.BumpPending(ctx)
}

func loadSigner(ctx *cli.Context) (*localsigner.Signer, error) {
	if path := ctx.String(signerKeyFlag.Name); path != "" {
		return localsigner.Load(path)
	}
	logger.Warn("no --signer-key supplied, generating an ephemeral responder key")
	return localsigner.Generate()
}
