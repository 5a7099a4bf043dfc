package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/api"
	"github.com/uhyunpark/custodex/pkg/app/core/market"
	"github.com/uhyunpark/custodex/pkg/broadcast"
	"github.com/uhyunpark/custodex/pkg/chain"
	"github.com/uhyunpark/custodex/pkg/engine"
	"github.com/uhyunpark/custodex/pkg/exchange"
	"github.com/uhyunpark/custodex/pkg/ledger"
	"github.com/uhyunpark/custodex/pkg/metrics"
	"github.com/uhyunpark/custodex/pkg/restore"
	"github.com/uhyunpark/custodex/pkg/settlement"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv(*envPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("exchange_failed", "err", err)
	}
	sugar.Info("exchange_stopped")
}

// node holds what run opens, so it can be closed in reverse order.
type node struct {
	closers []func()
}

func (n *node) onClose(f func()) { n.closers = append(n.closers, f) }

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	n := &node{}
	defer n.close()
	m := metrics.New()

	// ---- Persistence ----
	store, err := storage.Open(filepath.Join(cfg.Storage.DataDir, "exchange"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	n.onClose(func() { store.Close() })

	led, err := openLedger(ctx, cfg, n)
	if err != nil {
		return err
	}

	// ---- Markets and event sinks ----
	reg := market.NewRegistry()
	for i := range cfg.Markets {
		if err := reg.Register(&cfg.Markets[i]); err != nil {
			return err
		}
	}

	recorder := exchange.NewRecorder(store, led, reg, cfg.FeeAccount, sugar.Named("recorder"))
	hub := broadcast.NewHub(sugar.Named("ws"), m)
	sinks := engine.Sinks{recorder, hub}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })

	addAsync := func(name string, s engine.Sink) {
		a := broadcast.NewAsync(name, s, cfg.Broadcast.Buffer, sugar.Named("broadcast"), m)
		sinks = append(sinks, a)
		g.Go(func() error { a.Run(gctx); return nil })
	}
	if len(cfg.Broadcast.KafkaBrokers) > 0 && cfg.Broadcast.KafkaTopic != "" {
		k := broadcast.NewKafkaSink(broadcast.KafkaConfig{Brokers: cfg.Broadcast.KafkaBrokers, Topic: cfg.Broadcast.KafkaTopic})
		n.onClose(func() { k.Close() })
		addAsync("kafka", k)
	}
	if cfg.Broadcast.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Broadcast.RedisAddr})
		n.onClose(func() { rdb.Close() })
		addAsync("redis", broadcast.NewDepthCache(rdb, cfg.Broadcast.DepthTTL))
	}
	if cfg.Broadcast.P2PListen != "" {
		gossip, err := broadcast.NewGossipSink(ctx, broadcast.GossipConfig{
			ListenAddr: cfg.Broadcast.P2PListen,
			Bootstrap:  cfg.Broadcast.P2PBootstrap,
			Topic:      cfg.Broadcast.P2PTopic,
		}, sugar.Named("p2p"))
		if err != nil {
			return fmt.Errorf("gossip: %w", err)
		}
		n.onClose(func() { gossip.Close() })
		addAsync("gossip", gossip)
	}

	// ---- Engines ----
	policy, err := engine.ParseOverloadPolicy(cfg.Engine.OverloadPolicy)
	if err != nil {
		return err
	}
	router := engine.NewRouter(policy)
	engineCfg := engine.Config{
		MailboxCapacity:  cfg.Engine.MailboxCapacity,
		VerifyInvariants: cfg.Engine.VerifyInvariants,
		DepthLevels:      cfg.Engine.DepthLevels,
	}
	for _, mk := range reg.List() {
		e := engine.NewMarketEngine(mk, engineCfg, engine.Options{
			Sink:    sinks,
			Logger:  sugar.Named("engine"),
			Metrics: m,
		})
		if err := router.Register(e); err != nil {
			return err
		}
	}

	// Trades persisted before a crash but not yet in the ledger settle first,
	// so restored orders see their post-fill balances.
	settled, err := recorder.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover trades: %w", err)
	}
	sugar.Infow("trades_recovered", "settled", settled)

	router.StartAll(ctx)
	n.onClose(router.StopAll)

	rep, err := restore.NewCoordinator(store, router, sugar.Named("restore")).Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	seq := &util.Sequencer{}
	maxSeq, err := store.MaxOrderSeq(ctx)
	if err != nil {
		return err
	}
	seq.Reset(max(rep.MaxSeq, maxSeq))
	sugar.Infow("restore_complete",
		"restored", rep.Restored,
		"skipped", rep.Skipped,
		"orphans", rep.Orphans,
		"next_seq", seq.Current()+1,
	)

	// ---- Settlement ----
	client, custody, err := openChain(ctx, cfg, sugar.Named("chain"), n)
	if err != nil {
		return err
	}
	wcfg := settlement.Config{
		Owner:          cfg.Settlement.WorkerID,
		PollInterval:   cfg.Settlement.PollInterval,
		ChainTimeout:   cfg.Settlement.ChainTimeout,
		Lease:          cfg.Settlement.Lease,
		MaxRetries:     cfg.Settlement.MaxRetries,
		BatchSize:      cfg.Settlement.BatchSize,
		Concurrency:    cfg.Settlement.Concurrency,
		CustodyAddress: custody,
	}
	worker := settlement.NewWorker(wcfg, store, led, client, util.RealClock{}, sugar.Named("settlement"), m)
	g.Go(func() error { return worker.Run(gctx) })

	// ---- API ----
	svc := exchange.NewService(reg, router, led, store, seq, util.RealClock{}, sugar.Named("exchange"))
	if cfg.Chain.Mode == "evm" {
		// the evm client only sends the chain's native coin
		svc.RestrictTransfers(cfg.Chain.NativeAsset)
	}
	server := api.NewServer(api.Config{
		Addr:           cfg.API.Addr,
		AllowedOrigins: cfg.API.AllowedOrigins,
		AdminToken:     cfg.API.AdminToken,
		RequestTimeout: cfg.API.RequestTimeout,
	}, svc, hub, m, sugar.Named("api"))
	g.Go(func() error { return server.Run(gctx) })

	sugar.Infow("exchange_started",
		"markets", reg.Count(),
		"ledger", cfg.Storage.LedgerDriver,
		"chain", cfg.Chain.Mode,
		"custody", custody,
		"sinks", len(sinks),
	)
	return g.Wait()
}

func openLedger(ctx context.Context, cfg params.Config, n *node) (ledger.Ledger, error) {
	if cfg.Storage.LedgerDriver == "postgres" {
		pg, err := ledger.NewPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect ledger: %w", err)
		}
		n.onClose(pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		return pg, nil
	}
	pl, err := ledger.OpenPebble(filepath.Join(cfg.Storage.DataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	n.onClose(func() { pl.Close() })
	return pl, nil
}

// openChain returns the transfer client and the custody address it signs
// withdrawals from.
func openChain(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger, n *node) (chain.Client, string, error) {
	if cfg.Chain.Mode == "simulated" {
		custody, err := chain.GenerateKey()
		if cfg.Chain.CustodyKey != "" {
			custody, err = chain.FromPrivateKeyHex(cfg.Chain.CustodyKey)
		}
		if err != nil {
			return nil, "", fmt.Errorf("custody key: %w", err)
		}
		sugar.Warnw("simulated_chain", "custody", custody.Address().Hex())
		return chain.NewSimulated(), custody.Address().Hex(), nil
	}

	custody, err := chain.FromPrivateKeyHex(cfg.Chain.CustodyKey)
	if err != nil {
		return nil, "", fmt.Errorf("custody key: %w", err)
	}
	keys, err := chain.LoadKeyring(append([]string{cfg.Chain.CustodyKey}, cfg.Chain.DepositKeys...))
	if err != nil {
		return nil, "", err
	}
	client, err := chain.DialEVM(ctx, chain.EVMConfig{
		RPCURL:        cfg.Chain.RPCURL,
		ChainID:       cfg.Chain.ChainID,
		Confirmations: cfg.Chain.Confirmations,
		PollInterval:  cfg.Chain.PollInterval,
	}, keys, sugar)
	if err != nil {
		return nil, "", err
	}
	n.onClose(client.Close)
	return client, custody.Address().Hex(), nil
}
