package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/probi-settlement/src/cache"
	"github.com/onemorebsmith/probi-settlement/src/common"
	"github.com/onemorebsmith/probi-settlement/src/currency"
	"github.com/onemorebsmith/probi-settlement/src/grants"
	"github.com/onemorebsmith/probi-settlement/src/kaspaapi"
	"github.com/onemorebsmith/probi-settlement/src/memstore"
	"github.com/onemorebsmith/probi-settlement/src/model"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/postgres"
	"github.com/onemorebsmith/probi-settlement/src/redeemer"
	"github.com/onemorebsmith/probi-settlement/src/referrals"
	"github.com/onemorebsmith/probi-settlement/src/settlement"
	"github.com/onemorebsmith/probi-settlement/src/wallet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SettlerConfig struct {
	common.CommonConfig `yaml:",inline"`
	Mock                bool                      `yaml:"use_mock"`
	Pipeline            settlement.PipelineConfig `yaml:"pipeline"`
	SweepInterval       time.Duration             `yaml:"sweep_interval"`
	SubmissionKeep      time.Duration             `yaml:"submission_keep"`
	NatsPrefix          string                    `yaml:"nats_prefix"`
	DefaultProvider     string                    `yaml:"default_provider"`
	SignatureAddress    string                    `yaml:"signature_settlement_address"`
	Settlements         map[string]string         `yaml:"settlement_addresses"`
	Currency            currency.Config           `yaml:"currency"`
	Card                wallet.CardConfig         `yaml:"card"`
	Chain               wallet.ChainConfig        `yaml:"chain"`
	Redeemer            redeemer.Config           `yaml:"redeemer"`
	Grants              grants.Config             `yaml:"grants"`
}

// ledgerStore is everything the settler's components need from storage,
// satisfied by both *postgres.Store and *memstore.Store
type ledgerStore interface {
	settlement.Store
	grants.Store
	referrals.Store
	common.Pinger
}

func main() {
	cfg := SettlerConfig{}
	fullPath, err := common.LoadConfig(&cfg)
	log.Printf("loading config @ `%s`", fullPath)
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Chain.RPCServer, "kaspa", cfg.Chain.RPCServer, "address of the kaspad node, default `localhost:16110`")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.StringVar(&cfg.RedisAddress, "redis", cfg.RedisAddress, `address of the redis instance used for submission de-dup`)
	flag.StringVar(&cfg.NatsURL, "nats", cfg.NatsURL, `nats url for notifications, logs only when empty`)
	flag.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, `log level, default info`)
	flag.BoolVar(&cfg.Mock, "mock", cfg.Mock, `run against in-memory storage`)
	flag.DurationVar(&cfg.Pipeline.Interval, "mix", cfg.Pipeline.Interval, `settlement cycle interval, default 1h`)
	flag.Parse()

	if cfg.Pipeline.Altcurrency == "" {
		cfg.Pipeline.Altcurrency = cfg.Altcurrency
	}
	if cfg.Pipeline.Interval == 0 {
		cfg.Pipeline.Interval = time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if cfg.SubmissionKeep == 0 {
		cfg.SubmissionKeep = 7 * 24 * time.Hour
	}

	log.Println("----------------------------------")
	log.Printf("initializing settler")
	log.Printf("\taltcurrency:   %s", cfg.Pipeline.Altcurrency)
	log.Printf("\tkaspad:        %s", cfg.Chain.RPCServer)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tredis:         %s", cfg.RedisAddress)
	log.Printf("\tnats:          %s", cfg.NatsURL)
	log.Printf("\tmock:          %t", cfg.Mock)
	log.Printf("\tmix interval:  %s", cfg.Pipeline.Interval)
	log.Printf("\tsweep:         %s", cfg.SweepInterval)
	log.Println("----------------------------------")

	logger := common.ConfigureZap(common.ParseLevel(cfg.LogLevel))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal("settler exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg SettlerConfig, logger *zap.Logger) error {
	deps := map[string]common.Pinger{}

	var store ledgerStore
	if cfg.Mock {
		store = memstore.New()
	} else {
		pg, err := postgres.New(ctx, cfg.PostgresConfig)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	}
	deps["postgres"] = store

	redisAddress := cfg.RedisAddress
	if cfg.Mock && redisAddress == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return err
		}
		defer mr.Close()
		redisAddress = mr.Addr()
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddress})
	defer rdb.Close()
	deps["redis"] = redisPinger{rdb}
	guard := cache.NewSubmissionGuard(rdb, "probi:submissions")

	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.NatsURL != "" {
		ns, err := notify.NewNatsSink(cfg.NatsURL, cfg.NatsPrefix, logger)
		if err != nil {
			return err
		}
		defer ns.Close()
		deps["nats"] = ns
		sink = ns
	}

	rates, err := currency.NewService(cfg.Currency)
	if err != nil {
		return err
	}

	providers := []wallet.Provider{wallet.NewSignatureProvider(cfg.SignatureAddress, rates)}
	if cfg.Card.BaseURL != "" {
		providers = append(providers, wallet.NewCardProvider(cfg.Card, rates, logger))
	}
	if cfg.Chain.RPCServer != "" {
		kapi, err := kaspaapi.NewKaspaAPI(cfg.Chain.RPCServer, logger)
		if err != nil {
			return err
		}
		defer kapi.Close()
		if err := kapi.WaitForSync(ctx, 5*time.Second); err != nil {
			return err
		}
		deps["kaspad"] = kapi
		providers = append(providers, wallet.NewChainProvider(cfg.Chain, kapi, rates, logger))
	}
	defaultKind := model.ProviderKind(cfg.DefaultProvider)
	if defaultKind == "" {
		defaultKind = model.ProviderSignature
	}
	registry := wallet.NewRegistry(defaultKind, providers...)

	var backend grants.Backend
	if cfg.Redeemer.URL != "" {
		backend = redeemer.NewClient(cfg.Redeemer, logger)
	}
	engine, err := grants.NewEngine(cfg.Grants, store, backend, registry, rates, sink, logger)
	if err != nil {
		return err
	}
	facade := wallet.NewFacade(registry, rates, engine, cfg.Settlements, logger)
	calculator := referrals.NewCalculator(store, facade, sink, cfg.Pipeline.Altcurrency, logger)

	steps := []settlement.SweepStep{
		{Name: "quanta", Run: func(ctx context.Context) error {
			quanta, err := settlement.Quanta(ctx, store, cfg.Pipeline.Altcurrency, settlement.Filter{}, logger)
			if err != nil {
				return err
			}
			logger.Info("refreshed surveyor quanta", zap.Int("surveyors", len(quanta)))
			return nil
		}},
		{Name: "referral_statements", Run: func(ctx context.Context) error {
			statements, err := calculator.Statements(ctx, "")
			if err != nil {
				return err
			}
			logger.Info("referral balances consistent", zap.Int("publishers", len(statements)))
			return nil
		}},
		{Name: "promotions", Run: func(ctx context.Context) error {
			promotions, err := engine.ListPromotions(ctx)
			if err != nil {
				return err
			}
			for _, p := range promotions {
				if p.Active && p.Count <= 0 {
					logger.Warn("active promotion has no grants left", zap.String("promotionId", p.PromotionID))
				}
			}
			return nil
		}},
		{Name: "submissions", Run: func(ctx context.Context) error {
			pruned, err := guard.Prune(ctx, cfg.SubmissionKeep)
			if err != nil {
				return err
			}
			logger.Info("pruned transfer submissions", zap.Int64("pruned", pruned))
			return nil
		}},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return settlement.StartPipeline(ctx, store, cfg.Pipeline, logger) })
	g.Go(func() error { return settlement.StartSweeper(ctx, cfg.SweepInterval, steps, logger) })
	if cfg.PromPort != "" {
		g.Go(func() error { return common.StartPromServer(ctx, cfg.PromPort, logger) })
	}
	if cfg.HealthCheckPort != "" {
		g.Go(func() error { return common.StartReadyzServer(ctx, cfg.HealthCheckPort, deps, logger) })
	}
	return g.Wait()
}

type redisPinger struct {
	client *redis.Client
}

func (rp redisPinger) Ping(ctx context.Context) error {
	return rp.client.Ping(ctx).Err()
}
