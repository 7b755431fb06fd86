package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/onemorebsmith/probi-settlement/src/common"
	"github.com/onemorebsmith/probi-settlement/src/currency"
	"github.com/onemorebsmith/probi-settlement/src/grants"
	"github.com/onemorebsmith/probi-settlement/src/notify"
	"github.com/onemorebsmith/probi-settlement/src/postgres"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type LoaderConfig struct {
	common.CommonConfig `yaml:",inline"`
	Currency            currency.Config `yaml:"currency"`
	Grants              grants.Config   `yaml:"grants"`
}

func main() {
	cfg := LoaderConfig{}
	if fullPath, err := common.LoadConfig(&cfg); err != nil {
		log.Printf("no config loaded from `%s`, using flags only", fullPath)
	}

	var file, cohort, wallets string
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection`)
	flag.StringVar(&file, "grants", "", `json file of {"grants": [...], "promotions": [...]} to load`)
	flag.StringVar(&cohort, "cohort", "", `cohort to assign the wallets listed in -wallets to`)
	flag.StringVar(&wallets, "wallets", "", `file of payment ids, one per line`)
	flag.Parse()

	logger := common.ConfigureZap(common.ParseLevel(cfg.LogLevel))
	if err := run(context.Background(), cfg, file, cohort, wallets, logger); err != nil {
		logger.Fatal("grant load failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg LoaderConfig, file, cohort, wallets string, logger *zap.Logger) error {
	if file == "" && cohort == "" {
		return errors.New("nothing to do, pass -grants and/or -cohort")
	}
	store, err := postgres.New(ctx, cfg.PostgresConfig)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	rates, err := currency.NewService(cfg.Currency)
	if err != nil {
		return err
	}
	// uploads never touch balances or the redemption backend
	engine, err := grants.NewEngine(cfg.Grants, store, nil, nil, rates, notify.NewLogSink(logger), logger)
	if err != nil {
		return err
	}

	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return errors.Wrapf(err, "failed reading %s", file)
		}
		upload := grants.Upload{}
		if err := json.Unmarshal(raw, &upload); err != nil {
			return errors.Wrapf(err, "failed parsing %s", file)
		}
		batchID, err := engine.Upload(ctx, upload)
		if err != nil {
			return err
		}
		log.Printf("loaded %d grants as batch %s", len(upload.Grants), batchID)
	}

	if cohort != "" {
		raw, err := os.ReadFile(wallets)
		if err != nil {
			return errors.Wrapf(err, "failed reading %s", wallets)
		}
		var ids []string
		for _, line := range strings.Split(string(raw), "\n") {
			if id := strings.TrimSpace(line); id != "" {
				ids = append(ids, id)
			}
		}
		n, err := engine.AssignCohorts(ctx, cohort, ids)
		if err != nil {
			return err
		}
		log.Printf("assigned %d of %d wallets to cohort %s", n, len(ids), cohort)
	}
	return nil
}
