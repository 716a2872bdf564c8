// Command inventory replays the movement log of every SKU in Postgres and
// reports levels that drifted from it. With -repair it rewrites them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-realtime-ledger/internal/config"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
	"github.com/ariefcatur/go-realtime-ledger/internal/logging"
	"github.com/ariefcatur/go-realtime-ledger/internal/postgres"
)

func main() {
	_ = godotenv.Load()
	repair := flag.Bool("repair", false, "overwrite drifted levels with the replayed ones")
	workers := flag.Int("workers", 8, "SKUs checked concurrently")
	only := flag.String("sku", "", "check one SKU (product or product/variant)")
	flag.Parse()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.ServiceName+"-inventory")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drifted, err := run(ctx, cfg, log, *repair, *workers, *only)
	if err != nil {
		log.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
	if drifted > 0 && !*repair {
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, repair bool, workers int, only string) (int, error) {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return 0, fmt.Errorf("db: %w", err)
	}
	defer db.Close()

	store := &postgres.LedgerStore{DB: db}
	l := ledger.New(store,
		ledger.WithThresholds(ledger.Thresholds{Low: cfg.StockLow, Critical: cfg.StockCritical}),
		ledger.WithLogger(log),
	)

	var skus []ledger.SKU
	if only != "" {
		skus = []ledger.SKU{ledger.ParseSKU(only)}
	} else if skus, err = store.SKUs(ctx); err != nil {
		return 0, err
	}

	var (
		mu      sync.Mutex
		drifted int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, sku := range skus {
		sku := sku
		g.Go(func() error {
			check := l.Verify
			if repair {
				check = l.Rebuild
			}
			d, err := check(gctx, sku)
			if err != nil {
				return fmt.Errorf("%s: %w", sku, err)
			}
			if d.Clean() {
				log.Debug().Str("sku", sku.String()).Int("quantity", d.Cached.Quantity).Msg("clean")
				return nil
			}
			mu.Lock()
			drifted++
			mu.Unlock()
			log.Warn().Str("sku", sku.String()).Str("drift", d.String()).Bool("repaired", repair).Msg("drift")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return drifted, err
	}
	log.Info().Int("skus", len(skus)).Int("drifted", drifted).Bool("repair", repair).Msg("replay done")
	return drifted, nil
}
