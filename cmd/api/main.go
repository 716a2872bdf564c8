package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-realtime-ledger/internal/config"
	"github.com/ariefcatur/go-realtime-ledger/internal/coupon"
	"github.com/ariefcatur/go-realtime-ledger/internal/events"
	"github.com/ariefcatur/go-realtime-ledger/internal/fulfillment"
	"github.com/ariefcatur/go-realtime-ledger/internal/gateway"
	"github.com/ariefcatur/go-realtime-ledger/internal/httpx"
	kafkax "github.com/ariefcatur/go-realtime-ledger/internal/kafka"
	"github.com/ariefcatur/go-realtime-ledger/internal/ledger"
	"github.com/ariefcatur/go-realtime-ledger/internal/logging"
	"github.com/ariefcatur/go-realtime-ledger/internal/metrics"
	"github.com/ariefcatur/go-realtime-ledger/internal/orders"
	"github.com/ariefcatur/go-realtime-ledger/internal/payments"
	"github.com/ariefcatur/go-realtime-ledger/internal/postgres"
	"github.com/ariefcatur/go-realtime-ledger/internal/redisx"
	"github.com/ariefcatur/go-realtime-ledger/internal/reservation"
	"github.com/ariefcatur/go-realtime-ledger/internal/seed"
	"github.com/ariefcatur/go-realtime-ledger/internal/tracing"
)

type couponRepo interface {
	coupon.Repository
	seed.CouponWriter
}

type catalogStore interface {
	fulfillment.Catalog
	seed.ProductWriter
}

type stores struct {
	ledger       ledger.Store
	reservations reservation.Store
	orders       orders.Store
	payments     payments.Store
	coupons      couponRepo
	catalog      catalogStore
	counter      coupon.UsageCounter
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("api stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	// Postgres
	var db *pgxpool.Pool
	if cfg.StoreBackend == "postgres" {
		if db, err = postgres.Connect(ctx, cfg.PostgresDSN, log); err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}

	// Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := redisx.Ping(ctx, rdb); err != nil {
			return err
		}
	}

	st := newStores(cfg, db, rdb)

	// Events: always logged, also to Kafka and the status cache when configured
	sinks := events.Multi{events.LogSink{Log: log}}
	var prod *kafkax.Producer
	if cfg.KafkaEnabled {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		sinks = append(sinks, kafkax.Sink{P: prod})
	}
	var statusCache *redisx.StatusCache
	if rdb != nil {
		statusCache = redisx.NewStatusCache(rdb)
		sinks = append(sinks, statusCache)
	}
	emitter := events.NewEmitter(sinks, cfg.ServiceName, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gw, stripe, err := newGateway(cfg)
	if err != nil {
		return err
	}

	l := ledger.New(st.ledger,
		ledger.WithThresholds(ledger.Thresholds{Low: cfg.StockLow, Critical: cfg.StockCritical}),
		ledger.WithEmitter(emitter),
		ledger.WithMetrics(m),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
	)
	rm := reservation.NewManager(l, st.reservations,
		reservation.WithEmitter(emitter),
		reservation.WithLogger(log.With().Str("component", "reservation").Logger()),
	)
	ev := coupon.NewEvaluator(st.coupons, st.counter,
		coupon.WithMetrics(m),
		coupon.WithLogger(log.With().Str("component", "coupon").Logger()),
	)
	pl := payments.NewLifecycle(st.payments,
		payments.WithEmitter(emitter),
		payments.WithMetrics(m),
		payments.WithLogger(log.With().Str("component", "payments").Logger()),
	)
	ol := orders.NewLifecycle(st.orders, rm,
		orders.WithCoupons(ev),
		orders.WithRefunder(pl),
		orders.WithEmitter(emitter),
		orders.WithMetrics(m),
		orders.WithTaxRate(cfg.TaxRateBps),
		orders.WithLogger(log.With().Str("component", "orders").Logger()),
	)
	engine := fulfillment.New(fulfillment.Deps{
		Ledger:       l,
		Reservations: rm,
		Coupons:      ev,
		Orders:       ol,
		Payments:     pl,
		Gateway:      gw,
		Catalog:      st.catalog,
	},
		fulfillment.WithLogger(log.With().Str("component", "fulfillment").Logger()),
		fulfillment.WithGatewayTimeout(cfg.GatewayTimeout),
		fulfillment.WithReturnURL(cfg.PaymentReturnURL),
		fulfillment.WithHoldTTL(cfg.OrderHoldTTL),
	)

	if cfg.SeedFile != "" {
		f, err := seed.ParseFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, f, st.catalog, st.coupons, l); err != nil {
			return err
		}
		log.Info().Str("file", cfg.SeedFile).Int("products", len(f.Products)).Int("coupons", len(f.Coupons)).Msg("seed applied")
	}

	router := httpx.NewRouter(log, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	oh := &httpx.OrdersHandler{Engine: engine, Log: log}
	if rdb != nil {
		oh.Status, oh.Keys = statusCache, redisx.NewOrderKeys(rdb)
	}
	oh.Register(router)
	(&httpx.StockHandler{Engine: engine, Log: log}).Register(router)
	ph := &httpx.PaymentsHandler{Engine: engine, Log: log}
	if stripe != nil {
		ph.Stripe = stripe
	}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return engine.RunExpiry(gctx, cfg.ExpiryInterval)
	})
	if cfg.KafkaEnabled {
		g.Go(func() error {
			cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.CallbackGroup, events.TopicPaymentCallbacks, cfg.CallbackWorkers, log)
			svc := &kafkax.CallbackService{Target: engine, Log: log.With().Str("component", "callbacks").Logger()}
			if rdb != nil {
				svc.Dedup = redisx.NewDedup(rdb, "payment-callbacks")
			}
			log.Info().Str("group", cfg.CallbackGroup).Str("topic", events.TopicPaymentCallbacks).Int("workers", cfg.CallbackWorkers).Msg("callback consumer started")
			return cons.Start(gctx, svc.Handle)
		})
	}

	err = g.Wait()
	log.Info().Msg("shutting down")
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newStores(cfg config.Config, db *pgxpool.Pool, rdb *redis.Client) stores {
	var st stores
	if db != nil {
		cs := &postgres.CouponStore{DB: db}
		st = stores{
			ledger:       &postgres.LedgerStore{DB: db},
			reservations: &postgres.ReservationStore{DB: db},
			orders:       &postgres.OrderStore{DB: db},
			payments:     &postgres.PaymentStore{DB: db},
			coupons:      cs,
			catalog:      &postgres.Catalog{DB: db},
			counter:      cs,
		}
	} else {
		st = stores{
			ledger:       ledger.NewMemoryStore(),
			reservations: reservation.NewMemoryStore(),
			orders:       orders.NewMemoryStore(),
			payments:     payments.NewMemoryStore(),
			coupons:      coupon.NewMemoryRepository(),
			catalog:      fulfillment.NewMemoryCatalog(),
			counter:      coupon.NewMemoryCounter(),
		}
	}
	if cfg.CouponCounter == "redis" {
		st.counter = redisx.NewCouponCounter(rdb)
	}
	return st
}

// newGateway returns the Stripe client separately so its webhook route can
// be mounted.
func newGateway(cfg config.Config) (gateway.Gateway, *gateway.Stripe, error) {
	switch cfg.GatewayProvider {
	case "http":
		return gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout), nil, nil
	case "stripe":
		s, err := gateway.NewStripe(gateway.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			Currency:      cfg.PaymentCurrency,
			CancelURL:     cfg.PaymentCancelURL,
			WebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return gateway.NewSandbox(fmt.Sprintf("http://localhost%s/sandbox", cfg.HTTPAddr)), nil, nil
	}
}
