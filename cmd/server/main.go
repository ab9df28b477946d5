package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/rl1809/stock-checkout/internal/adapter/handler"
	"github.com/rl1809/stock-checkout/internal/adapter/messaging"
	"github.com/rl1809/stock-checkout/internal/adapter/pricing"
	"github.com/rl1809/stock-checkout/internal/adapter/storage"
	"github.com/rl1809/stock-checkout/internal/config"
	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/core/service"
	"github.com/rl1809/stock-checkout/internal/logging"
	"github.com/rl1809/stock-checkout/internal/metrics"
	"github.com/rl1809/stock-checkout/internal/port"
	"github.com/rl1809/stock-checkout/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logging.New("error", "stock-checkout")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logging.New(cfg.LogLevel, cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracerProvider(cfg.Service, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init tracer")
		}
		defer tp.Shutdown(context.Background())
		log.Info().Str("endpoint", cfg.Tracing.JaegerEndpoint).Msg("tracing enabled")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repos, store, catalog, closeStorage := openStorage(ctx, cfg, log)
	defer closeStorage()

	// Redis is optional: without it Peek reads the store directly and request
	// ids are not deduplicated.
	var (
		peeker      port.StockPeeker = store
		idempotency port.IdempotencyStore
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect redis")
		}
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

		peeker = storage.NewRedisStockCache(rdb, store, cfg.Redis.PeekTTL)
		idempotency = storage.NewRedisIdempotencyStore(rdb, cfg.Redis.IdempotencyTTL)
	}

	orderService := service.NewOrderService(repos, catalog, catalog, service.Options{
		Timeout:             cfg.Checkout.Timeout,
		CompensationTimeout: cfg.Checkout.CompensationTimeout,
		StaleMargin:         cfg.Checkout.StaleMargin,
		Retry: service.RetryPolicy{
			MaxAttempts:     cfg.Checkout.Retry.MaxAttempts,
			InitialInterval: cfg.Checkout.Retry.InitialInterval,
			MaxInterval:     cfg.Checkout.Retry.MaxInterval,
		},
		Logger:      log,
		Metrics:     m,
		Idempotency: idempotency,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Reconciler.Enabled {
		var notifier port.ReconciliationNotifier
		if len(cfg.Kafka.Brokers) > 0 {
			writer := messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.ReconciliationTopic)
			defer writer.Close()
			notifier = messaging.NewKafkaNotifier(writer, log)
		}
		reconciler := service.NewReconciler(orderService, notifier, cfg.Reconciler.Interval, cfg.Reconciler.BatchSize, log)
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	// gRPC
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLoggingInterceptor(log)))
	healthServer := handler.RegisterGRPC(grpcServer, handler.NewGRPCHandler(orderService))

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Server.GRPCAddr).Msg("failed to listen")
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})

	// HTTP
	httpHandler := handler.NewHTTPHandler(orderService, peeker, log)
	r := chi.NewRouter()
	r.Mount("/", httpHandler.Routes())
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		healthServer.SetServingStatus(handler.OrderServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

type checkoutCatalog interface {
	port.PricingService
	port.ProductCatalog
}

func openStorage(ctx context.Context, cfg config.Config, log zerolog.Logger) (service.Repositories, service.Store, checkoutCatalog, func()) {
	rules, err := pricing.NewRuleEvaluator()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build rule evaluator")
	}

	if cfg.Storage.Backend == config.BackendMemory {
		store := storage.NewMemoryStore()
		catalog := pricing.NewStaticCatalog(rules)
		if err := seedDemo(store, catalog); err != nil {
			log.Fatal().Err(err).Msg("failed to seed demo catalog")
		}
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return service.RepositoriesOf(store), store, catalog, func() {}
	}

	mysqlCfg, err := mysql.ParseDSN(cfg.MySQL.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid mysql dsn")
	}
	mysqlCfg.ParseTime = true

	connector, err := mysql.NewConnector(mysqlCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mysql connector")
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping mysql")
	}
	log.Info().Str("addr", mysqlCfg.Addr).Str("db", mysqlCfg.DBName).Msg("connected to mysql")

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open catalog")
	}

	store := storage.NewMySQLAdapter(db, cfg.MySQL.TxTimeout)
	catalog := pricing.NewGormCatalog(gdb, rules)

	if cfg.Storage.EnsureSchema {
		if err := catalog.AutoMigrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate catalog")
		}
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
	}

	return service.RepositoriesOf(store), store, catalog, func() { db.Close() }
}

// seedDemo gives the in-memory mode something to sell.
func seedDemo(store *storage.MemoryStore, catalog *pricing.StaticCatalog) error {
	catalog.AddProduct(pricing.ProductModel{ID: "AB12CD", Name: "Runner", UnitPrice: 2_000_000, IsActive: true})
	for size := domain.MinSize; size <= domain.MaxSize; size++ {
		store.SetStock(domain.StockKey{ProductID: "AB12CD", Size: size}, 10)
	}
	return catalog.AddPromotion(pricing.PromotionModel{
		Code:          "WELCOME10",
		DiscountType:  pricing.DiscountPercent,
		DiscountValue: 10,
		MaxDiscount:   300_000,
		IsActive:      true,
	})
}
