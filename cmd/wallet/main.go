package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/config"
	"github.com/workme/wallet-escrow/internal/escrow"
	"github.com/workme/wallet-escrow/internal/events"
	"github.com/workme/wallet-escrow/internal/fees"
	"github.com/workme/wallet-escrow/internal/gateway"
	"github.com/workme/wallet-escrow/internal/httpapi"
	"github.com/workme/wallet-escrow/internal/idempotency"
	"github.com/workme/wallet-escrow/internal/ledger"
	"github.com/workme/wallet-escrow/internal/logger"
	"github.com/workme/wallet-escrow/internal/notify"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/storage/memory"
	"github.com/workme/wallet-escrow/internal/storage/mysql"
	"github.com/workme/wallet-escrow/internal/storage/postgres"
	"github.com/workme/wallet-escrow/internal/telemetry"
	"github.com/workme/wallet-escrow/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("❌ Service stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := telemetry.NoopMetrics()
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg := telemetry.Config{
			Endpoint:       cfg.Telemetry.OTLPEndpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Insecure:       cfg.Telemetry.Insecure,
		}
		tp, err := telemetry.InitTracer(ctx, tcfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()

		mp, err := telemetry.InitMetrics(ctx, tcfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				log.Warn("Error shutting down meter", zap.Error(err))
			}
		}()
		metrics = telemetry.DefaultMetrics()
		log.Info("✅ OpenTelemetry initialized", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	}

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Close()

	calc, err := fees.NewCalculator(fees.FromBasisPoints(cfg.Fees.PlatformFeeBps), fees.FromBasisPoints(cfg.Fees.CashbackBps))
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kp.Close()
		publisher = kp
		log.Info("✅ Kafka publisher configured", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := notify.NewFCMNotifier(ctx, cfg.Firebase.CredentialsFile, log)
		if err != nil {
			return err
		}
		notifier = fcm
		log.Info("✅ FCM notifier configured")
	}

	provider := newProvider(cfg.Provider)

	wallets := wallet.NewService(store, cfg.Currency, log, metrics)
	entries := ledger.NewService(store, log)
	bookings := escrow.NewController(store, wallets, entries, calc, log,
		escrow.WithPlatformAccount(cfg.PlatformAccount),
		escrow.WithPublisher(publisher),
		escrow.WithNotifier(notifier),
		escrow.WithMetrics(metrics),
		escrow.WithTracer(otel.Tracer("wallet-escrow/escrow")),
	)
	payments := gateway.NewAdapter(store, wallets, entries, provider, log,
		gateway.WithRetryPolicy(gateway.RetryPolicy{
			MaxTries:        cfg.Provider.MaxTries,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			MaxElapsedTime:  cfg.Provider.MaxElapsed,
			CallTimeout:     cfg.Provider.Timeout,
		}),
		gateway.WithPublisher(publisher),
		gateway.WithNotifier(notifier),
		gateway.WithMetrics(metrics),
	)

	if cfg.Reconciler.Enabled {
		rec := gateway.NewReconciler(payments, store, gateway.ReconcilerConfig{
			Interval:  cfg.Reconciler.Interval,
			MinAge:    cfg.Reconciler.MinAge,
			BatchSize: cfg.Reconciler.BatchSize,
			Workers:   cfg.Reconciler.Workers,
		}, log)
		rec.Start(ctx)
		defer func() {
			stop()
			rec.Wait()
		}()
		log.Info("✅ Reconciler started", zap.Duration("interval", cfg.Reconciler.Interval))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var idem gin.HandlerFunc
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("⚠️ Redis unreachable, idempotency keys will be ignored until it recovers", zap.Error(err))
		}
		idem = idempotency.Middleware(idempotency.NewRedisStore(rdb), cfg.Redis.IdempotencyTTL, log)
		log.Info("✅ Idempotency keys backed by Redis", zap.String("addr", cfg.Redis.Addr))
	}

	handler := httpapi.NewHandler(wallets, entries, payments, bookings, log)
	router := httpapi.NewRouter(ctx, httpapi.RouterConfig{
		Handler:        handler,
		Storage:        store,
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		ServiceName:    cfg.Telemetry.ServiceName,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Registry:       reg,
		Idempotency:    idem,
		PaymentKey: httpapi.PaymentKeyConfig{
			Provider:   provider.Name(),
			PublicKey:  cfg.Provider.ClientKey(),
			Production: cfg.Provider.MidtransProduction,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Wallet service starting", zap.String("port", cfg.HTTP.Port), zap.String("storage", cfg.Database.Driver), zap.String("provider", provider.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore conecta no backend configurado; o schema do postgres é aplicado depois do ping
func openStore(ctx context.Context, db config.DatabaseConfig, log *zap.Logger) (storage.Store, error) {
	switch db.Driver {
	case "memory":
		log.Warn("⚠️ Using in-memory storage, data is lost on restart")
		return memory.NewStore(), nil
	case "mysql":
		return mysql.Open(ctx, db.DSN(), db.ConnectAttempts, log)
	default:
		store, err := postgres.Connect(ctx, postgres.Options{
			DSN:             db.DSN(),
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			MaxConnIdleTime: db.MaxConnIdleTime,
			ConnectAttempts: db.ConnectAttempts,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db.DSN()); err != nil {
			store.Close()
			return nil, err
		}
		log.Info("✅ Schema applied")
		return store, nil
	}
}

func newProvider(p config.ProviderConfig) gateway.Provider {
	if p.Name == "midtrans" {
		return gateway.NewMidtransProvider(gateway.MidtransConfig{
			ServerKey:   p.MidtransServerKey,
			IrisKey:     p.MidtransIrisKey,
			MerchantKey: p.MidtransMerchantKey,
			Production:  p.MidtransProduction,
		})
	}
	return gateway.NewHTTPProvider(gateway.HTTPProviderConfig{
		BaseURL:       p.BaseURL,
		APIKey:        p.APIKey,
		WebhookSecret: p.WebhookSecret,
		Timeout:       p.Timeout,
	})
}
