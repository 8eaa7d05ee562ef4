package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const escrowRelayerTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry
	tp, err := initTracer()
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	mp, err := initMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down meter: %v", err)
		}
	}()

	// Initialize database
	dbPool, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbPool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies
	metrics := NewMetrics()
	repository := NewRepository(dbPool)

	gateways := Gateways{Charges: map[string]ChargeGateway{}}
	verifiers := map[string]Verifier{}
	if cfg.PaystackSecretKey != "" {
		paystack := NewPaystackGateway(cfg.PaystackBaseURL, cfg.PaystackSecretKey)
		gateways.Charges[ProviderPaystack] = paystack
		gateways.Transfers = paystack
		verifiers[ProviderPaystack] = NewPaystackVerifier(cfg.PaystackSecretKey)
	} else {
		log.Println("⚠️ PAYSTACK_SECRET_KEY not set, top-ups and withdrawals via Paystack disabled")
	}
	if cfg.FlutterwaveSecretKey != "" {
		gateways.Charges[ProviderFlutterwave] = NewFlutterwaveGateway(cfg.FlutterwaveBaseURL, cfg.FlutterwaveSecretKey)
	}
	if cfg.FlutterwaveWebhookSecret != "" {
		verifiers[ProviderFlutterwave] = NewFlutterwaveVerifier(cfg.FlutterwaveWebhookSecret)
	}

	var recorder EscrowRecorder
	if cfg.EscrowRelayerURL != "" {
		recorder = NewRelayerEscrowRecorder(cfg.EscrowRelayerURL, cfg.EscrowRelayerKey, escrowRelayerTimeout)
	} else {
		log.Println("ℹ️ ESCROW_RELAYER_URL not set, purchases are not recorded on-chain")
	}
	escrow := NewEscrowService(repository, recorder, metrics)

	signer := NewURLSigner(cfg.StoragePublicURL, cfg.StorageSigningSecret, cfg.SignedURLTTL)
	walletUseCase := NewWalletUseCase(repository, gateways, verifiers, cfg, metrics)
	purchaseUseCase := NewPurchaseUseCase(repository, signer, escrow, cfg, metrics)
	branches := NewOutboxBranches(repository, escrow)
	handler := NewWalletHandler(walletUseCase, purchaseUseCase, escrow, branches)

	limiter := initLimiter(ctx, cfg, repository)

	var dispatcher Dispatcher = NewLocalDispatcher(branches)
	if cfg.DTMServer != "" {
		dispatcher = NewDTMDispatcher(cfg.DTMServer, cfg.ServiceURL, cfg.CronSecret)
		log.Printf("✅ Outbox dispatched through DTM at %s", cfg.DTMServer)
	}
	relay := NewOutboxRelay(repository, dispatcher, metrics)

	go relay.Run(ctx, cfg.OutboxPollInterval)
	go walletUseCase.RunReconciler(ctx, cfg.ReconcileInterval, cfg.IntentTTL)

	// Setup Gin router
	r := gin.Default()
	r.Use(otelgin.Middleware(getEnv("SERVICE_NAME", instrumentationName)))

	// Health check
	r.GET("/health", handler.HealthCheck)

	auth := AuthMiddleware(cfg.JWTSecret)
	cron := CronAuth(cfg.CronSecret)

	api := r.Group("/api", auth)
	api.GET("/wallet", handler.GetWallet)
	api.POST("/wallet/topups", RateLimit(limiter, "topup"), handler.InitiateTopUp)
	api.POST("/wallet/topups/verify", RateLimit(limiter, "topup"), handler.VerifyTopUp)
	api.POST("/wallet/withdrawals", RateLimit(limiter, "withdrawal"), handler.Withdraw)
	api.POST("/media/:id/purchase", RateLimit(limiter, "purchase"), handler.PurchaseMedia)
	api.POST("/subscriptions", RateLimit(limiter, "subscribe"), handler.Subscribe)
	api.POST("/escrow/:ref/dispute", handler.EscrowAction("dispute"))

	// Webhooks dos provedores: autenticados pela assinatura do corpo
	r.POST("/api/webhooks/:provider", handler.Webhook)

	// Rotas internas: agendador e branches do DTM
	r.POST("/api/escrow/:ref/release", cron, handler.EscrowAction("release"))
	r.POST("/api/escrow/:ref/refund", cron, handler.EscrowAction("refund"))
	r.POST("/api/outbox/:kind", cron, handler.OutboxBranch)
	r.POST("/internal/reconcile/:job", cron, handler.Reconcile)

	log.Printf("🚀 Wallet Service listening on port %s", cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// initLimiter usa Redis quando configurado e cai para o contador no Postgres
func initLimiter(ctx context.Context, cfg *Config, repository *PostgresRepository) Limiter {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err == nil {
			log.Printf("✅ Rate limiting backed by Redis at %s", cfg.RedisAddr)
			return NewRedisLimiter(client, cfg.RateLimitRequests, cfg.RateLimitWindow)
		} else {
			log.Printf("⚠️ Redis unavailable (%v), falling back to Postgres rate limiting", err)
			_ = client.Close()
		}
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := repository.PurgeExpiredRateLimits(ctx); err != nil {
					log.Printf("❌ [RATELIMIT] purge failed: %v", err)
				} else if n > 0 {
					log.Printf("🧹 [RATELIMIT] purged %d expired windows", n)
				}
			}
		}
	}()
	return NewPostgresLimiter(repository, cfg.RateLimitRequests, cfg.RateLimitWindow)
}

func initDB() (*pgxpool.Pool, error) {
	dsn := getEnv("DATABASE_URL", "")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
			getEnv("DATABASE_USER", "root"),
			getEnv("DATABASE_PASSWORD", "pass"),
			getEnv("DATABASE_HOST", "localhost"),
			getEnv("DATABASE_PORT", "5432"),
			getEnv("DATABASE_NAME", "wallet_db"),
		)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = 25
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Println("✅ Connected to wallet database with connection pool")
			return pool, nil
		}
		log.Printf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func initResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(getEnv("SERVICE_NAME", instrumentationName)),
			semconv.ServiceVersion("1.0.0"),
		),
	)
}

func initTracer() (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(otlpEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := initResource(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	otel.SetTracerProvider(tp)

	return tp, nil
}

func initMetrics() (*sdkmetric.MeterProvider, error) {
	ctx := context.Background()

	otlpEndpoint := getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := initResource(ctx)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	return mp, nil
}
