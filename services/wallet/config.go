package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config é a configuração do serviço de carteira, lida do ambiente
type Config struct {
	Port        string
	ServiceURL  string
	JWTSecret   string
	CronSecret  string
	DTMServer   string
	RedisAddr   string
	Currency    string
	CallbackURL string

	PaystackSecretKey        string
	PaystackBaseURL          string
	FlutterwaveSecretKey     string
	FlutterwaveWebhookSecret string
	FlutterwaveBaseURL       string

	StoragePublicURL     string
	StorageSigningSecret string
	SignedURLTTL         time.Duration

	EscrowRelayerURL string
	EscrowRelayerKey string
	EscrowLockPeriod time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration

	Fees FeeSchedule

	IntentTTL          time.Duration
	OutboxPollInterval time.Duration
	ReconcileInterval  time.Duration
}

// LoadConfig carrega o .env (se existir) e monta a configuração
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️ [CONFIG] could not load .env: %v", err)
	}

	fees, err := loadFeeSchedule()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		ServiceURL:  getEnv("SERVICE_URL", "http://wallet-service:8080"),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		CronSecret:  getEnv("CRON_SECRET", ""),
		DTMServer:   getEnv("DTM_SERVER", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		Currency:    getEnv("WALLET_CURRENCY", "NGN"),
		CallbackURL: getEnv("TOPUP_CALLBACK_URL", "http://localhost:3000/wallet"),

		PaystackSecretKey:        getEnv("PAYSTACK_SECRET_KEY", ""),
		PaystackBaseURL:          getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		FlutterwaveSecretKey:     getEnv("FLUTTERWAVE_SECRET_KEY", ""),
		FlutterwaveWebhookSecret: getEnv("FLUTTERWAVE_WEBHOOK_SECRET", ""),
		FlutterwaveBaseURL:       getEnv("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com"),

		StoragePublicURL:     getEnv("STORAGE_PUBLIC_URL", "http://localhost:9000/storage"),
		StorageSigningSecret: getEnv("STORAGE_SIGNING_SECRET", ""),
		SignedURLTTL:         getEnvDuration("SIGNED_URL_TTL", time.Hour),

		EscrowRelayerURL: getEnv("ESCROW_RELAYER_URL", ""),
		EscrowRelayerKey: getEnv("ESCROW_RELAYER_KEY", ""),
		EscrowLockPeriod: getEnvDuration("ESCROW_LOCK_PERIOD", 7*24*time.Hour),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 10),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		Fees: fees,

		IntentTTL:          getEnvDuration("INTENT_TTL", 24*time.Hour),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 10*time.Minute),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageSigningSecret == "" {
		cfg.StorageSigningSecret = cfg.JWTSecret
	}
	return cfg, nil
}

func loadFeeSchedule() (FeeSchedule, error) {
	fees := DefaultFeeSchedule()
	fees.Version = getEnv("FEE_SCHEDULE_VERSION", fees.Version)

	for key, dst := range map[string]*decimal.Decimal{
		"FEE_WITHDRAWAL_RATE":   &fees.Withdrawal,
		"FEE_SUBSCRIPTION_RATE": &fees.Subscription,
		"FEE_MEDIA_RATE":        &fees.MediaPurchase,
	} {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fees, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = rate
	}

	if err := fees.Validate(); err != nil {
		return fees, err
	}
	return fees, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("⚠️ [CONFIG] invalid integer for %s, using %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("⚠️ [CONFIG] invalid duration for %s, using %s", key, defaultValue)
	}
	return defaultValue
}
