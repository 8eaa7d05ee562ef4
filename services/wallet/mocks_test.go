package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockChargeGateway simula o provedor de cobrança
type MockChargeGateway struct {
	mock.Mock
}

func (m *MockChargeGateway) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ChargeSession), args.Error(1)
}

func (m *MockChargeGateway) VerifyCharge(ctx context.Context, reference string) (*ChargeVerification, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ChargeVerification), args.Error(1)
}

// MockTransferGateway simula as transferências de saque
type MockTransferGateway struct {
	mock.Mock
}

func (m *MockTransferGateway) InitiateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TransferResult), args.Error(1)
}

func (m *MockTransferGateway) FetchTransfer(ctx context.Context, reference string) (*TransferResult, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TransferResult), args.Error(1)
}

// MockEscrowRecorder simula o relayer on-chain
type MockEscrowRecorder struct {
	mock.Mock
}

func (m *MockEscrowRecorder) RecordPurchase(ctx context.Context, p *EscrowPurchase) (string, error) {
	args := m.Called(ctx, p)
	return args.String(0), args.Error(1)
}

func (m *MockEscrowRecorder) Release(ctx context.Context, transactionRef string) (string, error) {
	args := m.Called(ctx, transactionRef)
	return args.String(0), args.Error(1)
}

func (m *MockEscrowRecorder) Dispute(ctx context.Context, transactionRef string) (string, error) {
	args := m.Called(ctx, transactionRef)
	return args.String(0), args.Error(1)
}

func (m *MockEscrowRecorder) Refund(ctx context.Context, transactionRef string) (string, error) {
	args := m.Called(ctx, transactionRef)
	return args.String(0), args.Error(1)
}

// MockLimiter simula o rate limiter
type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	args := m.Called(ctx, subject)
	return args.Bool(0), args.Error(1)
}

// MockDispatcher simula a entrega de eventos do outbox
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, event *OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

const (
	testJWTSecret     = "test-jwt-secret"
	testPaystackKey   = "sk_test_paystack"
	testFlutterSecret = "flw-webhook-secret"
	testCronSecret    = "cron-secret"
)

func testConfig() *Config {
	return &Config{
		Port:                 "8080",
		JWTSecret:            testJWTSecret,
		CronSecret:           testCronSecret,
		Currency:             "NGN",
		CallbackURL:          "http://localhost:3000/wallet",
		StoragePublicURL:     "http://storage.local/storage",
		StorageSigningSecret: "storage-secret",
		SignedURLTTL:         time.Hour,
		EscrowLockPeriod:     7 * 24 * time.Hour,
		RateLimitRequests:    10,
		RateLimitWindow:      time.Minute,
		Fees:                 DefaultFeeSchedule(),
		IntentTTL:            24 * time.Hour,
	}
}

// newTestWalletUseCase monta o caso de uso com gateways simulados e métricas no-op
func newTestWalletUseCase(repo Repository, charge ChargeGateway, transfers TransferGateway) *WalletUseCase {
	gateways := Gateways{Charges: map[string]ChargeGateway{}}
	if charge != nil {
		gateways.Charges[ProviderPaystack] = charge
	}
	if transfers != nil {
		gateways.Transfers = transfers
	}
	verifiers := map[string]Verifier{
		ProviderPaystack:    NewPaystackVerifier(testPaystackKey),
		ProviderFlutterwave: NewFlutterwaveVerifier(testFlutterSecret),
	}
	return NewWalletUseCase(repo, gateways, verifiers, testConfig(), NewMetrics())
}
