package main

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testMediaID = "9a7b6c5d-4e3f-4a1b-8c9d-0e1f2a3b4c5d"

var (
	buyerAddress  = "0:" + strings.Repeat("a", 64)
	sellerAddress = "0:" + strings.Repeat("b", 64)
)

func seedMedia(repo *memoryRepository, price string) *Media {
	m := &Media{
		ID:        testMediaID,
		CreatorID: testCreatorID,
		Bucket:    "premium",
		Path:      "creators/clip.mp4",
		Price:     decimal.RequireFromString(price),
	}
	repo.media[m.ID] = m
	return m
}

func newTestPurchaseUseCase(repo *memoryRepository, recorder EscrowRecorder) *PurchaseUseCase {
	cfg := testConfig()
	metrics := NewMetrics()
	escrow := NewEscrowService(repo, recorder, metrics)
	signer := NewURLSigner(cfg.StoragePublicURL, cfg.StorageSigningSecret, cfg.SignedURLTTL)
	return NewPurchaseUseCase(repo, signer, escrow, cfg, metrics)
}

func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	token := u.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}

func TestPurchase_InsufficientBalanceNeverOpensTransaction(t *testing.T) {
	// Arrange
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "5")
	seedMedia(repo, "10")
	uc := newTestPurchaseUseCase(repo, nil)

	// Act
	res, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	// Assert
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, res)
	assert.Empty(t, repo.txs)
	assert.Empty(t, repo.transactions)
	assert.Empty(t, repo.purchases)
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(5)))
}

func TestPurchase_DebitsBuyerAndHoldsCreatorEarning(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	seedMedia(repo, "10")
	uc := newTestPurchaseUseCase(repo, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	uc.now = func() time.Time { return now }

	res, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	require.NoError(t, err)
	assert.False(t, res.AlreadyPurchased)
	assert.Empty(t, res.EscrowWarning)
	assert.True(t, strings.HasPrefix(res.URL, "http://storage.local/storage/premium/creators/clip.mp4?token="))
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(90)))

	earning := repo.earnings[res.Reference]
	require.NotNil(t, earning)
	assert.Equal(t, testCreatorID, earning.CreatorID)
	assert.True(t, earning.Amount.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, now.Add(7*24*time.Hour), earning.AvailableAt)

	purchase := repo.purchases[testMediaID+"/"+testUserID]
	require.NotNil(t, purchase)
	assert.True(t, purchase.Fee.Equal(decimal.NewFromInt(2)))

	require.Len(t, repo.txs, 1)
	assert.True(t, repo.txs[0].committed)
	assert.Len(t, repo.outboxByKind(OutboxKindNotification), 1)
	assert.Empty(t, repo.outboxByKind(OutboxKindEscrowRecord))
}

func TestPurchase_AlreadyPurchasedReturnsURLWithoutCharging(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	seedMedia(repo, "10")
	uc := newTestPurchaseUseCase(repo, nil)
	ctx := context.Background()

	_, err := uc.Purchase(ctx, testMediaID, testUserID)
	require.NoError(t, err)

	again, err := uc.Purchase(ctx, testMediaID, testUserID)

	require.NoError(t, err)
	assert.True(t, again.AlreadyPurchased)
	assert.NotEmpty(t, again.URL)
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(90)))
	assert.Len(t, repo.transactions, 1)
}

func TestPurchase_RejectsOwnContentAndMissingMedia(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testCreatorID, "100")
	seedMedia(repo, "10")
	uc := newTestPurchaseUseCase(repo, nil)

	_, err := uc.Purchase(context.Background(), testMediaID, testCreatorID)
	assert.ErrorIs(t, err, ErrSelfPurchase)

	_, err = uc.Purchase(context.Background(), "missing", testUserID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, repo.transactions)
}

func TestPurchase_RecordsEscrowInline(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	repo.addresses[testUserID] = buyerAddress
	repo.addresses[testCreatorID] = sellerAddress
	seedMedia(repo, "10")
	recorder := new(MockEscrowRecorder)
	recorder.On("RecordPurchase", mock.Anything, mock.MatchedBy(func(p *EscrowPurchase) bool {
		return p.Buyer == buyerAddress && p.Seller == sellerAddress && p.Amount.Equal(decimal.NewFromInt(10))
	})).Return("0xfeed", nil).Once()
	uc := newTestPurchaseUseCase(repo, recorder)

	res, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	require.NoError(t, err)
	assert.Empty(t, res.EscrowWarning)
	escrow := repo.escrows[res.Reference]
	require.NotNil(t, escrow)
	assert.Equal(t, EscrowPending, escrow.Status)
	require.NotNil(t, escrow.TxHash)
	assert.Equal(t, "0xfeed", *escrow.TxHash)

	events := repo.outboxByKind(OutboxKindEscrowRecord)
	require.Len(t, events, 1)
	assert.Equal(t, OutboxStatusDispatched, events[0].Status)
	recorder.AssertExpectations(t)
}

func TestPurchase_EscrowFailureBecomesWarning(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	repo.addresses[testUserID] = buyerAddress
	repo.addresses[testCreatorID] = sellerAddress
	seedMedia(repo, "10")
	recorder := new(MockEscrowRecorder)
	recorder.On("RecordPurchase", mock.Anything, mock.Anything).Return("", errors.Join(ErrGateway, errors.New("relayer down")))
	uc := newTestPurchaseUseCase(repo, recorder)

	res, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	require.NoError(t, err)
	assert.NotEmpty(t, res.EscrowWarning)
	assert.NotEmpty(t, res.URL)
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(90)))

	events := repo.outboxByKind(OutboxKindEscrowRecord)
	require.Len(t, events, 1)
	assert.Equal(t, OutboxStatusPending, events[0].Status)
	assert.True(t, events[0].NextAttemptAt.After(time.Now()))
}

func TestPurchase_RelayDoesNotRaceInlineEscrow(t *testing.T) {
	// Arrange
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	repo.addresses[testUserID] = buyerAddress
	repo.addresses[testCreatorID] = sellerAddress
	seedMedia(repo, "10")
	var claimedDuringInline []*OutboxEvent
	recorder := new(MockEscrowRecorder)
	recorder.On("RecordPurchase", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			claimed, err := repo.ClaimDueOutbox(context.Background(), 10, time.Minute)
			require.NoError(t, err)
			claimedDuringInline = claimed
		}).
		Return("0xfeed", nil).Once()
	uc := newTestPurchaseUseCase(repo, recorder)

	// Act
	_, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	// Assert
	require.NoError(t, err)
	for _, ev := range claimedDuringInline {
		assert.NotEqual(t, OutboxKindEscrowRecord, ev.Kind)
	}
	recorder.AssertNumberOfCalls(t, "RecordPurchase", 1)
}

func TestPurchase_InvalidAddressSkipsEscrow(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "100")
	repo.addresses[testUserID] = "not-an-address"
	repo.addresses[testCreatorID] = sellerAddress
	seedMedia(repo, "10")
	recorder := new(MockEscrowRecorder)
	uc := newTestPurchaseUseCase(repo, recorder)

	res, err := uc.Purchase(context.Background(), testMediaID, testUserID)

	require.NoError(t, err)
	assert.Empty(t, repo.escrows)
	assert.Empty(t, res.EscrowWarning)
	recorder.AssertNotCalled(t, "RecordPurchase", mock.Anything, mock.Anything)
}

func TestURLSigner(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	signer := NewURLSigner("http://storage.local/storage", "storage-secret", time.Hour)
	signer.now = func() time.Time { return now }

	signed, err := signer.Sign("premium", "creators/clip.mp4", testUserID)
	require.NoError(t, err)
	token := tokenFromURL(t, signed)

	t.Run("valid token", func(t *testing.T) {
		claims, err := signer.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "premium/creators/clip.mp4", claims.Path)
		assert.Equal(t, testUserID, claims.Subject)
	})

	t.Run("expired token", func(t *testing.T) {
		later := *signer
		later.now = func() time.Time { return now.Add(2 * time.Hour) }
		_, err := later.Verify(token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("foreign secret", func(t *testing.T) {
		other := NewURLSigner("http://storage.local/storage", "other-secret", time.Hour)
		other.now = signer.now
		_, err := other.Verify(token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestSubscribe_SplitsSubscriptionFee(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "150")
	plan := &SubscriptionPlan{ID: "c3d4e5f6-a7b8-4c9d-8e0f-1a2b3c4d5e6f", CreatorID: testCreatorID, Price: decimal.NewFromInt(100), DurationDays: 30}
	repo.plans[plan.ID] = plan
	uc := newTestPurchaseUseCase(repo, nil)

	res, err := uc.Subscribe(context.Background(), testUserID, plan.ID)

	require.NoError(t, err)
	assert.Equal(t, "85.00", res.NetToCreator)
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(50)))
	assert.True(t, repo.balance(testCreatorID).Equal(decimal.NewFromInt(85)))
	assert.True(t, res.Subscription.IsActive)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), res.Subscription.ExpiresAt, time.Minute)

	debit := repo.transactions[res.Reference]
	require.NotNil(t, debit)
	require.NotNil(t, debit.FeeVersion)
	assert.NotNil(t, repo.transactions[res.Reference+"-CR"])
}

func TestSubscribe_RenewalExtendsFromCurrentExpiry(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "300")
	plan := &SubscriptionPlan{ID: "c3d4e5f6-a7b8-4c9d-8e0f-1a2b3c4d5e6f", CreatorID: testCreatorID, Price: decimal.NewFromInt(100), DurationDays: 30}
	repo.plans[plan.ID] = plan
	uc := newTestPurchaseUseCase(repo, nil)
	ctx := context.Background()

	first, err := uc.Subscribe(ctx, testUserID, plan.ID)
	require.NoError(t, err)
	second, err := uc.Subscribe(ctx, testUserID, plan.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Subscription.ExpiresAt.AddDate(0, 0, 30), second.Subscription.ExpiresAt)
	assert.NotEqual(t, first.Reference, second.Reference)
	assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(100)))
}

func TestSubscribe_Rejections(t *testing.T) {
	repo := newMemoryRepository()
	repo.setBalance(testUserID, "50")
	plan := &SubscriptionPlan{ID: "c3d4e5f6-a7b8-4c9d-8e0f-1a2b3c4d5e6f", CreatorID: testCreatorID, Price: decimal.NewFromInt(100), DurationDays: 30}
	repo.plans[plan.ID] = plan
	uc := newTestPurchaseUseCase(repo, nil)

	_, err := uc.Subscribe(context.Background(), testUserID, plan.ID)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = uc.Subscribe(context.Background(), testCreatorID, plan.ID)
	assert.ErrorIs(t, err, ErrSelfPurchase)

	assert.Empty(t, repo.txs)
	assert.Empty(t, repo.transactions)
}
