package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func staleWithdrawal(repo *memoryRepository, reference string) *WithdrawalRequest {
	req := NewWithdrawalRequest(testUserID, reference, "RCP_abc123", decimal.NewFromInt(1000), DefaultFeeSchedule())
	req.CreatedAt = time.Now().Add(-time.Hour)
	repo.withdrawals[reference] = req
	return req
}

func TestReconcileWithdrawals(t *testing.T) {
	t.Run("provider success debits the stuck request", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		staleWithdrawal(repo, "WD-1-aaaaaaaa")
		transfers := new(MockTransferGateway)
		transfers.On("FetchTransfer", mock.Anything, "WD-1-aaaaaaaa").Return(&TransferResult{TransferCode: "TRF_1", Status: "success"}, nil)
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(4000)))
		assert.Equal(t, StatusCompleted, repo.withdrawals["WD-1-aaaaaaaa"].Status)
	})

	t.Run("unknown transfer closes the request without money movement", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		staleWithdrawal(repo, "WD-2-bbbbbbbb")
		transfers := new(MockTransferGateway)
		transfers.On("FetchTransfer", mock.Anything, "WD-2-bbbbbbbb").Return(nil, ErrNotFound)
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		stored := repo.withdrawals["WD-2-bbbbbbbb"]
		assert.Equal(t, StatusFailed, stored.Status)
		assert.NotNil(t, stored.ReconciledAt)
		assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(5000)))

		// fechado: a próxima varredura não pega de novo
		again, err := uc.ReconcileWithdrawals(context.Background())
		require.NoError(t, err)
		assert.Zero(t, again)
		transfers.AssertNumberOfCalls(t, "FetchTransfer", 1)
	})

	t.Run("transfer still processing is left alone", func(t *testing.T) {
		repo := newMemoryRepository()
		staleWithdrawal(repo, "WD-3-cccccccc")
		transfers := new(MockTransferGateway)
		transfers.On("FetchTransfer", mock.Anything, mock.Anything).Return(&TransferResult{Status: "pending"}, nil)
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Zero(t, resolved)
		assert.Equal(t, StatusPending, repo.withdrawals["WD-3-cccccccc"].Status)
	})

	t.Run("provider outage skips the request", func(t *testing.T) {
		repo := newMemoryRepository()
		staleWithdrawal(repo, "WD-4-dddddddd")
		transfers := new(MockTransferGateway)
		transfers.On("FetchTransfer", mock.Anything, mock.Anything).Return(nil, errors.Join(ErrGateway, errors.New("503")))
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Zero(t, resolved)
		assert.Equal(t, StatusPending, repo.withdrawals["WD-4-dddddddd"].Status)
	})

	t.Run("debit failure flags for review", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "10")
		staleWithdrawal(repo, "WD-5-eeeeeeee")
		transfers := new(MockTransferGateway)
		transfers.On("FetchTransfer", mock.Anything, mock.Anything).Return(&TransferResult{Status: "success"}, nil)
		uc := newTestWalletUseCase(repo, nil, transfers)

		_, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		stored := repo.withdrawals["WD-5-eeeeeeee"]
		assert.True(t, stored.NeedsReview)
		assert.Equal(t, StatusFailed, stored.Status)
	})
}

func TestReconcileWithdrawals_UnansweredTransfer(t *testing.T) {
	failWithTimeout := func(t *testing.T, repo *memoryRepository, transfers *MockTransferGateway) *WithdrawalRequest {
		t.Helper()
		transfers.On("InitiateTransfer", mock.Anything, mock.Anything).
			Return(nil, errors.Join(ErrGateway, context.DeadlineExceeded)).Once()
		uc := newTestWalletUseCase(repo, nil, transfers)
		_, err := uc.ApplyWithdrawal(context.Background(), testUserID, decimal.NewFromInt(1000), "RCP_abc123")
		require.ErrorIs(t, err, ErrGateway)
		w := onlyWithdrawal(t, repo)
		require.True(t, w.TransferUnknown)
		return w
	}

	t.Run("transfer executed at the provider is debited", func(t *testing.T) {
		// Arrange
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		transfers := new(MockTransferGateway)
		w := failWithTimeout(t, repo, transfers)
		w.CreatedAt = time.Now().Add(-time.Hour)
		transfers.On("FetchTransfer", mock.Anything, w.Reference).Return(&TransferResult{TransferCode: "TRF_late", Status: "success"}, nil)
		uc := newTestWalletUseCase(repo, nil, transfers)

		// Act
		resolved, err := uc.ReconcileWithdrawals(context.Background())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		stored := repo.withdrawals[w.Reference]
		assert.Equal(t, StatusCompleted, stored.Status)
		assert.True(t, stored.Debited)
		assert.Equal(t, "TRF_late", *stored.TransferCode)
		assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(4000)))
	})

	t.Run("transfer the provider never saw is closed", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		transfers := new(MockTransferGateway)
		w := failWithTimeout(t, repo, transfers)
		w.CreatedAt = time.Now().Add(-time.Hour)
		transfers.On("FetchTransfer", mock.Anything, w.Reference).Return(nil, ErrNotFound)
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, resolved)
		assert.NotNil(t, repo.withdrawals[w.Reference].ReconciledAt)
		assert.True(t, repo.balance(testUserID).Equal(decimal.NewFromInt(5000)))
	})

	t.Run("recent failures wait for the grace period", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		transfers := new(MockTransferGateway)
		failWithTimeout(t, repo, transfers)
		uc := newTestWalletUseCase(repo, nil, transfers)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Zero(t, resolved)
		transfers.AssertNotCalled(t, "FetchTransfer", mock.Anything, mock.Anything)
	})

	t.Run("rejected transfers are not re-checked", func(t *testing.T) {
		repo := newMemoryRepository()
		repo.setBalance(testUserID, "5000")
		transfers := new(MockTransferGateway)
		transfers.On("InitiateTransfer", mock.Anything, mock.Anything).Return(&TransferResult{Status: "failed"}, nil)
		uc := newTestWalletUseCase(repo, nil, transfers)
		_, err := uc.ApplyWithdrawal(context.Background(), testUserID, decimal.NewFromInt(1000), "RCP_abc123")
		require.ErrorIs(t, err, ErrGateway)
		onlyWithdrawal(t, repo).CreatedAt = time.Now().Add(-time.Hour)

		resolved, err := uc.ReconcileWithdrawals(context.Background())

		require.NoError(t, err)
		assert.Zero(t, resolved)
		transfers.AssertNotCalled(t, "FetchTransfer", mock.Anything, mock.Anything)
	})
}

func TestExpireIntents(t *testing.T) {
	repo := newMemoryRepository()
	seedIntent(repo, testUserID, "TOP-1-old", "100")
	seedIntent(repo, testUserID, "TOP-2-new", "100")
	repo.intents["TOP-1-old"].CreatedAt = time.Now().Add(-48 * time.Hour)
	uc := newTestWalletUseCase(repo, nil, nil)

	n, err := uc.ExpireIntents(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusFailed, repo.intents["TOP-1-old"].Status)
	assert.Equal(t, StatusPending, repo.intents["TOP-2-new"].Status)
}

func TestSettleEarnings(t *testing.T) {
	repo := newMemoryRepository()
	repo.earnings["PUR-a"] = &CreatorEarning{ID: "e1", CreatorID: testCreatorID, SourceRef: "PUR-a", Amount: decimal.NewFromInt(8), AvailableAt: time.Now().Add(-time.Hour)}
	repo.earnings["PUR-b"] = &CreatorEarning{ID: "e2", CreatorID: testCreatorID, SourceRef: "PUR-b", Amount: decimal.NewFromInt(8), AvailableAt: time.Now().Add(time.Hour)}
	uc := newTestWalletUseCase(repo, nil, nil)

	settled, err := uc.SettleEarnings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.True(t, repo.balance(testCreatorID).Equal(decimal.NewFromInt(8)))
	assert.NotNil(t, repo.transactions["EARN-e1"])

	again, err := uc.SettleEarnings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.True(t, repo.balance(testCreatorID).Equal(decimal.NewFromInt(8)))
}
