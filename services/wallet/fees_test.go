package main

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_WithdrawalOfOneThousand(t *testing.T) {
	schedule := DefaultFeeSchedule()

	fee, net := Split(decimal.NewFromInt(1000), schedule.Withdrawal)

	assert.True(t, fee.Equal(decimal.NewFromInt(200)), "commission = %s", fee)
	assert.True(t, net.Equal(decimal.NewFromInt(800)), "net = %s", net)
}

func TestSplit_NoRoundingDrift(t *testing.T) {
	rates := []string{"0.20", "0.15", "0.175", "0.333"}
	amounts := []string{"0.01", "0.03", "1.99", "10.05", "333.33", "9999999.99"}

	for _, r := range rates {
		for _, a := range amounts {
			rate := decimal.RequireFromString(r)
			amount := decimal.RequireFromString(a)

			fee, net := Split(amount, rate)

			assert.True(t, fee.Add(net).Equal(amount), "rate=%s amount=%s fee=%s net=%s", r, a, fee, net)
			assert.LessOrEqual(t, -fee.Exponent(), int32(moneyPlaces))
			assert.False(t, net.IsNegative())
		}
	}
}

func TestFeeSchedule_DistinctRates(t *testing.T) {
	schedule := DefaultFeeSchedule()

	require.NoError(t, schedule.Validate())
	assert.Equal(t, "0.2", schedule.Withdrawal.String())
	assert.Equal(t, "0.15", schedule.Subscription.String())
	assert.Equal(t, "0.2", schedule.MediaPurchase.String())
}

func TestFeeSchedule_ValidateRejectsBadRates(t *testing.T) {
	schedule := DefaultFeeSchedule()
	schedule.Subscription = decimal.NewFromInt(1)
	assert.Error(t, schedule.Validate())

	schedule = DefaultFeeSchedule()
	schedule.Version = ""
	assert.Error(t, schedule.Validate())
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(5000), ToMinorUnits(decimal.NewFromInt(50)))
	assert.Equal(t, int64(1999), ToMinorUnits(decimal.RequireFromString("19.99")))
	assert.True(t, FromMinorUnits(5000).Equal(decimal.NewFromInt(50)))
}
