package main

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// moneyPlaces é a menor unidade da moeda (kobo/centavo)
const moneyPlaces = 2

// FeeSchedule é a tabela versionada de taxas da plataforma.
// Cada tipo de receita tem a sua taxa: saque, assinatura e compra avulsa de mídia.
type FeeSchedule struct {
	Version       string
	Withdrawal    decimal.Decimal
	Subscription  decimal.Decimal
	MediaPurchase decimal.Decimal
}

// DefaultFeeSchedule devolve a tabela atualmente praticada
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Version:       "2024-01",
		Withdrawal:    decimal.RequireFromString("0.20"),
		Subscription:  decimal.RequireFromString("0.15"),
		MediaPurchase: decimal.RequireFromString("0.20"),
	}
}

// Validate garante que todas as taxas estão em [0, 1)
func (f FeeSchedule) Validate() error {
	if f.Version == "" {
		return fmt.Errorf("fee schedule version is required")
	}
	one := decimal.NewFromInt(1)
	for name, rate := range map[string]decimal.Decimal{
		"withdrawal":     f.Withdrawal,
		"subscription":   f.Subscription,
		"media_purchase": f.MediaPurchase,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("fee rate %s out of range: %s", name, rate)
		}
	}
	return nil
}

// Split divide amount em (taxa, líquido). A taxa é arredondada para a menor unidade
// e o líquido é o restante, então fee + net == amount sempre.
func Split(amount, rate decimal.Decimal) (fee, net decimal.Decimal) {
	amount = amount.Round(moneyPlaces)
	fee = amount.Mul(rate).Round(moneyPlaces)
	net = amount.Sub(fee)
	return fee, net
}

// ToMinorUnits converte um valor para a menor unidade (ex.: naira -> kobo)
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(moneyPlaces).Round(0).IntPart()
}

// FromMinorUnits converte da menor unidade para o valor decimal
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -moneyPlaces)
}
