package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// SubscribeResult é o retorno de Subscribe
type SubscribeResult struct {
	Subscription *Subscription `json:"subscription"`
	Reference    string        `json:"reference"`
	NetToCreator string        `json:"net_to_creator"`
}

// Subscribe cobra o plano do assinante e credita o criador já descontada a taxa de assinatura.
// Também renova: expires_at soma a duração a partir do maior entre o vencimento atual e agora.
func (uc *PurchaseUseCase) Subscribe(ctx context.Context, subscriberID, planID string) (*SubscribeResult, error) {
	ctx, span := startSpan(ctx, "subscribe",
		attribute.String("user_id", subscriberID),
		attribute.String("plan_id", planID),
	)
	defer span.End()

	plan, err := uc.repository.GetSubscriptionPlan(ctx, planID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if plan.CreatorID == subscriberID {
		return nil, ErrSelfPurchase
	}
	if !plan.Price.IsPositive() || plan.DurationDays <= 0 {
		return nil, ErrInvalidAmount
	}

	// 1. Checagem de saldo sem lock
	wallet, err := uc.repository.GetWallet(ctx, subscriberID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if wallet == nil || wallet.Balance.LessThan(plan.Price) {
		return nil, ErrInsufficientBalance
	}

	reference := "SUB-" + uuid.New().String()
	fee, net := Split(plan.Price, uc.fees.Subscription)

	// 2. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("erro ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	// 3. Débito do assinante
	debit, err := uc.repository.DebitWallet(ctx, tx, subscriberID, plan.Price, reference, "Subscription: plan "+planID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if err := uc.repository.SetTransactionFeeVersion(ctx, tx, debit.TransactionID, uc.fees.Version); err != nil {
		return nil, err
	}

	// 4. Crédito líquido do criador
	if net.IsPositive() {
		credit, err := uc.repository.CreditWallet(ctx, tx, plan.CreatorID, net, reference+"-CR", "Subscription revenue: plan "+planID)
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		if err := uc.repository.SetTransactionFeeVersion(ctx, tx, credit.TransactionID, uc.fees.Version); err != nil {
			return nil, err
		}
	}

	// 5. Assinatura criada ou renovada
	sub, err := uc.repository.UpsertSubscription(ctx, tx, subscriberID, plan)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	// 6. Notificação do criador
	ev, err := NewOutboxEvent(OutboxKindNotification, Notification{
		UserID: plan.CreatorID,
		Kind:   "new_subscriber",
		Title:  "New subscriber",
		Body:   fmt.Sprintf("Someone subscribed to your plan. You earned %s", net.StringFixed(moneyPlaces)),
		RefID:  reference,
	})
	if err != nil {
		return nil, err
	}
	if err := uc.repository.EnqueueOutbox(ctx, tx, ev); err != nil {
		return nil, err
	}

	// 7. Commit
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("erro ao comitar assinatura: %w", err)
	}

	log.Printf("✅ [SUBSCRIBE] Success | Ref=%s | Subscriber=%s | Creator=%s | Price=%s | Fee=%s | ExpiresAt=%s",
		reference, subscriberID, plan.CreatorID, plan.Price, fee, sub.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))

	return &SubscribeResult{
		Subscription: sub,
		Reference:    reference,
		NetToCreator: net.StringFixed(moneyPlaces),
	}, nil
}
