package main

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// LifecycleUseCase encapsula as varreduras periódicas das assinaturas
type LifecycleUseCase struct {
	repository SubscriptionRepository
	metrics    *Metrics
	now        func() time.Time
}

// NewLifecycleUseCase cria uma nova instância do caso de uso
func NewLifecycleUseCase(repository SubscriptionRepository, metrics *Metrics) *LifecycleUseCase {
	return &LifecycleUseCase{
		repository: repository,
		metrics:    metrics,
		now:        time.Now,
	}
}

// SweepExpired desativa as assinaturas vencidas e devolve quantas foram viradas.
// Rodar de novo só encontra linhas que ainda batem com o predicado.
func (uc *LifecycleUseCase) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "lifecycle.sweep_expired")
	defer span.End()

	expired, err := uc.repository.DeactivateExpired(ctx, uc.now())
	if err != nil {
		recordError(span, err)
		log.Printf("❌ [SWEEP] Failed to deactivate expired subscriptions: %v", err)
		return 0, err
	}

	for _, s := range expired {
		log.Printf("⌛ [SWEEP] Deactivated | SubscriptionID=%s | SubscriberID=%s | CreatorID=%s | ExpiredAt=%s",
			s.ID, s.SubscriberID, s.CreatorID, s.ExpiresAt.Format(time.RFC3339))
	}
	if n := len(expired); n > 0 {
		add(ctx, uc.metrics.Deactivated, int64(n))
		log.Printf("✅ [SWEEP] %d subscriptions deactivated", n)
	}
	span.SetAttributes(attribute.Int("deactivated", len(expired)))
	return len(expired), nil
}

// RemindExpiring avisa quem tem assinatura vencendo dentro da janela.
// Cada ciclo da assinatura recebe no máximo um lembrete.
func (uc *LifecycleUseCase) RemindExpiring(ctx context.Context, within time.Duration) (int, error) {
	ctx, span := startSpan(ctx, "lifecycle.remind_expiring", attribute.String("within", within.String()))
	defer span.End()

	if within <= 0 {
		return 0, nil
	}
	now := uc.now()

	// 1. Lembretes já enviados nesta janela
	reminded, err := uc.repository.RemindedRefs(ctx, now.Add(-within))
	if err != nil {
		recordError(span, err)
		return 0, err
	}

	// 2. Assinaturas vencendo que ainda não foram lembradas
	expiring, err := uc.repository.ListExpiring(ctx, now, now.Add(within), reminded)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	if len(expiring) == 0 {
		return 0, nil
	}

	// 3. Uma notificação por assinatura
	notifications := make([]Notification, 0, len(expiring))
	for i := range expiring {
		notifications = append(notifications, NewExpiringNotification(&expiring[i]))
	}
	created, err := uc.repository.CreateNotifications(ctx, notifications)
	if err != nil {
		recordError(span, err)
		log.Printf("❌ [REMIND] Failed to create reminders: %v", err)
		return 0, err
	}

	add(ctx, uc.metrics.Reminded, int64(created))
	log.Printf("🔔 [REMIND] %d renewal reminders sent", created)
	span.SetAttributes(attribute.Int("reminded", created))
	return created, nil
}

// Run dispara as varreduras a cada interval até o contexto ser cancelado
func (uc *LifecycleUseCase) Run(ctx context.Context, interval, reminderWindow time.Duration) {
	if interval <= 0 {
		log.Println("ℹ️ SWEEP_INTERVAL is 0, internal sweeps disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.SweepExpired(ctx); err != nil {
				continue
			}
			if _, err := uc.RemindExpiring(ctx, reminderWindow); err != nil {
				log.Printf("⚠️ [REMIND] %v", err)
			}
		}
	}
}
