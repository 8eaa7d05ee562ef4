package main

import (
	"context"
	"fmt"
	"time"
)

// Subscription representa uma assinatura ativa de um fã a um criador
type Subscription struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
	CreatorID    string    `json:"creator_id"`
	PlanID       string    `json:"plan_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsActive     bool      `json:"is_active"`
}

// NotificationRef identifica a notificação de um ciclo da assinatura.
// Uma renovação muda expires_at, então cada ciclo ganha sua própria notificação.
func (s *Subscription) NotificationRef() string {
	return fmt.Sprintf("%s:%d", s.ID, s.ExpiresAt.Unix())
}

// Notification é a linha inserida na caixa de notificações do usuário
type Notification struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	RefID  string `json:"ref_id"`
}

const (
	NotificationSubscriptionExpired  = "subscription_expired"
	NotificationSubscriptionExpiring = "subscription_expiring"
)

// NewExpiringNotification monta o lembrete de renovação
func NewExpiringNotification(s *Subscription) Notification {
	return Notification{
		UserID: s.SubscriberID,
		Kind:   NotificationSubscriptionExpiring,
		Title:  "Subscription expiring soon",
		Body:   fmt.Sprintf("Your subscription expires on %s. Renew to keep access.", s.ExpiresAt.UTC().Format("2006-01-02 15:04 MST")),
		RefID:  s.NotificationRef(),
	}
}

// SubscriptionRepository define as operações de persistência do ciclo de vida das assinaturas
type SubscriptionRepository interface {
	// Desativa as assinaturas vencidas e grava uma notificação por linha, num único comando
	DeactivateExpired(ctx context.Context, now time.Time) ([]Subscription, error)
	// Refs dos lembretes já enviados desde since
	RemindedRefs(ctx context.Context, since time.Time) ([]string, error)
	ListExpiring(ctx context.Context, now, until time.Time, exclude []string) ([]Subscription, error)
	CreateNotifications(ctx context.Context, notifications []Notification) (int, error)
}
