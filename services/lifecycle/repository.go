package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

type PostgresSubscriptionRepository struct {
	db *sql.DB
}

func NewPostgresSubscriptionRepository(db *sql.DB) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

// DeactivateExpired vira is_active=false e insere as notificações no mesmo comando.
// Sob READ COMMITTED o UPDATE reavalia o predicado depois do lock da linha, então
// uma varredura concorrente ou uma renovação que estendeu expires_at não é tocada de novo.
func (r *PostgresSubscriptionRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]Subscription, error) {
	query := `
		WITH expired AS (
			UPDATE subscriptions
			SET is_active = false,
				updated_at = NOW()
			WHERE is_active
				AND expires_at <= $1
			RETURNING id, subscriber_id, creator_id, plan_id, expires_at
		), notified AS (
			INSERT INTO notifications (user_id, kind, title, body, ref_id)
			SELECT subscriber_id, $2, $3, $4,
				id::text || ':' || floor(extract(epoch FROM expires_at))::bigint
			FROM expired
			ON CONFLICT (kind, ref_id) DO NOTHING
		)
		SELECT id, subscriber_id, creator_id, plan_id, expires_at FROM expired
	`
	rows, err := r.db.QueryContext(ctx, query, now,
		NotificationSubscriptionExpired,
		"Subscription expired",
		"Your subscription has expired. Renew to keep access to exclusive content.",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate expired subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows, false)
}

func (r *PostgresSubscriptionRepository) RemindedRefs(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT ref_id FROM notifications
		WHERE kind = $1 AND created_at >= $2
	`
	rows, err := r.db.QueryContext(ctx, query, NotificationSubscriptionExpiring, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ListExpiring lista assinaturas ativas que vencem em (now, until], exceto as já lembradas
func (r *PostgresSubscriptionRepository) ListExpiring(ctx context.Context, now, until time.Time, exclude []string) ([]Subscription, error) {
	if exclude == nil {
		exclude = []string{}
	}
	query := `
		SELECT id, subscriber_id, creator_id, plan_id, expires_at
		FROM subscriptions
		WHERE is_active
			AND expires_at > $1
			AND expires_at <= $2
			AND NOT (id::text || ':' || floor(extract(epoch FROM expires_at))::bigint) = ANY($3)
		ORDER BY expires_at
	`
	rows, err := r.db.QueryContext(ctx, query, now, until, pq.Array(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	defer rows.Close()

	return scanSubscriptions(rows, true)
}

// CreateNotifications grava as notificações numa transação, ignorando as já existentes
func (r *PostgresSubscriptionRepository) CreateNotifications(ctx context.Context, notifications []Notification) (int, error) {
	if len(notifications) == 0 {
		return 0, nil
	}

	// 1. Inicia a transação
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 2. Insere uma linha por notificação
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notifications (user_id, kind, title, body, ref_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, ref_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare notification insert: %w", err)
	}
	defer stmt.Close()

	created := 0
	for _, n := range notifications {
		result, err := stmt.ExecContext(ctx, n.UserID, n.Kind, n.Title, n.Body, n.RefID)
		if err != nil {
			return 0, fmt.Errorf("failed to create notification: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		created += int(affected)
	}

	// 3. Commit
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit notifications: %w", err)
	}
	return created, nil
}

func scanSubscriptions(rows *sql.Rows, active bool) ([]Subscription, error) {
	var subs []Subscription
	for rows.Next() {
		s := Subscription{IsActive: active}
		if err := rows.Scan(&s.ID, &s.SubscriberID, &s.CreatorID, &s.PlanID, &s.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}
