package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LedgerRepository define as operações do ledger: saldo, transações, intents e saques
type LedgerRepository interface {
	BeginTx(ctx context.Context) (Tx, error)
	CreditWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error)
	DebitWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error)
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
	SetTransactionFeeVersion(ctx context.Context, tx Tx, transactionID, feeVersion string) error

	CreatePaymentIntent(ctx context.Context, intent *PaymentIntent) error
	GetPaymentIntentByReference(ctx context.Context, reference string) (*PaymentIntent, error)
	UpdatePaymentIntentStatus(ctx context.Context, reference, status string, errorMessage *string) error
	ExpirePaymentIntents(ctx context.Context, createdBefore time.Time) (int64, error)

	CreateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error
	UpdateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error
	GetWithdrawalRequestByReference(ctx context.Context, reference string) (*WithdrawalRequest, error)
	ListWithdrawalsToReconcile(ctx context.Context, pendingBefore time.Time, limit int) ([]*WithdrawalRequest, error)
}

// ContentRepository define as operações de mídia paga, ganhos de criadores e assinaturas
type ContentRepository interface {
	GetMedia(ctx context.Context, mediaID string) (*Media, error)
	GetMediaPurchase(ctx context.Context, mediaID, buyerID string) (*MediaPurchase, error)
	CreateMediaPurchase(ctx context.Context, tx Tx, purchase *MediaPurchase) error
	GetWalletAddress(ctx context.Context, userID string) (string, error)

	AddCreatorEarning(ctx context.Context, tx Tx, earning *CreatorEarning) error
	ListDueEarnings(ctx context.Context, now time.Time, limit int) ([]*CreatorEarning, error)
	SettleEarning(ctx context.Context, tx Tx, earning *CreatorEarning) error
	CancelEarning(ctx context.Context, tx Tx, sourceRef string) error

	GetSubscriptionPlan(ctx context.Context, planID string) (*SubscriptionPlan, error)
	UpsertSubscription(ctx context.Context, tx Tx, subscriberID string, plan *SubscriptionPlan) (*Subscription, error)
}

// OutboxRepository define a fila durável de efeitos colaterais
type OutboxRepository interface {
	EnqueueOutbox(ctx context.Context, tx Tx, event *OutboxEvent) error
	ClaimDueOutbox(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id string) error
	MarkOutboxRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error
	InsertNotification(ctx context.Context, n Notification) (bool, error)
}

// EscrowRepository define o espelho off-chain das compras em escrow
type EscrowRepository interface {
	CreateEscrowPurchase(ctx context.Context, tx Tx, p *EscrowPurchase) error
	GetEscrowPurchase(ctx context.Context, transactionRef string) (*EscrowPurchase, error)
	TransitionEscrow(ctx context.Context, tx Tx, transactionRef, from, to string, txHash string) error
	SetEscrowTxHash(ctx context.Context, transactionRef, txHash string) error
}

// WebhookRepository registra os callbacks recebidos para deduplicação e auditoria
type WebhookRepository interface {
	RecordWebhookEvent(ctx context.Context, event *WebhookEvent, payload []byte) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingError *string) error
}

// RateLimitRepository é o contador com janela usado quando não há Redis
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, subject string, windowStart time.Time, window time.Duration) (int, error)
}

// Repository agrega todas as operações de banco do serviço de carteira
type Repository interface {
	LedgerRepository
	ContentRepository
	OutboxRepository
	EscrowRepository
	WebhookRepository
	RateLimitRepository
}

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	return t.tx.Rollback(context.Background())
}

// querier é o subconjunto comum entre pgxpool.Pool e pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implementa Repository usando PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewRepository cria uma nova instância de PostgresRepository
func NewRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// BeginTx inicia uma nova transação
func (r *PostgresRepository) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{tx: tx}, nil
}

// conn devolve a transação quando existe, senão o pool
func (r *PostgresRepository) conn(tx Tx) querier {
	if pgTx, ok := tx.(*PostgresTx); ok && pgTx != nil {
		return pgTx.tx
	}
	return r.db
}

// translateLedgerError converte os SQLSTATE customizados dos procedimentos em erros de domínio
func translateLedgerError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "WL001":
			return ErrInsufficientBalance
		case "WL002":
			return fmt.Errorf("%w: wallet", ErrNotFound)
		case "WL003":
			return ErrInvalidAmount
		case "23514":
			// CHECK (balance >= 0) como última linha de defesa
			return ErrInsufficientBalance
		case "23505":
			// mesma referência gravada por uma transação concorrente
			return ErrDuplicateEvent
		}
	}
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return err
}

// CreditWallet chama o procedimento atômico credit_wallet
func (r *PostgresRepository) CreditWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error) {
	var res LedgerResult
	err := r.conn(tx).QueryRow(ctx, `
		SELECT new_balance, transaction_id, applied
		FROM credit_wallet($1, $2, $3, $4)
	`, userID, amount, reference, description).Scan(&res.NewBalance, &res.TransactionID, &res.Applied)
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", translateLedgerError(err))
	}
	return &res, nil
}

// DebitWallet chama o procedimento atômico debit_wallet
func (r *PostgresRepository) DebitWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error) {
	var res LedgerResult
	err := r.conn(tx).QueryRow(ctx, `
		SELECT new_balance, transaction_id, applied
		FROM debit_wallet($1, $2, $3, $4)
	`, userID, amount, reference, description).Scan(&res.NewBalance, &res.TransactionID, &res.Applied)
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", translateLedgerError(err))
	}
	return &res, nil
}

// GetWallet busca a carteira do usuário
func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	var wallet Wallet
	err := r.db.QueryRow(ctx, `
		SELECT user_id, balance, currency, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&wallet.UserID, &wallet.Balance, &wallet.Currency, &wallet.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "wallet")
	}
	return &wallet, nil
}

// GetTransactionByReference busca o lançamento pela referência única
func (r *PostgresRepository) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	var t Transaction
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, type, amount, reference, idempotency_key, status, balance_after,
		       description, fee_version, blockchain_hash, created_at, updated_at
		FROM transactions
		WHERE reference = $1
	`, reference).Scan(
		&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Reference, &t.IdempotencyKey, &t.Status, &t.BalanceAfter,
		&t.Description, &t.FeeVersion, &t.BlockchainHash, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	return &t, nil
}

// SetTransactionFeeVersion grava a versão da tabela de taxas usada no lançamento
func (r *PostgresRepository) SetTransactionFeeVersion(ctx context.Context, tx Tx, transactionID, feeVersion string) error {
	_, err := r.conn(tx).Exec(ctx, `
		UPDATE transactions SET fee_version = $2, updated_at = NOW() WHERE id = $1
	`, transactionID, feeVersion)
	if err != nil {
		return fmt.Errorf("failed to set fee version: %w", err)
	}
	return nil
}

// CreatePaymentIntent grava o intent pendente de um top-up
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *PaymentIntent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_intents (id, user_id, provider, amount, reference, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, intent.ID, intent.UserID, intent.Provider, intent.Amount, intent.Reference, intent.Status, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment intent: %w", err)
	}
	return nil
}

// GetPaymentIntentByReference busca o intent pela referência
func (r *PostgresRepository) GetPaymentIntentByReference(ctx context.Context, reference string) (*PaymentIntent, error) {
	var p PaymentIntent
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, provider, amount, reference, status, error_message, created_at, updated_at
		FROM payment_intents
		WHERE reference = $1
	`, reference).Scan(&p.ID, &p.UserID, &p.Provider, &p.Amount, &p.Reference, &p.Status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "payment intent")
	}
	return &p, nil
}

// UpdatePaymentIntentStatus move o intent para um novo status.
// Um intent já concluído nunca volta para failed.
func (r *PostgresRepository) UpdatePaymentIntentStatus(ctx context.Context, reference, status string, errorMessage *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payment_intents
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE reference = $1 AND status <> 'completed'
	`, reference, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update payment intent: %w", err)
	}
	return nil
}

// ExpirePaymentIntents marca como failed os intents pendentes criados antes do limite
func (r *PostgresRepository) ExpirePaymentIntents(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_intents
		SET status = 'failed', error_message = 'expired', updated_at = NOW()
		WHERE status = 'pending' AND created_at < $1
	`, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to expire payment intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateWithdrawalRequest grava o pedido de saque antes de qualquer chamada externa
func (r *PostgresRepository) CreateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO withdrawal_requests
			(id, user_id, reference, amount, net_amount, commission, fee_version, recipient_code, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.UserID, req.Reference, req.Amount, req.NetAmount, req.Commission, req.FeeVersion,
		req.RecipientCode, req.Status, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert withdrawal request: %w", err)
	}
	return nil
}

// UpdateWithdrawalRequest persiste o estado mutável do pedido
func (r *PostgresRepository) UpdateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $2, error_message = $3, transfer_code = $4, debited = $5, needs_review = $6,
		    reconciled_at = $7, transfer_unknown = $8, updated_at = NOW()
		WHERE id = $1
	`, req.ID, req.Status, req.ErrorMessage, req.TransferCode, req.Debited, req.NeedsReview, req.ReconciledAt,
		req.TransferUnknown)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: withdrawal request %s", ErrNotFound, req.ID)
	}
	return nil
}

const withdrawalColumns = `id, user_id, reference, amount, net_amount, commission, fee_version, recipient_code,
	status, error_message, transfer_code, transfer_unknown, debited, needs_review, reconciled_at, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (*WithdrawalRequest, error) {
	var w WithdrawalRequest
	err := row.Scan(&w.ID, &w.UserID, &w.Reference, &w.Amount, &w.NetAmount, &w.Commission, &w.FeeVersion,
		&w.RecipientCode, &w.Status, &w.ErrorMessage, &w.TransferCode, &w.TransferUnknown, &w.Debited, &w.NeedsReview,
		&w.ReconciledAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWithdrawalRequestByReference busca o pedido de saque pela referência
func (r *PostgresRepository) GetWithdrawalRequestByReference(ctx context.Context, reference string) (*WithdrawalRequest, error) {
	w, err := scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE reference = $1`, reference))
	if err != nil {
		return nil, notFound(err, "withdrawal request")
	}
	return w, nil
}

// ListWithdrawalsToReconcile lista pedidos pendentes antigos e pedidos que falharam
// depois de a transferência ter sido aceita (transfer_code preenchido, sem débito)
func (r *PostgresRepository) ListWithdrawalsToReconcile(ctx context.Context, pendingBefore time.Time, limit int) ([]*WithdrawalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE NOT needs_review
		  AND ((status = 'pending' AND created_at < $1)
		    OR (status = 'failed' AND transfer_code IS NOT NULL AND NOT debited AND reconciled_at IS NULL)
		    OR (status = 'failed' AND transfer_unknown AND NOT debited AND reconciled_at IS NULL AND created_at < $1))
		ORDER BY created_at
		LIMIT $2
	`, pendingBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var out []*WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetMedia busca a mídia paga
func (r *PostgresRepository) GetMedia(ctx context.Context, mediaID string) (*Media, error) {
	var m Media
	err := r.db.QueryRow(ctx, `
		SELECT id, creator_id, bucket, path, price FROM media WHERE id = $1
	`, mediaID).Scan(&m.ID, &m.CreatorID, &m.Bucket, &m.Path, &m.Price)
	if err != nil {
		return nil, notFound(err, "media")
	}
	return &m, nil
}

// GetMediaPurchase busca a compra única (media_id, buyer_id)
func (r *PostgresRepository) GetMediaPurchase(ctx context.Context, mediaID, buyerID string) (*MediaPurchase, error) {
	var p MediaPurchase
	err := r.db.QueryRow(ctx, `
		SELECT id, media_id, buyer_id, amount, fee, transaction_id, created_at
		FROM media_purchases
		WHERE media_id = $1 AND buyer_id = $2
	`, mediaID, buyerID).Scan(&p.ID, &p.MediaID, &p.BuyerID, &p.Amount, &p.Fee, &p.TransactionID, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "media purchase")
	}
	return &p, nil
}

// CreateMediaPurchase grava a compra. Uma compra concorrente do mesmo par vira ErrDuplicateEvent.
func (r *PostgresRepository) CreateMediaPurchase(ctx context.Context, tx Tx, p *MediaPurchase) error {
	tag, err := r.conn(tx).Exec(ctx, `
		INSERT INTO media_purchases (id, media_id, buyer_id, amount, fee, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (media_id, buyer_id) DO NOTHING
	`, p.ID, p.MediaID, p.BuyerID, p.Amount, p.Fee, p.TransactionID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert media purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// GetWalletAddress devolve o endereço on-chain do perfil ou "" quando não houver
func (r *PostgresRepository) GetWalletAddress(ctx context.Context, userID string) (string, error) {
	var addr *string
	err := r.db.QueryRow(ctx, `SELECT wallet_address FROM profiles WHERE user_id = $1`, userID).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get wallet address: %w", err)
	}
	if addr == nil {
		return "", nil
	}
	return *addr, nil
}

// AddCreatorEarning credita o líquido no saldo pendente do criador e grava o ganho
func (r *PostgresRepository) AddCreatorEarning(ctx context.Context, tx Tx, e *CreatorEarning) error {
	q := r.conn(tx)

	// 1. Saldo pendente e total acumulado
	_, err := q.Exec(ctx, `
		INSERT INTO creator_balances (creator_id, pending_balance, total_earned, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (creator_id) DO UPDATE
		SET pending_balance = creator_balances.pending_balance + EXCLUDED.pending_balance,
		    total_earned = creator_balances.total_earned + EXCLUDED.total_earned,
		    updated_at = NOW()
	`, e.CreatorID, e.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit creator balance: %w", err)
	}

	// 2. Ganho individual, liberado em available_at
	_, err = q.Exec(ctx, `
		INSERT INTO creator_earnings (id, creator_id, source_ref, amount, available_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.CreatorID, e.SourceRef, e.Amount, e.AvailableAt)
	if err != nil {
		return fmt.Errorf("failed to insert creator earning: %w", err)
	}
	return nil
}

// ListDueEarnings lista os ganhos maduros ainda não liquidados
func (r *PostgresRepository) ListDueEarnings(ctx context.Context, now time.Time, limit int) ([]*CreatorEarning, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, creator_id, source_ref, amount, available_at
		FROM creator_earnings
		WHERE settled_at IS NULL AND available_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM escrow_purchases ep
			WHERE ep.transaction_ref = creator_earnings.source_ref
			  AND ep.status IN ('Disputed', 'Refunded')
		  )
		ORDER BY available_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list earnings: %w", err)
	}
	defer rows.Close()

	var out []*CreatorEarning
	for rows.Next() {
		var e CreatorEarning
		if err := rows.Scan(&e.ID, &e.CreatorID, &e.SourceRef, &e.Amount, &e.AvailableAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SettleEarning marca o ganho como liquidado e baixa o saldo pendente.
// Um ganho já liquidado devolve ErrDuplicateEvent.
func (r *PostgresRepository) SettleEarning(ctx context.Context, tx Tx, e *CreatorEarning) error {
	q := r.conn(tx)

	tag, err := q.Exec(ctx, `
		UPDATE creator_earnings SET settled_at = NOW() WHERE id = $1 AND settled_at IS NULL
	`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to settle earning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}

	_, err = q.Exec(ctx, `
		UPDATE creator_balances
		SET pending_balance = GREATEST(pending_balance - $2, 0), updated_at = NOW()
		WHERE creator_id = $1
	`, e.CreatorID, e.Amount)
	if err != nil {
		return fmt.Errorf("failed to decrease pending balance: %w", err)
	}
	return nil
}

// CancelEarning remove o ganho ainda não liquidado de uma venda estornada
// e desfaz o crédito no saldo pendente e no total acumulado
func (r *PostgresRepository) CancelEarning(ctx context.Context, tx Tx, sourceRef string) error {
	q := r.conn(tx)

	var creatorID string
	var amount decimal.Decimal
	err := q.QueryRow(ctx, `
		DELETE FROM creator_earnings
		WHERE source_ref = $1 AND settled_at IS NULL
		RETURNING creator_id, amount
	`, sourceRef).Scan(&creatorID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: earning already settled", ErrInvalidTransition)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel earning: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE creator_balances
		SET pending_balance = GREATEST(pending_balance - $2, 0),
		    total_earned = GREATEST(total_earned - $2, 0),
		    updated_at = NOW()
		WHERE creator_id = $1
	`, creatorID, amount)
	if err != nil {
		return fmt.Errorf("failed to revert creator balance: %w", err)
	}
	return nil
}

// GetSubscriptionPlan busca o plano de assinatura
func (r *PostgresRepository) GetSubscriptionPlan(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	var p SubscriptionPlan
	err := r.db.QueryRow(ctx, `
		SELECT id, creator_id, price, duration_days FROM subscription_plans WHERE id = $1
	`, planID).Scan(&p.ID, &p.CreatorID, &p.Price, &p.DurationDays)
	if err != nil {
		return nil, notFound(err, "subscription plan")
	}
	return &p, nil
}

// UpsertSubscription cria ou renova a assinatura. A renovação soma a duração a partir
// do maior entre expires_at e agora.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, tx Tx, subscriberID string, plan *SubscriptionPlan) (*Subscription, error) {
	var s Subscription
	err := r.conn(tx).QueryRow(ctx, `
		INSERT INTO subscriptions (id, subscriber_id, creator_id, plan_id, expires_at, is_active)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW() + make_interval(days => $4), TRUE)
		ON CONFLICT (subscriber_id, creator_id) DO UPDATE
		SET plan_id = EXCLUDED.plan_id,
		    expires_at = GREATEST(subscriptions.expires_at, NOW()) + make_interval(days => $4),
		    is_active = TRUE,
		    updated_at = NOW()
		RETURNING id, subscriber_id, creator_id, plan_id, expires_at, is_active
	`, subscriberID, plan.CreatorID, plan.ID, plan.DurationDays).Scan(
		&s.ID, &s.SubscriberID, &s.CreatorID, &s.PlanID, &s.ExpiresAt, &s.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return &s, nil
}

// EnqueueOutbox grava o evento na mesma transação da mutação principal
func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, tx Tx, ev *OutboxEvent) error {
	_, err := r.conn(tx).Exec(ctx, `
		INSERT INTO outbox_events (id, kind, payload, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.Kind, ev.Payload, ev.Status, ev.Attempts, ev.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimDueOutbox reserva um lote de eventos vencidos empurrando next_attempt_at para frente,
// assim duas réplicas do relay nunca pegam o mesmo evento ao mesmo tempo
func (r *PostgresRepository) ClaimDueOutbox(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE outbox_events
		SET next_attempt_at = NOW() + make_interval(secs => $2), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, status, attempts, next_attempt_at, last_error
	`, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Payload, &ev.Status, &ev.Attempts, &ev.NextAttemptAt, &ev.LastError); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// MarkOutboxDispatched encerra o evento
func (r *PostgresRepository) MarkOutboxDispatched(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET status = 'dispatched', last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event dispatched: %w", err)
	}
	return nil
}

// MarkOutboxRetry agenda a próxima tentativa ou encerra o evento como failed
func (r *PostgresRepository) MarkOutboxRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error {
	status := OutboxStatusPending
	if failed {
		status = OutboxStatusFailed
	}
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, status, attempts, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox event: %w", err)
	}
	return nil
}

// InsertNotification grava a notificação in-app uma única vez por (kind, ref_id)
func (r *PostgresRepository) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO notifications (user_id, kind, title, body, ref_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (kind, ref_id) DO NOTHING
	`, n.UserID, n.Kind, n.Title, n.Body, n.RefID)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateEscrowPurchase grava o espelho Pending da compra
func (r *PostgresRepository) CreateEscrowPurchase(ctx context.Context, tx Tx, p *EscrowPurchase) error {
	_, err := r.conn(tx).Exec(ctx, `
		INSERT INTO escrow_purchases (transaction_ref, buyer, seller, buyer_id, amount, content_id, status, release_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (transaction_ref) DO NOTHING
	`, p.TransactionRef, p.Buyer, p.Seller, p.BuyerID, p.Amount, p.ContentID, p.Status, p.ReleaseTime)
	if err != nil {
		return fmt.Errorf("failed to insert escrow purchase: %w", err)
	}
	return nil
}

// GetEscrowPurchase busca o espelho pela referência da transação
func (r *PostgresRepository) GetEscrowPurchase(ctx context.Context, transactionRef string) (*EscrowPurchase, error) {
	var p EscrowPurchase
	err := r.db.QueryRow(ctx, `
		SELECT transaction_ref, buyer, seller, buyer_id, amount, content_id, status, release_time, tx_hash
		FROM escrow_purchases
		WHERE transaction_ref = $1
	`, transactionRef).Scan(&p.TransactionRef, &p.Buyer, &p.Seller, &p.BuyerID, &p.Amount, &p.ContentID,
		&p.Status, &p.ReleaseTime, &p.TxHash)
	if err != nil {
		return nil, notFound(err, "escrow purchase")
	}
	return &p, nil
}

// TransitionEscrow aplica a transição somente se o status atual ainda for `from`
func (r *PostgresRepository) TransitionEscrow(ctx context.Context, tx Tx, transactionRef, from, to string, txHash string) error {
	tag, err := r.conn(tx).Exec(ctx, `
		UPDATE escrow_purchases
		SET status = $3, tx_hash = COALESCE(NULLIF($4, ''), tx_hash), updated_at = NOW()
		WHERE transaction_ref = $1 AND status = $2
	`, transactionRef, from, to, txHash)
	if err != nil {
		return fmt.Errorf("failed to update escrow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// SetEscrowTxHash grava o hash on-chain no espelho e no lançamento de origem
func (r *PostgresRepository) SetEscrowTxHash(ctx context.Context, transactionRef, txHash string) error {
	_, err := r.db.Exec(ctx, `
		WITH escrow AS (
			UPDATE escrow_purchases SET tx_hash = $2, updated_at = NOW()
			WHERE transaction_ref = $1
			RETURNING transaction_ref
		)
		UPDATE transactions SET blockchain_hash = $2, updated_at = NOW()
		WHERE reference IN (SELECT transaction_ref FROM escrow)
	`, transactionRef, txHash)
	if err != nil {
		return fmt.Errorf("failed to store escrow hash: %w", err)
	}
	return nil
}

// RecordWebhookEvent grava o evento recebido. Devolve false quando o mesmo evento
// já foi processado com sucesso antes.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, ev *WebhookEvent, payload []byte) (bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET processing_error = NULL
		WHERE webhook_events.processed_at IS NULL OR webhook_events.processing_error IS NOT NULL
		RETURNING id
	`, ev.Provider, ev.ID, ev.Type, payload).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	return true, nil
}

// MarkWebhookProcessed fecha o evento com o resultado do processamento
func (r *PostgresRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingError *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET processed_at = NOW(), processing_error = $3
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID, processingError)
	if err != nil {
		return fmt.Errorf("failed to mark webhook processed: %w", err)
	}
	return nil
}

// IncrementRateLimit incrementa atomicamente o contador da janela e devolve o valor atual
func (r *PostgresRepository) IncrementRateLimit(ctx context.Context, subject string, windowStart time.Time, window time.Duration) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		INSERT INTO rate_limits (subject, window_start, count, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (subject, window_start) DO UPDATE SET count = rate_limits.count + 1
		RETURNING count
	`, subject, windowStart, windowStart.Add(window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return count, nil
}

// PurgeExpiredRateLimits remove janelas vencidas
func (r *PostgresRepository) PurgeExpiredRateLimits(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM rate_limits WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping verifica a conexão com o banco
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
