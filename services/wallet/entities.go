package main

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status comuns a transações, intents e pedidos de saque
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Tipos de lançamento no ledger
const (
	TransactionTypeCredit = "credit"
	TransactionTypeDebit  = "debit"
)

// Provedores de pagamento suportados
const (
	ProviderPaystack    = "paystack"
	ProviderFlutterwave = "flutterwave"
)

// Wallet representa o saldo custodiado de um usuário
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Currency  string          `json:"currency" db:"currency"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction é um lançamento append-only do ledger
type Transaction struct {
	ID             string              `json:"id" db:"id"`
	UserID         string              `json:"user_id" db:"user_id"`
	Type           string              `json:"type" db:"type"`
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	Reference      string              `json:"reference" db:"reference"`
	IdempotencyKey string              `json:"idempotency_key" db:"idempotency_key"`
	Status         string              `json:"status" db:"status"`
	BalanceAfter   decimal.NullDecimal `json:"balance_after" db:"balance_after"`
	Description    string              `json:"description" db:"description"`
	FeeVersion     *string             `json:"fee_version,omitempty" db:"fee_version"`
	BlockchainHash *string             `json:"blockchain_hash,omitempty" db:"blockchain_hash"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at" db:"updated_at"`
}

// LedgerResult é o retorno dos procedimentos credit_wallet/debit_wallet.
// Applied=false indica que a referência já tinha sido aplicada antes.
type LedgerResult struct {
	NewBalance    decimal.Decimal
	TransactionID string
	Applied       bool
}

// PaymentIntent é o registro provisório de um top-up antes da confirmação do provedor
type PaymentIntent struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Provider     string          `json:"provider" db:"provider"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Reference    string          `json:"reference" db:"reference"`
	Status       string          `json:"status" db:"status"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// NewPaymentIntent cria um intent pendente
func NewPaymentIntent(userID, provider, reference string, amount decimal.Decimal) *PaymentIntent {
	now := time.Now()
	return &PaymentIntent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Provider:  provider,
		Amount:    amount,
		Reference: reference,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithdrawalRequest acompanha uma tentativa de transferência para fora da plataforma
type WithdrawalRequest struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Reference       string          `json:"reference" db:"reference"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	NetAmount       decimal.Decimal `json:"net_amount" db:"net_amount"`
	Commission      decimal.Decimal `json:"commission" db:"commission"`
	FeeVersion      string          `json:"fee_version" db:"fee_version"`
	RecipientCode   string          `json:"recipient_code" db:"recipient_code"`
	Status          string          `json:"status" db:"status"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	TransferCode    *string         `json:"transfer_code,omitempty" db:"transfer_code"`
	// o provedor não respondeu ao pedido de transferência; ela pode ter sido executada
	TransferUnknown bool            `json:"transfer_unknown" db:"transfer_unknown"`
	Debited         bool            `json:"debited" db:"debited"`
	NeedsReview     bool            `json:"needs_review" db:"needs_review"`
	ReconciledAt    *time.Time      `json:"reconciled_at,omitempty" db:"reconciled_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// NewWithdrawalRequest cria um pedido de saque pendente com a comissão já calculada
func NewWithdrawalRequest(userID, reference, recipientCode string, amount decimal.Decimal, schedule FeeSchedule) *WithdrawalRequest {
	commission, net := Split(amount, schedule.Withdrawal)
	now := time.Now()
	return &WithdrawalRequest{
		ID:            uuid.New().String(),
		UserID:        userID,
		Reference:     reference,
		Amount:        amount,
		NetAmount:     net,
		Commission:    commission,
		FeeVersion:    schedule.Version,
		RecipientCode: recipientCode,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Fail leva o pedido ao estado terminal failed
func (w *WithdrawalRequest) Fail(reason string) {
	w.Status = StatusFailed
	w.ErrorMessage = &reason
	w.UpdatedAt = time.Now()
}

// Complete marca o pedido como concluído após o débito
func (w *WithdrawalRequest) Complete() {
	w.Status = StatusCompleted
	w.Debited = true
	w.ErrorMessage = nil
	w.UpdatedAt = time.Now()
}

// Media é um conteúdo pago de um criador
type Media struct {
	ID        string          `json:"id" db:"id"`
	CreatorID string          `json:"creator_id" db:"creator_id"`
	Bucket    string          `json:"bucket" db:"bucket"`
	Path      string          `json:"path" db:"path"`
	Price     decimal.Decimal `json:"price" db:"price"`
}

// MediaPurchase registra o desbloqueio de uma mídia por um comprador
type MediaPurchase struct {
	ID            string          `json:"id" db:"id"`
	MediaID       string          `json:"media_id" db:"media_id"`
	BuyerID       string          `json:"buyer_id" db:"buyer_id"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	TransactionID string          `json:"transaction_id" db:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CreatorEarning é a parte líquida de uma venda aguardando liberação para a carteira do criador
type CreatorEarning struct {
	ID          string          `json:"id" db:"id"`
	CreatorID   string          `json:"creator_id" db:"creator_id"`
	SourceRef   string          `json:"source_ref" db:"source_ref"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	AvailableAt time.Time       `json:"available_at" db:"available_at"`
}

// SubscriptionPlan é um plano de assinatura de um criador
type SubscriptionPlan struct {
	ID           string          `json:"id" db:"id"`
	CreatorID    string          `json:"creator_id" db:"creator_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	DurationDays int             `json:"duration_days" db:"duration_days"`
}

// Subscription liga um assinante a um criador até expires_at
type Subscription struct {
	ID           string    `json:"id" db:"id"`
	SubscriberID string    `json:"subscriber_id" db:"subscriber_id"`
	CreatorID    string    `json:"creator_id" db:"creator_id"`
	PlanID       string    `json:"plan_id" db:"plan_id"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	IsActive     bool      `json:"is_active" db:"is_active"`
}

// Notification é a notificação in-app entregue via outbox
type Notification struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	RefID  string `json:"ref_id"`
}

// Tipos de eventos do outbox
const (
	OutboxKindEscrowRecord = "escrow.record"
	OutboxKindNotification = "notification"
)

// Status do outbox
const (
	OutboxStatusPending    = "pending"
	OutboxStatusDispatched = "dispatched"
	OutboxStatusFailed     = "failed"
)

// OutboxEvent é uma intenção de efeito colateral gravada na mesma transação da mutação principal
type OutboxEvent struct {
	ID            string          `json:"id" db:"id"`
	Kind          string          `json:"kind" db:"kind"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        string          `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
}

// NewOutboxEvent serializa o payload e cria um evento pendente
func NewOutboxEvent(kind string, payload any) (*OutboxEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            uuid.New().String(),
		Kind:          kind,
		Payload:       data,
		Status:        OutboxStatusPending,
		NextAttemptAt: time.Now(),
	}, nil
}

// Estados do espelho on-chain de uma compra
const (
	EscrowPending  = "Pending"
	EscrowReleased = "Released"
	EscrowDisputed = "Disputed"
	EscrowRefunded = "Refunded"
)

// EscrowPurchase é o espelho off-chain do registro de escrow no contrato
type EscrowPurchase struct {
	TransactionRef string          `json:"transaction_ref" db:"transaction_ref"`
	Buyer          string          `json:"buyer" db:"buyer"`
	Seller         string          `json:"seller" db:"seller"`
	BuyerID        string          `json:"buyer_id" db:"buyer_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	ContentID      string          `json:"content_id" db:"content_id"`
	Status         string          `json:"status" db:"status"`
	ReleaseTime    time.Time       `json:"release_time" db:"release_time"`
	TxHash         *string         `json:"tx_hash,omitempty" db:"tx_hash"`
}

// WebhookEvent é a forma normalizada de um callback de provedor, já verificado
type WebhookEvent struct {
	Provider     string
	ID           string
	Type         string
	Reference    string
	Amount       decimal.Decimal
	Status       string
	TransferCode string
	Reason       string
}
