package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

var (
	topUpReferencePattern = regexp.MustCompile(`^TOP-\d+-[A-Za-z0-9]+$`)
	recipientCodePattern  = regexp.MustCompile(`^RCP_[A-Za-z0-9]+$`)

	// maxTransactionAmount é um teto de sanidade, não um limite de negócio
	maxTransactionAmount = decimal.NewFromInt(10_000_000)
)

// TopUpSession é o retorno de InitiateTopUp
type TopUpSession struct {
	Reference        string `json:"reference"`
	AuthorizationURL string `json:"authorization_url"`
}

// TopUpResult é o retorno de ApplyTopUp
type TopUpResult struct {
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	TransactionID string          `json:"transaction_id"`
	Duplicate     bool            `json:"-"`
}

// WithdrawalResult é o retorno de ApplyWithdrawal
type WithdrawalResult struct {
	Reference    string          `json:"reference"`
	Amount       decimal.Decimal `json:"amount"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	Commission   decimal.Decimal `json:"commission"`
	TransferCode string          `json:"transfer_code"`
	NewBalance   decimal.Decimal `json:"new_balance"`
}

// WalletUseCase contém a lógica de reconciliação de top-ups e saques
type WalletUseCase struct {
	repository  Repository
	gateways    Gateways
	verifiers   map[string]Verifier
	fees        FeeSchedule
	currency    string
	callbackURL string
	intentTTL   time.Duration
	metrics     *Metrics
	now         func() time.Time
}

// NewWalletUseCase cria uma nova instância de WalletUseCase
func NewWalletUseCase(
	repository Repository,
	gateways Gateways,
	verifiers map[string]Verifier,
	cfg *Config,
	metrics *Metrics,
) *WalletUseCase {
	return &WalletUseCase{
		repository:  repository,
		gateways:    gateways,
		verifiers:   verifiers,
		fees:        cfg.Fees,
		currency:    cfg.Currency,
		callbackURL: cfg.CallbackURL,
		intentTTL:   cfg.IntentTTL,
		metrics:     metrics,
		now:         time.Now,
	}
}

// GetWallet devolve o saldo do usuário. Usuário sem carteira tem saldo zero.
func (uc *WalletUseCase) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	wallet, err := uc.repository.GetWallet(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Wallet{UserID: userID, Balance: decimal.Zero, Currency: uc.currency}, nil
	}
	return wallet, err
}

// InitiateTopUp cria o intent pendente e a sessão de pagamento no provedor
func (uc *WalletUseCase) InitiateTopUp(ctx context.Context, userID, email string, amount decimal.Decimal, provider string) (*TopUpSession, error) {
	ctx, span := startSpan(ctx, "initiate_topup",
		attribute.String("user_id", userID),
		attribute.String("provider", provider),
		attribute.String("amount", amount.String()),
	)
	defer span.End()

	// 1. Validação antes de qualquer efeito colateral
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	gateway, err := uc.gateways.Charge(provider)
	if err != nil {
		return nil, err
	}

	// 2. Intent pendente com referência gerada no servidor
	reference := newReference("TOP", uc.now())
	intent := NewPaymentIntent(userID, provider, reference, amount.Round(moneyPlaces))
	if err := uc.repository.CreatePaymentIntent(ctx, intent); err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("reference", reference))

	// 3. Sessão no provedor
	session, err := gateway.InitializeCharge(ctx, ChargeRequest{
		Reference:   reference,
		Email:       email,
		Amount:      intent.Amount,
		Currency:    uc.currency,
		CallbackURL: uc.callbackURL,
	})
	if err != nil {
		msg := err.Error()
		if uerr := uc.repository.UpdatePaymentIntentStatus(ctx, reference, StatusFailed, &msg); uerr != nil {
			log.Printf("❌ [TOPUP] Failed to mark intent %s failed: %v", reference, uerr)
		}
		log.Printf("❌ [TOPUP] Gateway initialize failed | Ref=%s | Error=%v", reference, err)
		recordError(span, err)
		return nil, err
	}

	log.Printf("➡️ [TOPUP] Initiated | UserID=%s | Ref=%s | Amount=%s | Provider=%s", userID, reference, intent.Amount, provider)
	return &TopUpSession{Reference: reference, AuthorizationURL: session.AuthorizationURL}, nil
}

// VerifyTopUp é o caminho síncrono: o cliente volta do checkout e pede a confirmação
func (uc *WalletUseCase) VerifyTopUp(ctx context.Context, userID, reference string) (*TopUpResult, error) {
	ctx, span := startSpan(ctx, "verify_topup",
		attribute.String("user_id", userID),
		attribute.String("reference", reference),
	)
	defer span.End()

	if !topUpReferencePattern.MatchString(reference) {
		return nil, ErrInvalidReference
	}

	// 1. O intent precisa ser do próprio usuário
	intent, err := uc.repository.GetPaymentIntentByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if intent.UserID != userID {
		return nil, fmt.Errorf("%w: payment intent", ErrNotFound)
	}

	// 2. Pergunta ao provedor
	gateway, err := uc.gateways.Charge(intent.Provider)
	if err != nil {
		return nil, err
	}
	verification, err := gateway.VerifyCharge(ctx, reference)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if !verification.Success {
		log.Printf("ℹ️ [TOPUP] Payment not completed | Ref=%s | Status=%s", reference, verification.Status)
		return nil, ErrPaymentPending
	}

	// 3. Mesmo caminho idempotente do webhook
	return uc.ApplyTopUp(ctx, reference, verification.Amount)
}

// ApplyTopUp aplica um top-up confirmado exatamente uma vez por referência
func (uc *WalletUseCase) ApplyTopUp(ctx context.Context, reference string, verifiedAmount decimal.Decimal) (*TopUpResult, error) {
	ctx, span := startSpan(ctx, "apply_topup",
		attribute.String("reference", reference),
		attribute.String("amount", verifiedAmount.String()),
	)
	defer span.End()

	// 1. Formato da referência faz parte do contrato de idempotência
	if !topUpReferencePattern.MatchString(reference) {
		return nil, ErrInvalidReference
	}
	if err := validateAmount(verifiedAmount); err != nil {
		return nil, err
	}

	// 2. Replay: transação já concluída devolve o resultado anterior
	existing, err := uc.repository.GetTransactionByReference(ctx, reference)
	if err != nil && !errors.Is(err, ErrNotFound) {
		recordError(span, err)
		return nil, err
	}
	if existing != nil && existing.Status == StatusCompleted {
		log.Printf("ℹ️ [IDEMPOTENCY] Top-up já aplicado para Ref=%s", reference)
		inc(ctx, uc.metrics.TopUpsDuplicate)
		return &TopUpResult{
			Amount:        existing.Amount,
			NewBalance:    existing.BalanceAfter.Decimal,
			TransactionID: existing.ID,
			Duplicate:     true,
		}, nil
	}

	// 3. O intent diz de quem é o dinheiro
	intent, err := uc.repository.GetPaymentIntentByReference(ctx, reference)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("user_id", intent.UserID))

	amount := verifiedAmount.Round(moneyPlaces)
	if !amount.Equal(intent.Amount) {
		log.Printf("⚠️ [TOPUP] Amount mismatch | Ref=%s | Intent=%s | Verified=%s", reference, intent.Amount, amount)
	}

	// 4. Crédito atômico no ledger
	res, err := uc.repository.CreditWallet(ctx, nil, intent.UserID, amount, reference, "Wallet top-up via "+intent.Provider)
	if err != nil {
		log.Printf("❌ [TOPUP] Credit failed | Ref=%s | Error=%v", reference, err)
		recordError(span, err)
		return nil, err
	}

	// 5. Fecha o intent
	if err := uc.repository.UpdatePaymentIntentStatus(ctx, reference, StatusCompleted, nil); err != nil {
		log.Printf("⚠️ [TOPUP] Failed to complete intent %s: %v", reference, err)
	}

	if !res.Applied {
		log.Printf("ℹ️ [IDEMPOTENCY] credit_wallet ignorou referência repetida Ref=%s", reference)
		inc(ctx, uc.metrics.TopUpsDuplicate)
	} else {
		inc(ctx, uc.metrics.TopUpsApplied, attribute.String("provider", intent.Provider))
		log.Printf("✅ [TOPUP] Applied | UserID=%s | Ref=%s | Amount=%s | NewBalance=%s", intent.UserID, reference, amount, res.NewBalance)
	}

	return &TopUpResult{
		Amount:        amount,
		NewBalance:    res.NewBalance,
		TransactionID: res.TransactionID,
		Duplicate:     !res.Applied,
	}, nil
}

// ApplyWithdrawal transfere o líquido para fora e debita o valor bruto da carteira
func (uc *WalletUseCase) ApplyWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, recipientCode string) (*WithdrawalResult, error) {
	ctx, span := startSpan(ctx, "apply_withdrawal",
		attribute.String("user_id", userID),
		attribute.String("amount", amount.String()),
	)
	defer span.End()

	// 1. Validação
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !recipientCodePattern.MatchString(recipientCode) {
		return nil, ErrInvalidRecipient
	}
	amount = amount.Round(moneyPlaces)

	// 2. Saldo visivelmente insuficiente nunca chega ao provedor
	wallet, err := uc.GetWallet(ctx, userID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if wallet.Balance.LessThan(amount) {
		inc(ctx, uc.metrics.Withdrawals, attribute.String("status", "insufficient_balance"))
		return nil, ErrInsufficientBalance
	}

	// 3. Pedido pendente antes de qualquer chamada externa
	req := NewWithdrawalRequest(userID, newReference("WD", uc.now()), recipientCode, amount, uc.fees)
	if err := uc.repository.CreateWithdrawalRequest(ctx, req); err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("reference", req.Reference))
	log.Printf("➡️ [WITHDRAW] Requested | UserID=%s | Ref=%s | Amount=%s | Net=%s | Commission=%s",
		userID, req.Reference, req.Amount, req.NetAmount, req.Commission)

	// 4. Transferência do líquido
	if uc.gateways.Transfers == nil {
		return nil, uc.failWithdrawal(ctx, req, "no transfer provider configured", ErrGateway)
	}
	transfer, err := uc.gateways.Transfers.InitiateTransfer(ctx, TransferRequest{
		Reference:     req.Reference,
		RecipientCode: recipientCode,
		Amount:        req.NetAmount,
		Reason:        "Creator withdrawal",
	})
	if err != nil {
		// sem resposta do provedor a transferência pode ter saído; a reconciliação confirma
		req.TransferUnknown = true
		recordError(span, err)
		return nil, uc.failWithdrawal(ctx, req, err.Error(), err)
	}
	if !transfer.Succeeded() {
		err := fmt.Errorf("%w: transfer status %s", ErrGateway, transfer.Status)
		recordError(span, err)
		return nil, uc.failWithdrawal(ctx, req, err.Error(), err)
	}
	if transfer.TransferCode != "" {
		code := transfer.TransferCode
		req.TransferCode = &code
	}

	// 5. Débito somente após a transferência aceita
	res, err := uc.repository.DebitWallet(ctx, nil, userID, req.Amount, req.Reference, withdrawalDescription(req))
	if err != nil {
		// transfer_code preenchido + failed é o que a varredura de reconciliação procura
		log.Printf("🚨 [WITHDRAW] Transfer accepted but debit failed | Ref=%s | Error=%v", req.Reference, err)
		recordError(span, err)
		return nil, uc.failWithdrawal(ctx, req, "debit failed after transfer: "+err.Error(), err)
	}
	if err := uc.repository.SetTransactionFeeVersion(ctx, nil, res.TransactionID, req.FeeVersion); err != nil {
		log.Printf("⚠️ [WITHDRAW] %v", err)
	}

	req.Complete()
	if err := uc.repository.UpdateWithdrawalRequest(ctx, req); err != nil {
		log.Printf("⚠️ [WITHDRAW] Failed to complete request %s: %v", req.Reference, err)
	}

	uc.notify(ctx, Notification{
		UserID: userID,
		Kind:   "withdrawal_completed",
		Title:  "Withdrawal sent",
		Body:   fmt.Sprintf("%s %s is on its way to your bank account", uc.currency, req.NetAmount.StringFixed(moneyPlaces)),
		RefID:  req.Reference,
	})

	inc(ctx, uc.metrics.Withdrawals, attribute.String("status", StatusCompleted))
	log.Printf("✅ [WITHDRAW] Success | Ref=%s | NewBalance=%s", req.Reference, res.NewBalance)

	result := &WithdrawalResult{
		Reference:  req.Reference,
		Amount:     req.Amount,
		NetAmount:  req.NetAmount,
		Commission: req.Commission,
		NewBalance: res.NewBalance,
	}
	if req.TransferCode != nil {
		result.TransferCode = *req.TransferCode
	}
	return result, nil
}

// failWithdrawal leva o pedido ao estado terminal failed e devolve a causa
func (uc *WalletUseCase) failWithdrawal(ctx context.Context, req *WithdrawalRequest, reason string, cause error) error {
	req.Fail(reason)
	if err := uc.repository.UpdateWithdrawalRequest(ctx, req); err != nil {
		log.Printf("❌ [WITHDRAW] Failed to mark %s failed: %v", req.Reference, err)
	}
	inc(ctx, uc.metrics.Withdrawals, attribute.String("status", StatusFailed))
	log.Printf("❌ [WITHDRAW] Failed | Ref=%s | Reason=%s", req.Reference, reason)
	return cause
}

// notify grava a notificação no outbox. Falha aqui não desfaz a operação.
func (uc *WalletUseCase) notify(ctx context.Context, n Notification) {
	ev, err := NewOutboxEvent(OutboxKindNotification, n)
	if err == nil {
		err = uc.repository.EnqueueOutbox(ctx, nil, ev)
	}
	if err != nil {
		log.Printf("⚠️ [OUTBOX] Failed to enqueue notification %s/%s: %v", n.Kind, n.RefID, err)
	}
}

func withdrawalDescription(req *WithdrawalRequest) string {
	return fmt.Sprintf("Withdrawal %s (net %s, commission %s)", req.Reference, req.NetAmount.StringFixed(moneyPlaces), req.Commission.StringFixed(moneyPlaces))
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || amount.GreaterThan(maxTransactionAmount) {
		return ErrInvalidAmount
	}
	if amount.Round(moneyPlaces).IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

const referenceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newReference gera PREFIX-<unix>-<8 alfanuméricos>
func newReference(prefix string, now time.Time) string {
	suffix := make([]byte, 8)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		suffix[i] = referenceAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, now.Unix(), suffix)
}
