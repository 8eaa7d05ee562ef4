package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// maxWebhookBody limita o corpo bruto lido de um callback
const maxWebhookBody = 1 << 20

// Verifier valida a autenticidade de um callback sobre o corpo bruto
type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) bool
	Header() string
}

// HMACVerifier calcula HMAC(hash, secret) sobre o corpo e compara em hex
type HMACVerifier struct {
	Hash       func() hash.Hash
	Secret     string
	HeaderName string
}

// NewPaystackVerifier usa HMAC-SHA512 no header x-paystack-signature
func NewPaystackVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{Hash: sha512.New, Secret: secret, HeaderName: "x-paystack-signature"}
}

// NewFlutterwaveVerifier usa HMAC-SHA256 no header verif-hash
func NewFlutterwaveVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{Hash: sha256.New, Secret: secret, HeaderName: "verif-hash"}
}

func (v *HMACVerifier) Header() string {
	return v.HeaderName
}

func (v *HMACVerifier) Verify(rawBody []byte, signatureHeader string) bool {
	return VerifySignature(v.Hash, rawBody, signatureHeader, v.Secret)
}

// VerifySignature compara o header com o HMAC hex do corpo bruto.
// Header ou secret vazios nunca são aceitos.
func VerifySignature(h func() hash.Hash, rawBody []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || secret == "" {
		return false
	}
	given, err := hex.DecodeString(strings.TrimSpace(signatureHeader))
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(given, mac.Sum(nil))
}

// Sign devolve a assinatura hex esperada para o corpo
func (v *HMACVerifier) Sign(rawBody []byte) string {
	mac := hmac.New(v.Hash, []byte(v.Secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

type paystackWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID           json.Number `json:"id"`
		Reference    string      `json:"reference"`
		Amount       int64       `json:"amount"`
		Status       string      `json:"status"`
		TransferCode string      `json:"transfer_code"`
		Reason       string      `json:"reason"`
	} `json:"data"`
}

type flutterwaveWebhook struct {
	Event string `json:"event"`
	Data  struct {
		ID     json.Number     `json:"id"`
		TxRef  string          `json:"tx_ref"`
		Amount decimal.Decimal `json:"amount"`
		Status string          `json:"status"`
	} `json:"data"`
}

// ParseWebhookEvent normaliza o corpo já verificado de cada provedor
func ParseWebhookEvent(provider string, rawBody []byte) (*WebhookEvent, error) {
	switch provider {
	case ProviderPaystack:
		var p paystackWebhook
		if err := json.Unmarshal(rawBody, &p); err != nil {
			return nil, fmt.Errorf("%w: malformed paystack payload", ErrValidation)
		}
		ev := &WebhookEvent{
			Provider:     provider,
			Type:         p.Event,
			Reference:    p.Data.Reference,
			Amount:       FromMinorUnits(p.Data.Amount),
			Status:       p.Data.Status,
			TransferCode: p.Data.TransferCode,
			Reason:       p.Data.Reason,
		}
		ev.ID = eventID(p.Event, p.Data.ID.String(), p.Data.Reference)
		return ev, nil

	case ProviderFlutterwave:
		var f flutterwaveWebhook
		if err := json.Unmarshal(rawBody, &f); err != nil {
			return nil, fmt.Errorf("%w: malformed flutterwave payload", ErrValidation)
		}
		return &WebhookEvent{
			Provider:  provider,
			ID:        eventID(f.Event, f.Data.ID.String(), f.Data.TxRef),
			Type:      f.Event,
			Reference: f.Data.TxRef,
			Amount:    f.Data.Amount,
			Status:    f.Data.Status,
		}, nil
	}
	return nil, ErrInvalidProvider
}

// eventID identifica a entrega. O mesmo id do provedor pode aparecer em eventos
// diferentes (transfer.success e depois transfer.reversed), então o tipo entra na chave.
func eventID(eventType, providerID, reference string) string {
	id := providerID
	if id == "" || id == "0" {
		id = reference
	}
	return eventType + ":" + id
}

// HandleWebhook verifica, deduplica e aplica um callback de provedor
func (uc *WalletUseCase) HandleWebhook(ctx context.Context, provider string, rawBody []byte, signature string) error {
	ctx, span := startSpan(ctx, "webhook."+provider, attribute.String("provider", provider))
	defer span.End()

	// 1. Verifica a assinatura antes de qualquer parsing
	verifier, ok := uc.verifiers[provider]
	if !ok {
		return ErrInvalidProvider
	}
	if !verifier.Verify(rawBody, signature) {
		inc(ctx, uc.metrics.WebhooksRejected, attribute.String("provider", provider))
		log.Printf("❌ [WEBHOOK] Invalid signature | Provider=%s", provider)
		recordError(span, ErrVerificationFailed)
		return ErrVerificationFailed
	}

	// 2. Normaliza o evento
	event, err := ParseWebhookEvent(provider, rawBody)
	if err != nil {
		recordError(span, err)
		return err
	}
	span.SetAttributes(
		attribute.String("event_type", event.Type),
		attribute.String("reference", event.Reference),
	)

	// 3. Deduplica a entrega
	fresh, err := uc.repository.RecordWebhookEvent(ctx, event, rawBody)
	if err != nil {
		recordError(span, err)
		return err
	}
	if !fresh {
		log.Printf("ℹ️ [IDEMPOTENCY] Webhook já processado | Provider=%s | EventID=%s", provider, event.ID)
		return ErrDuplicateEvent
	}

	// 4. Aplica o efeito
	procErr := uc.applyWebhookEvent(ctx, event)

	var msg *string
	if procErr != nil {
		s := procErr.Error()
		msg = &s
		recordError(span, procErr)
		log.Printf("❌ [WEBHOOK] Processing failed | Provider=%s | Event=%s | Ref=%s | Error=%v",
			provider, event.Type, event.Reference, procErr)
	}
	if err := uc.repository.MarkWebhookProcessed(ctx, provider, event.ID, msg); err != nil {
		log.Printf("⚠️ [WEBHOOK] Failed to close event %s: %v", event.ID, err)
	}
	return procErr
}

func (uc *WalletUseCase) applyWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	switch {
	case event.Provider == ProviderPaystack && event.Type == "charge.success",
		event.Provider == ProviderFlutterwave && event.Type == "charge.completed" && event.Status == "successful":
		_, err := uc.ApplyTopUp(ctx, event.Reference, event.Amount)
		if errors.Is(err, ErrDuplicateEvent) {
			return nil
		}
		return err

	case event.Type == "transfer.success", event.Type == "transfer.failed", event.Type == "transfer.reversed":
		return uc.HandleTransferEvent(ctx, event)
	}

	log.Printf("ℹ️ [WEBHOOK] Ignoring event %s from %s", event.Type, event.Provider)
	return nil
}

// HandleTransferEvent aplica o desfecho assíncrono de uma transferência de saque
func (uc *WalletUseCase) HandleTransferEvent(ctx context.Context, event *WebhookEvent) error {
	req, err := uc.repository.GetWithdrawalRequestByReference(ctx, event.Reference)
	if err != nil {
		return err
	}
	if event.TransferCode != "" && req.TransferCode == nil {
		code := event.TransferCode
		req.TransferCode = &code
	}

	switch event.Type {
	case "transfer.success":
		return uc.settleSucceededTransfer(ctx, req)
	default:
		reason := event.Reason
		if reason == "" {
			reason = "transfer " + strings.TrimPrefix(event.Type, "transfer.")
		}
		return uc.reverseWithdrawal(ctx, req, reason)
	}
}

// settleSucceededTransfer garante o débito de uma transferência confirmada.
// debit_wallet com a referência original é idempotente.
func (uc *WalletUseCase) settleSucceededTransfer(ctx context.Context, req *WithdrawalRequest) error {
	if req.Status == StatusCompleted && req.Debited {
		return nil
	}

	res, err := uc.repository.DebitWallet(ctx, nil, req.UserID, req.Amount, req.Reference, withdrawalDescription(req))
	if err != nil {
		req.NeedsReview = true
		req.Fail("debit failed after successful transfer: " + err.Error())
		if uerr := uc.repository.UpdateWithdrawalRequest(ctx, req); uerr != nil {
			log.Printf("❌ [WITHDRAW] Failed to flag %s for review: %v", req.Reference, uerr)
		}
		log.Printf("🚨 [WITHDRAW] Transfer succeeded but debit failed | Ref=%s | Error=%v", req.Reference, err)
		return err
	}
	if err := uc.repository.SetTransactionFeeVersion(ctx, nil, res.TransactionID, req.FeeVersion); err != nil {
		log.Printf("⚠️ [WITHDRAW] %v", err)
	}

	req.Complete()
	if err := uc.repository.UpdateWithdrawalRequest(ctx, req); err != nil {
		return err
	}
	log.Printf("✅ [WITHDRAW] Settled | Ref=%s | NewBalance=%s", req.Reference, res.NewBalance)
	return nil
}

// reverseWithdrawal marca o saque como failed e, se já houve débito, devolve o valor
func (uc *WalletUseCase) reverseWithdrawal(ctx context.Context, req *WithdrawalRequest, reason string) error {
	if req.Debited {
		res, err := uc.repository.CreditWallet(ctx, nil, req.UserID, req.Amount, req.Reference+"-REV",
			"Withdrawal reversed: "+req.Reference)
		if err != nil {
			return fmt.Errorf("failed to refund withdrawal %s: %w", req.Reference, err)
		}
		log.Printf("↩️ [WITHDRAW] Refunded | Ref=%s | Applied=%s | NewBalance=%s",
			req.Reference, strconv.FormatBool(res.Applied), res.NewBalance)
	}

	if req.Status == StatusFailed && !req.Debited {
		return nil
	}
	now := time.Now()
	req.ReconciledAt = &now
	req.Fail(reason)
	return uc.repository.UpdateWithdrawalRequest(ctx, req)
}
