package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tonkeeper/tongo/ton"
	"go.opentelemetry.io/otel/attribute"
)

// EscrowRecorder espelha compras no contrato de escrow e devolve o hash da transação on-chain
type EscrowRecorder interface {
	RecordPurchase(ctx context.Context, p *EscrowPurchase) (string, error)
	Release(ctx context.Context, transactionRef string) (string, error)
	Dispute(ctx context.Context, transactionRef string) (string, error)
	Refund(ctx context.Context, transactionRef string) (string, error)
}

// NormalizeAddress valida um endereço on-chain e devolve a forma raw (0:...)
func NormalizeAddress(addr string) (string, error) {
	if addr == "" {
		return "", ErrInvalidAddress
	}
	acc, err := ton.ParseAccountID(addr)
	if err != nil {
		return "", ErrInvalidAddress
	}
	return acc.String(), nil
}

type relayerResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

// RelayerEscrowRecorder fala com o relayer que assina as chamadas ao contrato
type RelayerEscrowRecorder struct {
	client *resty.Client
}

// NewRelayerEscrowRecorder cria o cliente do relayer
func NewRelayerEscrowRecorder(baseURL, apiKey string, timeout time.Duration) *RelayerEscrowRecorder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &RelayerEscrowRecorder{client: client}
}

// RecordPurchase registra a compra no contrato. O relayer é idempotente por transaction_ref.
func (r *RelayerEscrowRecorder) RecordPurchase(ctx context.Context, p *EscrowPurchase) (string, error) {
	buyer, err := NormalizeAddress(p.Buyer)
	if err != nil {
		return "", err
	}
	seller, err := NormalizeAddress(p.Seller)
	if err != nil {
		return "", err
	}

	var out relayerResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"buyer":           buyer,
			"seller":          seller,
			"amount":          p.Amount.StringFixed(moneyPlaces),
			"content_id":      p.ContentID,
			"transaction_ref": p.TransactionRef,
			"release_time":    p.ReleaseTime.Unix(),
		}).
		SetResult(&out).
		SetError(&out).
		Post("/escrow/purchases")
	if err != nil || resp.IsError() || out.TxHash == "" {
		return "", gatewayError("escrow", "record", resp, err)
	}
	return out.TxHash, nil
}

func (r *RelayerEscrowRecorder) Release(ctx context.Context, transactionRef string) (string, error) {
	return r.action(ctx, transactionRef, "release")
}

func (r *RelayerEscrowRecorder) Dispute(ctx context.Context, transactionRef string) (string, error) {
	return r.action(ctx, transactionRef, "dispute")
}

func (r *RelayerEscrowRecorder) Refund(ctx context.Context, transactionRef string) (string, error) {
	return r.action(ctx, transactionRef, "refund")
}

func (r *RelayerEscrowRecorder) action(ctx context.Context, transactionRef, action string) (string, error) {
	var out relayerResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"ref": transactionRef, "action": action}).
		SetResult(&out).
		SetError(&out).
		Post("/escrow/purchases/{ref}/{action}")
	if resp != nil && resp.StatusCode() == 409 {
		return "", ErrInvalidTransition
	}
	if err != nil || resp.IsError() || out.TxHash == "" {
		return "", gatewayError("escrow", action, resp, err)
	}
	return out.TxHash, nil
}

// EscrowService controla a máquina de estados do escrow:
// Pending -> Released | Disputed, Disputed -> Refunded.
type EscrowService struct {
	repository Repository
	recorder   EscrowRecorder
	metrics    *Metrics
	now        func() time.Time
}

// NewEscrowService cria uma nova instância de EscrowService
func NewEscrowService(repository Repository, recorder EscrowRecorder, metrics *Metrics) *EscrowService {
	return &EscrowService{
		repository: repository,
		recorder:   recorder,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Enabled indica se existe um relayer configurado
func (s *EscrowService) Enabled() bool {
	return s != nil && s.recorder != nil
}

// Record grava a compra on-chain uma única vez
func (s *EscrowService) Record(ctx context.Context, transactionRef string) (*EscrowPurchase, error) {
	ctx, span := startSpan(ctx, "escrow.record", attribute.String("transaction_ref", transactionRef))
	defer span.End()

	if !s.Enabled() {
		return nil, fmt.Errorf("%w: escrow relayer not configured", ErrGateway)
	}

	p, err := s.repository.GetEscrowPurchase(ctx, transactionRef)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if p.TxHash != nil {
		return p, nil
	}

	hash, err := s.recorder.RecordPurchase(ctx, p)
	if err != nil {
		inc(ctx, s.metrics.EscrowFailures, attribute.String("action", "record"))
		log.Printf("⚠️ [ESCROW] Record failed | Ref=%s | Error=%v", transactionRef, err)
		recordError(span, err)
		return nil, err
	}
	if err := s.repository.SetEscrowTxHash(ctx, transactionRef, hash); err != nil {
		recordError(span, err)
		return nil, err
	}

	p.TxHash = &hash
	log.Printf("⛓️ [ESCROW] Recorded | Ref=%s | TxHash=%s", transactionRef, hash)
	return p, nil
}

// Release libera os fundos ao vendedor depois do timelock
func (s *EscrowService) Release(ctx context.Context, transactionRef string) (*EscrowPurchase, error) {
	ctx, span := startSpan(ctx, "escrow.release", attribute.String("transaction_ref", transactionRef))
	defer span.End()

	p, err := s.Record(ctx, transactionRef)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if p.Status != EscrowPending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, p.Status)
	}
	if s.now().Before(p.ReleaseTime) {
		return nil, fmt.Errorf("%w: escrow locked until %s", ErrInvalidTransition, p.ReleaseTime.Format(time.RFC3339))
	}

	hash, err := s.recorder.Release(ctx, transactionRef)
	if err != nil {
		inc(ctx, s.metrics.EscrowFailures, attribute.String("action", "release"))
		recordError(span, err)
		return nil, err
	}
	if err := s.repository.TransitionEscrow(ctx, nil, transactionRef, EscrowPending, EscrowReleased, hash); err != nil {
		recordError(span, err)
		return nil, err
	}

	p.Status = EscrowReleased
	p.TxHash = &hash
	log.Printf("✅ [ESCROW] Released | Ref=%s | TxHash=%s", transactionRef, hash)
	return p, nil
}

// Dispute congela a liberação. Somente o comprador pode abrir disputa.
func (s *EscrowService) Dispute(ctx context.Context, transactionRef, userID string) (*EscrowPurchase, error) {
	ctx, span := startSpan(ctx, "escrow.dispute",
		attribute.String("transaction_ref", transactionRef),
		attribute.String("user_id", userID),
	)
	defer span.End()

	p, err := s.Record(ctx, transactionRef)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if p.BuyerID != userID {
		return nil, ErrForbidden
	}
	if p.Status != EscrowPending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, p.Status)
	}
	// Depois do timelock o ganho do criador já pode ter sido liquidado
	if !s.now().Before(p.ReleaseTime) {
		return nil, fmt.Errorf("%w: dispute window closed at %s", ErrInvalidTransition, p.ReleaseTime.Format(time.RFC3339))
	}

	hash, err := s.recorder.Dispute(ctx, transactionRef)
	if err != nil {
		inc(ctx, s.metrics.EscrowFailures, attribute.String("action", "dispute"))
		recordError(span, err)
		return nil, err
	}
	if err := s.repository.TransitionEscrow(ctx, nil, transactionRef, EscrowPending, EscrowDisputed, hash); err != nil {
		recordError(span, err)
		return nil, err
	}

	p.Status = EscrowDisputed
	p.TxHash = &hash
	log.Printf("⚠️ [ESCROW] Disputed | Ref=%s | Buyer=%s", transactionRef, userID)
	return p, nil
}

// Refund resolve a disputa a favor do comprador: o ganho pendente do criador é
// cancelado e o valor volta para a carteira do comprador, tudo na mesma transação
func (s *EscrowService) Refund(ctx context.Context, transactionRef string) (*EscrowPurchase, error) {
	ctx, span := startSpan(ctx, "escrow.refund", attribute.String("transaction_ref", transactionRef))
	defer span.End()

	p, err := s.Record(ctx, transactionRef)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if p.Status != EscrowDisputed {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidTransition, p.Status)
	}

	// 1. Inicia a transação
	tx, err := s.repository.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// 2. Transição condicional Disputed -> Refunded (trava a linha do escrow)
	if err := s.repository.TransitionEscrow(ctx, tx, transactionRef, EscrowDisputed, EscrowRefunded, ""); err != nil {
		recordError(span, err)
		return nil, err
	}

	// 3. Cancela o ganho ainda não liquidado do criador
	if err := s.repository.CancelEarning(ctx, tx, transactionRef); err != nil {
		recordError(span, err)
		return nil, err
	}

	// 4. Devolve o valor ao comprador
	if _, err := s.repository.CreditWallet(ctx, tx, p.BuyerID, p.Amount, transactionRef+"-REFUND", "Escrow refund: "+transactionRef); err != nil {
		recordError(span, err)
		return nil, err
	}

	// 5. Reembolso on-chain só depois que o lado off-chain está garantido
	hash, err := s.recorder.Refund(ctx, transactionRef)
	if err != nil {
		inc(ctx, s.metrics.EscrowFailures, attribute.String("action", "refund"))
		recordError(span, err)
		return nil, err
	}
	if err := s.repository.TransitionEscrow(ctx, tx, transactionRef, EscrowRefunded, EscrowRefunded, hash); err != nil {
		recordError(span, err)
		return nil, err
	}

	// 6. Commit
	if err := tx.Commit(); err != nil {
		log.Printf("❌ [ESCROW] Refund commit failed after on-chain refund | Ref=%s | TxHash=%s | Error=%v", transactionRef, hash, err)
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	p.Status = EscrowRefunded
	p.TxHash = &hash
	log.Printf("↩️ [ESCROW] Refunded | Ref=%s | Buyer=%s | Amount=%s", transactionRef, p.BuyerID, p.Amount)
	return p, nil
}
