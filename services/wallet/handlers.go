package main

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// TopUpRequest é o corpo de POST /api/wallet/topups
type TopUpRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Provider string          `json:"provider"`
}

// VerifyTopUpRequest é o corpo de POST /api/wallet/topups/verify
type VerifyTopUpRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// WithdrawalHTTPRequest é o corpo de POST /api/wallet/withdrawals
type WithdrawalHTTPRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	RecipientCode string          `json:"recipient_code" binding:"required"`
}

// SubscribeRequest é o corpo de POST /api/subscriptions
type SubscribeRequest struct {
	PlanID string `json:"plan_id" binding:"required,uuid"`
}

// WalletHandler contém os handlers HTTP do serviço de carteira
type WalletHandler struct {
	wallet    *WalletUseCase
	purchases *PurchaseUseCase
	escrow    *EscrowService
	branches  *OutboxBranches
}

// NewWalletHandler cria uma nova instância de WalletHandler
func NewWalletHandler(wallet *WalletUseCase, purchases *PurchaseUseCase, escrow *EscrowService, branches *OutboxBranches) *WalletHandler {
	return &WalletHandler{
		wallet:    wallet,
		purchases: purchases,
		escrow:    escrow,
		branches:  branches,
	}
}

// respondError escreve o corpo de erro seguro para o cliente
func respondError(c *gin.Context, err error) {
	status, code, message := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Printf("❌ [HTTP] %s %s | Error=%v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}

func abortWithError(c *gin.Context, err error) {
	status, code, message := errorResponse(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "Invalid request"})
}

// HealthCheck é o endpoint de health check
func (h *WalletHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetWallet devolve o saldo do usuário autenticado
func (h *WalletHandler) GetWallet(c *gin.Context) {
	wallet, err := h.wallet.GetWallet(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":  wallet.Balance.StringFixed(moneyPlaces),
		"currency": wallet.Currency,
	})
}

// InitiateTopUp cria a sessão de pagamento
func (h *WalletHandler) InitiateTopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	if req.Provider == "" {
		req.Provider = ProviderPaystack
	}

	session, err := h.wallet.InitiateTopUp(c.Request.Context(), currentUserID(c), currentEmail(c), req.Amount, req.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// VerifyTopUp confirma o pagamento com o provedor e credita a carteira
func (h *WalletHandler) VerifyTopUp(c *gin.Context) {
	var req VerifyTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ErrInvalidReference)
		return
	}

	res, err := h.wallet.VerifyTopUp(c.Request.Context(), currentUserID(c), req.Reference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"amount":         res.Amount.StringFixed(moneyPlaces),
		"new_balance":    res.NewBalance.StringFixed(moneyPlaces),
		"transaction_id": res.TransactionID,
	})
}

// Withdraw executa um saque
func (h *WalletHandler) Withdraw(c *gin.Context) {
	var req WithdrawalHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ErrInvalidRecipient)
		return
	}

	res, err := h.wallet.ApplyWithdrawal(c.Request.Context(), currentUserID(c), req.Amount, req.RecipientCode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"reference":     res.Reference,
		"amount":        res.Amount.StringFixed(moneyPlaces),
		"net_amount":    res.NetAmount.StringFixed(moneyPlaces),
		"commission":    res.Commission.StringFixed(moneyPlaces),
		"transfer_code": res.TransferCode,
		"new_balance":   res.NewBalance.StringFixed(moneyPlaces),
	})
}

// PurchaseMedia desbloqueia uma mídia paga
func (h *WalletHandler) PurchaseMedia(c *gin.Context) {
	res, err := h.purchases.Purchase(c.Request.Context(), c.Param("id"), currentUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"success":           true,
		"url":               res.URL,
		"already_purchased": res.AlreadyPurchased,
	}
	if res.EscrowWarning != "" {
		body["escrow_warning"] = res.EscrowWarning
	}
	c.JSON(http.StatusOK, body)
}

// Subscribe assina ou renova um plano
func (h *WalletHandler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}

	res, err := h.purchases.Subscribe(c.Request.Context(), currentUserID(c), req.PlanID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "subscription": res.Subscription, "reference": res.Reference})
}

// EscrowAction aplica release, dispute ou refund
func (h *WalletHandler) EscrowAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ref := c.Param("ref")

		var (
			p   *EscrowPurchase
			err error
		)
		switch action {
		case "release":
			p, err = h.escrow.Release(ctx, ref)
		case "dispute":
			p, err = h.escrow.Dispute(ctx, ref, currentUserID(c))
		case "refund":
			p, err = h.escrow.Refund(ctx, ref)
		default:
			err = ErrNotFound
		}
		if err != nil {
			respondError(c, err)
			return
		}

		body := gin.H{"status": p.Status}
		if p.TxHash != nil {
			body["tx_hash"] = *p.TxHash
		}
		c.JSON(http.StatusOK, body)
	}
}

// Webhook recebe callbacks dos provedores. O corpo é lido cru e verificado antes do parsing.
func (h *WalletHandler) Webhook(c *gin.Context) {
	provider := c.Param("provider")
	verifier, ok := h.wallet.verifiers[provider]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "NOT_FOUND", "message": "Not found"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		badRequest(c)
		return
	}
	if len(raw) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "PAYLOAD_TOO_LARGE", "message": "Payload too large"})
		return
	}

	err = h.wallet.HandleWebhook(c.Request.Context(), provider, raw, c.GetHeader(verifier.Header()))
	switch {
	case err == nil, errors.Is(err, ErrDuplicateEvent):
		c.JSON(http.StatusOK, gin.H{"received": true})
	default:
		respondError(c, err)
	}
}

// OutboxBranch é o branch chamado pelo DTM para cada evento do outbox
func (h *WalletHandler) OutboxBranch(c *gin.Context) {
	var env OutboxEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c)
		return
	}
	if kind := c.Param("kind"); kind != env.Kind {
		badRequest(c)
		return
	}

	ctx, span := startSpanFromEnvelope(c.Request.Context(), "outbox."+env.Kind, env)
	defer span.End()

	if err := h.branches.Handle(ctx, env); err != nil {
		recordError(span, err)
		log.Printf("ℹ️ [OUTBOX] Branch FAILED | ID=%s | Kind=%s | Error=%v", env.EventID, env.Kind, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "success"})
}

// Reconcile dispara uma das varreduras de reconciliação
func (h *WalletHandler) Reconcile(c *gin.Context) {
	job := c.Param("job")
	ctx, span := startSpan(c.Request.Context(), "reconcile."+job, attribute.String("job", job))
	defer span.End()

	var (
		count int
		err   error
	)
	switch job {
	case "withdrawals":
		count, err = h.wallet.ReconcileWithdrawals(ctx)
	case "intents":
		count, err = h.wallet.ExpireIntents(ctx, h.wallet.intentTTL)
	case "earnings":
		count, err = h.wallet.SettleEarnings(ctx)
	default:
		err = ErrNotFound
	}
	if err != nil {
		recordError(span, err)
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "count": count})
}
