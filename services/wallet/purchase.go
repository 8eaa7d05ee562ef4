package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// MediaClaims são as claims do token de acesso a uma mídia
type MediaClaims struct {
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// URLSigner emite URLs de curta duração para o object store
type URLSigner struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewURLSigner cria o assinador de URLs
func NewURLSigner(baseURL, secret string, ttl time.Duration) *URLSigner {
	return &URLSigner{secret: []byte(secret), baseURL: baseURL, ttl: ttl, now: time.Now}
}

// Sign devolve <base>/<bucket>/<path>?token=<jwt>
func (s *URLSigner) Sign(bucket, path, subject string) (string, error) {
	now := s.now()
	objectPath := bucket + "/" + path
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MediaClaims{
		Path: objectPath,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign media url: %w", err)
	}
	return joinURL(s.baseURL, bucket, path) + "?token=" + url.QueryEscape(signed), nil
}

// Verify valida o token de acesso e devolve as claims
func (s *URLSigner) Verify(tokenString string) (*MediaClaims, error) {
	claims := &MediaClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid media token", ErrUnauthorized)
	}
	return claims, nil
}

// PurchaseResult é o retorno de Purchase
type PurchaseResult struct {
	URL              string `json:"url"`
	AlreadyPurchased bool   `json:"already_purchased"`
	EscrowWarning    string `json:"escrow_warning,omitempty"`
	Reference        string `json:"reference,omitempty"`
}

// PurchaseUseCase contém a compra avulsa de mídia e as assinaturas
type PurchaseUseCase struct {
	repository    Repository
	signer        *URLSigner
	escrow        *EscrowService
	fees          FeeSchedule
	lockPeriod    time.Duration
	escrowTimeout time.Duration
	metrics       *Metrics
	now           func() time.Time
}

// NewPurchaseUseCase cria uma nova instância de PurchaseUseCase
func NewPurchaseUseCase(repository Repository, signer *URLSigner, escrow *EscrowService, cfg *Config, metrics *Metrics) *PurchaseUseCase {
	return &PurchaseUseCase{
		repository:    repository,
		signer:        signer,
		escrow:        escrow,
		fees:          cfg.Fees,
		lockPeriod:    cfg.EscrowLockPeriod,
		escrowTimeout: 10 * time.Second,
		metrics:       metrics,
		now:           time.Now,
	}
}

func purchaseReference(mediaID, buyerID string) string {
	return "PUR-" + mediaID + "-" + buyerID
}

// Purchase desbloqueia uma mídia paga. Débito do comprador, crédito pendente do criador,
// registro da compra e eventos do outbox entram numa única transação.
func (uc *PurchaseUseCase) Purchase(ctx context.Context, mediaID, buyerID string) (*PurchaseResult, error) {
	ctx, span := startSpan(ctx, "purchase_media",
		attribute.String("media_id", mediaID),
		attribute.String("user_id", buyerID),
	)
	defer span.End()

	media, err := uc.repository.GetMedia(ctx, mediaID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	if media.CreatorID == buyerID {
		return nil, ErrSelfPurchase
	}

	// 1. Compra repetida não cobra de novo
	if _, err := uc.repository.GetMediaPurchase(ctx, mediaID, buyerID); err == nil {
		return uc.alreadyPurchased(media, buyerID)
	} else if !errors.Is(err, ErrNotFound) {
		recordError(span, err)
		return nil, err
	}

	if !media.Price.IsPositive() {
		return nil, ErrInvalidAmount
	}

	// 2. Checagem de saldo sem lock: falha rápido sem tocar no ledger
	wallet, err := uc.repository.GetWallet(ctx, buyerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		recordError(span, err)
		return nil, err
	}
	if wallet == nil || wallet.Balance.LessThan(media.Price) {
		log.Printf("❌ [PURCHASE] Insufficient balance | Buyer=%s | Media=%s | Price=%s", buyerID, mediaID, media.Price)
		return nil, ErrInsufficientBalance
	}

	escrowRow := uc.escrowFor(ctx, media, buyerID)
	reference := purchaseReference(mediaID, buyerID)
	fee, net := Split(media.Price, uc.fees.MediaPurchase)
	now := uc.now()

	// 3. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("erro ao iniciar transação: %w", err)
	}
	defer tx.Rollback()

	// 4. Débito atômico do comprador
	res, err := uc.repository.DebitWallet(ctx, tx, buyerID, media.Price, reference, "Media purchase: "+mediaID)
	if errors.Is(err, ErrDuplicateEvent) {
		tx.Rollback()
		return uc.alreadyPurchased(media, buyerID)
	}
	if err != nil {
		log.Printf("❌ [PURCHASE] Debit failed | Ref=%s | Error=%v", reference, err)
		recordError(span, err)
		return nil, err
	}
	if !res.Applied {
		// débito anterior sem registro de compra: o mesmo tx ainda grava a compra
		log.Printf("ℹ️ [IDEMPOTENCY] Débito já existia para Ref=%s", reference)
	}
	if err := uc.repository.SetTransactionFeeVersion(ctx, tx, res.TransactionID, uc.fees.Version); err != nil {
		return nil, err
	}

	// 5. Crédito pendente do criador
	if net.IsPositive() {
		if err := uc.repository.AddCreatorEarning(ctx, tx, &CreatorEarning{
			ID:          uuid.New().String(),
			CreatorID:   media.CreatorID,
			SourceRef:   reference,
			Amount:      net,
			AvailableAt: now.Add(uc.lockPeriod),
		}); err != nil {
			recordError(span, err)
			return nil, err
		}
	}

	// 6. Registro da compra
	if err := uc.repository.CreateMediaPurchase(ctx, tx, &MediaPurchase{
		ID:            uuid.New().String(),
		MediaID:       mediaID,
		BuyerID:       buyerID,
		Amount:        media.Price,
		Fee:           fee,
		TransactionID: res.TransactionID,
		CreatedAt:     now,
	}); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			tx.Rollback()
			return uc.alreadyPurchased(media, buyerID)
		}
		recordError(span, err)
		return nil, err
	}

	// 7. Outbox: escrow on-chain e notificação do criador
	var escrowEvent *OutboxEvent
	if escrowRow != nil {
		escrowRow.TransactionRef = reference
		escrowRow.Amount = media.Price
		escrowRow.ReleaseTime = now.Add(uc.lockPeriod)
		if err := uc.repository.CreateEscrowPurchase(ctx, tx, escrowRow); err != nil {
			return nil, err
		}
		if escrowEvent, err = NewOutboxEvent(OutboxKindEscrowRecord, EscrowRecordPayload{TransactionRef: reference}); err != nil {
			return nil, err
		}
		// a primeira tentativa é a inline; o relay só assume depois do timeout dela
		escrowEvent.NextAttemptAt = now.Add(uc.escrowTimeout)
		if err := uc.repository.EnqueueOutbox(ctx, tx, escrowEvent); err != nil {
			return nil, err
		}
	}

	notification, err := NewOutboxEvent(OutboxKindNotification, Notification{
		UserID: media.CreatorID,
		Kind:   "media_purchased",
		Title:  "New sale",
		Body:   fmt.Sprintf("Your content was unlocked. You earned %s", net.StringFixed(moneyPlaces)),
		RefID:  reference,
	})
	if err != nil {
		return nil, err
	}
	if err := uc.repository.EnqueueOutbox(ctx, tx, notification); err != nil {
		return nil, err
	}

	// 8. Commit
	if err := tx.Commit(); err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("erro ao comitar compra: %w", err)
	}

	inc(ctx, uc.metrics.Purchases)
	log.Printf("✅ [PURCHASE] Success | Ref=%s | Price=%s | Fee=%s | CreatorNet=%s | NewBalance=%s",
		reference, media.Price, fee, net, res.NewBalance)

	result := &PurchaseResult{Reference: reference}

	// 9. Escrow inline, uma tentativa. Falha vira aviso e fica para o relay do outbox.
	if escrowEvent != nil {
		result.EscrowWarning = uc.recordEscrowInline(ctx, reference, escrowEvent.ID)
	}

	signed, err := uc.signer.Sign(media.Bucket, media.Path, buyerID)
	if err != nil {
		return nil, err
	}
	result.URL = signed
	return result, nil
}

func (uc *PurchaseUseCase) alreadyPurchased(media *Media, buyerID string) (*PurchaseResult, error) {
	signed, err := uc.signer.Sign(media.Bucket, media.Path, buyerID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{
		URL:              signed,
		AlreadyPurchased: true,
		Reference:        purchaseReference(media.ID, buyerID),
	}, nil
}

// escrowFor monta o espelho on-chain quando os dois lados têm endereço válido
func (uc *PurchaseUseCase) escrowFor(ctx context.Context, media *Media, buyerID string) *EscrowPurchase {
	if !uc.escrow.Enabled() {
		return nil
	}
	buyerAddr, err := uc.repository.GetWalletAddress(ctx, buyerID)
	if err != nil || buyerAddr == "" {
		return nil
	}
	sellerAddr, err := uc.repository.GetWalletAddress(ctx, media.CreatorID)
	if err != nil || sellerAddr == "" {
		return nil
	}

	buyer, err := NormalizeAddress(buyerAddr)
	if err != nil {
		log.Printf("⚠️ [ESCROW] Ignoring invalid buyer address for %s", buyerID)
		return nil
	}
	seller, err := NormalizeAddress(sellerAddr)
	if err != nil {
		log.Printf("⚠️ [ESCROW] Ignoring invalid seller address for %s", media.CreatorID)
		return nil
	}

	return &EscrowPurchase{
		Buyer:     buyer,
		Seller:    seller,
		BuyerID:   buyerID,
		ContentID: media.ID,
		Status:    EscrowPending,
	}
}

func (uc *PurchaseUseCase) recordEscrowInline(ctx context.Context, reference, outboxID string) string {
	ctx, cancel := context.WithTimeout(ctx, uc.escrowTimeout)
	defer cancel()

	if _, err := uc.escrow.Record(ctx, reference); err != nil {
		return "Purchase completed, but on-chain recording is delayed and will be retried"
	}
	if err := uc.repository.MarkOutboxDispatched(ctx, outboxID); err != nil {
		log.Printf("⚠️ [OUTBOX] Failed to close escrow event %s: %v", outboxID, err)
	}
	return ""
}
