package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// memoryTx registra commit/rollback. As escritas são aplicadas na hora; as que
// registraram um undo são desfeitas no rollback.
type memoryTx struct {
	committed  bool
	rolledBack bool
	undo       []func()
}

func (t *memoryTx) Commit() error {
	t.committed = true
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.committed || t.rolledBack {
		return nil
	}
	t.rolledBack = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	return nil
}

// onRollback é chamado com r.mu travado; fn roda sem o lock e deve travá-lo
func (r *memoryRepository) onRollback(tx Tx, fn func()) {
	if mtx, ok := tx.(*memoryTx); ok {
		mtx.undo = append(mtx.undo, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			fn()
		})
	}
}

// memoryRepository implementa Repository em memória com a mesma semântica
// dos procedimentos credit_wallet/debit_wallet
type memoryRepository struct {
	mu sync.Mutex

	wallets       map[string]decimal.Decimal
	transactions  map[string]*Transaction
	intents       map[string]*PaymentIntent
	withdrawals   map[string]*WithdrawalRequest
	media         map[string]*Media
	purchases     map[string]*MediaPurchase
	addresses     map[string]string
	earnings      map[string]*CreatorEarning
	settled       map[string]bool
	cancelled     map[string]bool
	plans         map[string]*SubscriptionPlan
	subscriptions map[string]*Subscription
	outbox        []*OutboxEvent
	notifications map[string]Notification
	escrows       map[string]*EscrowPurchase
	webhooks      map[string]*string
	rateLimits    map[string]int

	txs       []*memoryTx
	debitErr  error
	creditErr error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		wallets:       map[string]decimal.Decimal{},
		transactions:  map[string]*Transaction{},
		intents:       map[string]*PaymentIntent{},
		withdrawals:   map[string]*WithdrawalRequest{},
		media:         map[string]*Media{},
		purchases:     map[string]*MediaPurchase{},
		addresses:     map[string]string{},
		earnings:      map[string]*CreatorEarning{},
		settled:       map[string]bool{},
		cancelled:     map[string]bool{},
		plans:         map[string]*SubscriptionPlan{},
		subscriptions: map[string]*Subscription{},
		notifications: map[string]Notification{},
		escrows:       map[string]*EscrowPurchase{},
		webhooks:      map[string]*string{},
		rateLimits:    map[string]int{},
	}
}

func (r *memoryRepository) setBalance(userID string, amount string) {
	r.wallets[userID] = decimal.RequireFromString(amount)
}

func (r *memoryRepository) balance(userID string) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wallets[userID]
}

func (r *memoryRepository) BeginTx(ctx context.Context) (Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{}
	r.txs = append(r.txs, tx)
	return tx, nil
}

func (r *memoryRepository) apply(tx Tx, userID string, amount decimal.Decimal, reference, description, kind string) (*LedgerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if existing, ok := r.transactions[reference]; ok {
		return &LedgerResult{NewBalance: existing.BalanceAfter.Decimal, TransactionID: existing.ID}, nil
	}

	current, ok := r.wallets[userID]
	previous, existed := current, ok
	if kind == TransactionTypeDebit {
		if !ok {
			return nil, fmt.Errorf("%w: wallet", ErrNotFound)
		}
		if current.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}
		current = current.Sub(amount)
	} else {
		current = current.Add(amount)
	}
	r.wallets[userID] = current

	t := &Transaction{
		ID:           uuid.New().String(),
		UserID:       userID,
		Type:         kind,
		Amount:       amount,
		Reference:    reference,
		Status:       StatusCompleted,
		BalanceAfter: decimal.NewNullDecimal(current),
		Description:  description,
		CreatedAt:    time.Now(),
	}
	r.transactions[reference] = t
	r.onRollback(tx, func() {
		delete(r.transactions, reference)
		if existed {
			r.wallets[userID] = previous
		} else {
			delete(r.wallets, userID)
		}
	})
	return &LedgerResult{NewBalance: current, TransactionID: t.ID, Applied: true}, nil
}

func (r *memoryRepository) CreditWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error) {
	if r.creditErr != nil {
		return nil, r.creditErr
	}
	return r.apply(tx, userID, amount, reference, description, TransactionTypeCredit)
}

func (r *memoryRepository) DebitWallet(ctx context.Context, tx Tx, userID string, amount decimal.Decimal, reference, description string) (*LedgerResult, error) {
	if r.debitErr != nil {
		return nil, r.debitErr
	}
	return r.apply(tx, userID, amount, reference, description, TransactionTypeDebit)
}

func (r *memoryRepository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet", ErrNotFound)
	}
	return &Wallet{UserID: userID, Balance: b, Currency: "NGN"}, nil
}

func (r *memoryRepository) GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[reference]
	if !ok {
		return nil, fmt.Errorf("%w: transaction", ErrNotFound)
	}
	return t, nil
}

func (r *memoryRepository) SetTransactionFeeVersion(ctx context.Context, tx Tx, transactionID, feeVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.ID == transactionID {
			v := feeVersion
			t.FeeVersion = &v
			return nil
		}
	}
	return fmt.Errorf("%w: transaction", ErrNotFound)
}

func (r *memoryRepository) CreatePaymentIntent(ctx context.Context, intent *PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[intent.Reference]; ok {
		return ErrDuplicateEvent
	}
	r.intents[intent.Reference] = intent
	return nil
}

func (r *memoryRepository) GetPaymentIntentByReference(ctx context.Context, reference string) (*PaymentIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.intents[reference]
	if !ok {
		return nil, fmt.Errorf("%w: payment intent", ErrNotFound)
	}
	return i, nil
}

func (r *memoryRepository) UpdatePaymentIntentStatus(ctx context.Context, reference, status string, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.intents[reference]
	if !ok {
		return fmt.Errorf("%w: payment intent", ErrNotFound)
	}
	i.Status = status
	i.ErrorMessage = errorMessage
	return nil
}

func (r *memoryRepository) ExpirePaymentIntents(ctx context.Context, createdBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, i := range r.intents {
		if i.Status == StatusPending && i.CreatedAt.Before(createdBefore) {
			i.Status = StatusFailed
			n++
		}
	}
	return n, nil
}

func (r *memoryRepository) CreateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *req
	r.withdrawals[req.Reference] = &cp
	return nil
}

func (r *memoryRepository) UpdateWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.withdrawals[req.Reference]; !ok {
		return fmt.Errorf("%w: withdrawal", ErrNotFound)
	}
	cp := *req
	r.withdrawals[req.Reference] = &cp
	return nil
}

func (r *memoryRepository) GetWithdrawalRequestByReference(ctx context.Context, reference string) (*WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[reference]
	if !ok {
		return nil, fmt.Errorf("%w: withdrawal", ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (r *memoryRepository) ListWithdrawalsToReconcile(ctx context.Context, pendingBefore time.Time, limit int) ([]*WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*WithdrawalRequest
	for _, w := range r.withdrawals {
		if w.NeedsReview {
			continue
		}
		pending := w.Status == StatusPending && w.CreatedAt.Before(pendingBefore)
		open := w.Status == StatusFailed && !w.Debited && w.ReconciledAt == nil
		stuck := open && w.TransferCode != nil
		unknown := open && w.TransferUnknown && w.CreatedAt.Before(pendingBefore)
		if pending || stuck || unknown {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryRepository) GetMedia(ctx context.Context, mediaID string) (*Media, error) {
	m, ok := r.media[mediaID]
	if !ok {
		return nil, fmt.Errorf("%w: media", ErrNotFound)
	}
	return m, nil
}

func (r *memoryRepository) GetMediaPurchase(ctx context.Context, mediaID, buyerID string) (*MediaPurchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.purchases[mediaID+"/"+buyerID]
	if !ok {
		return nil, fmt.Errorf("%w: purchase", ErrNotFound)
	}
	return p, nil
}

func (r *memoryRepository) CreateMediaPurchase(ctx context.Context, tx Tx, purchase *MediaPurchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := purchase.MediaID + "/" + purchase.BuyerID
	if _, ok := r.purchases[key]; ok {
		return ErrDuplicateEvent
	}
	r.purchases[key] = purchase
	return nil
}

func (r *memoryRepository) GetWalletAddress(ctx context.Context, userID string) (string, error) {
	return r.addresses[userID], nil
}

func (r *memoryRepository) AddCreatorEarning(ctx context.Context, tx Tx, earning *CreatorEarning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.earnings[earning.SourceRef] = earning
	return nil
}

func (r *memoryRepository) ListDueEarnings(ctx context.Context, now time.Time, limit int) ([]*CreatorEarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CreatorEarning
	for ref, e := range r.earnings {
		if r.settled[ref] || r.cancelled[ref] || e.AvailableAt.After(now) {
			continue
		}
		if esc, ok := r.escrows[ref]; ok && (esc.Status == EscrowDisputed || esc.Status == EscrowRefunded) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryRepository) SettleEarning(ctx context.Context, tx Tx, earning *CreatorEarning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled[earning.SourceRef] || r.cancelled[earning.SourceRef] {
		return ErrDuplicateEvent
	}
	r.settled[earning.SourceRef] = true
	return nil
}

func (r *memoryRepository) CancelEarning(ctx context.Context, tx Tx, sourceRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled[sourceRef] {
		return ErrInvalidTransition
	}
	r.cancelled[sourceRef] = true
	r.onRollback(tx, func() { delete(r.cancelled, sourceRef) })
	return nil
}

func (r *memoryRepository) GetSubscriptionPlan(ctx context.Context, planID string) (*SubscriptionPlan, error) {
	p, ok := r.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: plan", ErrNotFound)
	}
	return p, nil
}

func (r *memoryRepository) UpsertSubscription(ctx context.Context, tx Tx, subscriberID string, plan *SubscriptionPlan) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := subscriberID + "/" + plan.CreatorID
	now := time.Now()
	sub, ok := r.subscriptions[key]
	if !ok {
		sub = &Subscription{ID: uuid.New().String(), SubscriberID: subscriberID, CreatorID: plan.CreatorID, ExpiresAt: now}
		r.subscriptions[key] = sub
	}
	base := sub.ExpiresAt
	if base.Before(now) {
		base = now
	}
	sub.PlanID = plan.ID
	sub.ExpiresAt = base.AddDate(0, 0, plan.DurationDays)
	sub.IsActive = true
	cp := *sub
	return &cp, nil
}

func (r *memoryRepository) EnqueueOutbox(ctx context.Context, tx Tx, event *OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbox = append(r.outbox, event)
	return nil
}

func (r *memoryRepository) outboxByKind(kind string) []*OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OutboxEvent
	for _, ev := range r.outbox {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *memoryRepository) ClaimDueOutbox(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OutboxEvent
	for _, ev := range r.outbox {
		if ev.Status == OutboxStatusPending && !ev.NextAttemptAt.After(time.Now()) && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memoryRepository) MarkOutboxDispatched(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.outbox {
		if ev.ID == id {
			ev.Status = OutboxStatusDispatched
			return nil
		}
	}
	return fmt.Errorf("%w: outbox event", ErrNotFound)
}

func (r *memoryRepository) MarkOutboxRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string, failed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.outbox {
		if ev.ID == id {
			ev.Attempts = attempts
			ev.NextAttemptAt = nextAttemptAt
			ev.LastError = &lastError
			if failed {
				ev.Status = OutboxStatusFailed
			}
			return nil
		}
	}
	return fmt.Errorf("%w: outbox event", ErrNotFound)
}

func (r *memoryRepository) InsertNotification(ctx context.Context, n Notification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := n.UserID + "/" + n.Kind + "/" + n.RefID
	if _, ok := r.notifications[key]; ok {
		return false, nil
	}
	r.notifications[key] = n
	return true, nil
}

func (r *memoryRepository) CreateEscrowPurchase(ctx context.Context, tx Tx, p *EscrowPurchase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.escrows[p.TransactionRef] = &cp
	return nil
}

func (r *memoryRepository) GetEscrowPurchase(ctx context.Context, transactionRef string) (*EscrowPurchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.escrows[transactionRef]
	if !ok {
		return nil, fmt.Errorf("%w: escrow purchase", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (r *memoryRepository) TransitionEscrow(ctx context.Context, tx Tx, transactionRef, from, to string, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.escrows[transactionRef]
	if !ok || p.Status != from {
		return ErrInvalidTransition
	}
	prevStatus, prevHash := p.Status, p.TxHash
	p.Status = to
	if txHash != "" {
		p.TxHash = &txHash
	}
	r.onRollback(tx, func() {
		p.Status = prevStatus
		p.TxHash = prevHash
	})
	return nil
}

func (r *memoryRepository) SetEscrowTxHash(ctx context.Context, transactionRef, txHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.escrows[transactionRef]
	if !ok {
		return fmt.Errorf("%w: escrow purchase", ErrNotFound)
	}
	p.TxHash = &txHash
	return nil
}

func (r *memoryRepository) RecordWebhookEvent(ctx context.Context, event *WebhookEvent, payload []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "/" + event.ID
	if processingErr, seen := r.webhooks[key]; seen && processingErr == nil {
		return false, nil
	}
	r.webhooks[key] = new(string)
	return true, nil
}

func (r *memoryRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID string, processingError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.webhooks[provider+"/"+eventID] = processingError
	return nil
}

func (r *memoryRepository) IncrementRateLimit(ctx context.Context, subject string, windowStart time.Time, window time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%s/%d", subject, windowStart.Unix())
	r.rateLimits[key]++
	return r.rateLimits[key], nil
}
