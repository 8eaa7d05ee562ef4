package main

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	reconcileBatchSize     = 100
	pendingWithdrawalGrace = 10 * time.Minute
)

// ReconcileWithdrawals compara os pedidos em aberto com o registro do provedor.
// Fecha a janela entre "transferência aceita" e "débito aplicado".
func (uc *WalletUseCase) ReconcileWithdrawals(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "reconcile_withdrawals")
	defer span.End()

	if uc.gateways.Transfers == nil {
		return 0, nil
	}

	requests, err := uc.repository.ListWithdrawalsToReconcile(ctx, uc.now().Add(-pendingWithdrawalGrace), reconcileBatchSize)
	if err != nil {
		recordError(span, err)
		return 0, err
	}

	resolved := 0
	for _, req := range requests {
		transfer, err := uc.gateways.Transfers.FetchTransfer(ctx, req.Reference)
		switch {
		case errors.Is(err, ErrNotFound):
			// o provedor nunca recebeu a transferência
			uc.closeUnsentWithdrawal(ctx, req, "transfer not found at provider")
			resolved++
			continue
		case err != nil:
			log.Printf("⚠️ [RECONCILE] FetchTransfer failed | Ref=%s | Error=%v", req.Reference, err)
			continue
		}

		if transfer.TransferCode != "" && req.TransferCode == nil {
			code := transfer.TransferCode
			req.TransferCode = &code
		}

		switch transfer.Status {
		case "success":
			if err := uc.settleSucceededTransfer(ctx, req); err != nil {
				log.Printf("🚨 [RECONCILE] Withdrawal needs review | Ref=%s | Error=%v", req.Reference, err)
			}
			resolved++
		case "failed", "reversed", "abandoned", "rejected":
			uc.closeUnsentWithdrawal(ctx, req, "transfer "+transfer.Status)
			resolved++
		default:
			// ainda em processamento no provedor
		}
	}

	span.SetAttributes(attribute.Int("resolved", resolved))
	log.Printf("🔁 [RECONCILE] Withdrawals checked=%d resolved=%d", len(requests), resolved)
	return resolved, nil
}

func (uc *WalletUseCase) closeUnsentWithdrawal(ctx context.Context, req *WithdrawalRequest, reason string) {
	if req.Debited {
		if err := uc.reverseWithdrawal(ctx, req, reason); err != nil {
			log.Printf("❌ [RECONCILE] Reverse failed | Ref=%s | Error=%v", req.Reference, err)
		}
		return
	}
	now := uc.now()
	req.ReconciledAt = &now
	if req.Status != StatusFailed {
		req.Fail(reason)
	}
	if err := uc.repository.UpdateWithdrawalRequest(ctx, req); err != nil {
		log.Printf("❌ [RECONCILE] Failed to close %s: %v", req.Reference, err)
	}
}

// ExpireIntents marca como failed os top-ups cujo webhook nunca chegou
func (uc *WalletUseCase) ExpireIntents(ctx context.Context, ttl time.Duration) (int, error) {
	ctx, span := startSpan(ctx, "expire_intents", attribute.String("ttl", ttl.String()))
	defer span.End()

	n, err := uc.repository.ExpirePaymentIntents(ctx, uc.now().Add(-ttl))
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	if n > 0 {
		log.Printf("⏳ [RECONCILE] Expired %d payment intents", n)
	}
	return int(n), nil
}

// SettleEarnings move os ganhos maduros do saldo pendente para a carteira do criador
func (uc *WalletUseCase) SettleEarnings(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "settle_earnings")
	defer span.End()

	earnings, err := uc.repository.ListDueEarnings(ctx, uc.now(), reconcileBatchSize)
	if err != nil {
		recordError(span, err)
		return 0, err
	}

	settled := 0
	for _, e := range earnings {
		if err := uc.settleEarning(ctx, e); err != nil {
			if !errors.Is(err, ErrDuplicateEvent) {
				log.Printf("❌ [EARNINGS] Settle failed | ID=%s | Error=%v", e.ID, err)
			}
			continue
		}
		settled++
	}

	if settled > 0 {
		log.Printf("✅ [EARNINGS] Settled %d earnings", settled)
	}
	return settled, nil
}

func (uc *WalletUseCase) settleEarning(ctx context.Context, e *CreatorEarning) error {
	// 1. Inicia a transação
	tx, err := uc.repository.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 2. Marca como liquidado (falha se outra réplica já liquidou)
	if err := uc.repository.SettleEarning(ctx, tx, e); err != nil {
		return err
	}

	// 3. Crédito idempotente na carteira
	if _, err := uc.repository.CreditWallet(ctx, tx, e.CreatorID, e.Amount, "EARN-"+e.ID, "Earnings released: "+e.SourceRef); err != nil {
		return err
	}

	// 4. Commit
	return tx.Commit()
}

// RunReconciler executa as varreduras periodicamente até o contexto terminar
func (uc *WalletUseCase) RunReconciler(ctx context.Context, interval, intentTTL time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := uc.ReconcileWithdrawals(ctx); err != nil {
				log.Printf("❌ [RECONCILE] withdrawals: %v", err)
			}
			if _, err := uc.ExpireIntents(ctx, intentTTL); err != nil {
				log.Printf("❌ [RECONCILE] intents: %v", err)
			}
			if _, err := uc.SettleEarnings(ctx); err != nil {
				log.Printf("❌ [RECONCILE] earnings: %v", err)
			}
		}
	}
}
