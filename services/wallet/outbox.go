package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/dtm-labs/client/dtmcli"
	"go.opentelemetry.io/otel/attribute"
)

const (
	outboxBatchSize   = 50
	outboxLease       = time.Minute
	outboxMaxAttempts = 20
	outboxBaseBackoff = 30 * time.Second
	outboxMaxBackoff  = time.Hour
)

// EscrowRecordPayload é o payload do evento escrow.record
type EscrowRecordPayload struct {
	TransactionRef string `json:"transaction_ref"`
}

// OutboxEnvelope é o corpo entregue ao branch do evento
type OutboxEnvelope struct {
	EventID string          `json:"event_id" binding:"required"`
	Kind    string          `json:"kind" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
	// Propagação manual do trace (o DTM não propaga headers W3C)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// Dispatcher entrega um evento do outbox ao seu branch
type Dispatcher interface {
	Dispatch(ctx context.Context, event *OutboxEvent) error
}

// OutboxBranches executa os efeitos de cada tipo de evento. Todos são idempotentes.
type OutboxBranches struct {
	repository OutboxRepository
	escrow     *EscrowService
}

// NewOutboxBranches cria os handlers dos branches
func NewOutboxBranches(repository OutboxRepository, escrow *EscrowService) *OutboxBranches {
	return &OutboxBranches{repository: repository, escrow: escrow}
}

// Handle aplica o envelope conforme o tipo
func (b *OutboxBranches) Handle(ctx context.Context, env OutboxEnvelope) error {
	switch env.Kind {
	case OutboxKindEscrowRecord:
		var p EscrowRecordPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.TransactionRef == "" {
			return fmt.Errorf("%w: malformed escrow payload", ErrValidation)
		}
		_, err := b.escrow.Record(ctx, p.TransactionRef)
		return err

	case OutboxKindNotification:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil || n.UserID == "" {
			return fmt.Errorf("%w: malformed notification payload", ErrValidation)
		}
		if n.RefID == "" {
			n.RefID = env.EventID
		}
		inserted, err := b.repository.InsertNotification(ctx, n)
		if err != nil {
			return err
		}
		if !inserted {
			log.Printf("ℹ️ [IDEMPOTENCY] Notificação já entregue | Kind=%s | Ref=%s", n.Kind, n.RefID)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown outbox kind %q", ErrValidation, env.Kind)
}

func envelopeFor(ctx context.Context, event *OutboxEvent) OutboxEnvelope {
	env := OutboxEnvelope{EventID: event.ID, Kind: event.Kind, Payload: event.Payload}
	if traceID, spanID := traceIDs(ctx); traceID != "" {
		env.TraceID, env.SpanID = traceID, spanID
	}
	return env
}

// LocalDispatcher chama os branches no próprio processo (sem DTM configurado)
type LocalDispatcher struct {
	branches *OutboxBranches
}

// NewLocalDispatcher cria o dispatcher em processo
func NewLocalDispatcher(branches *OutboxBranches) *LocalDispatcher {
	return &LocalDispatcher{branches: branches}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, event *OutboxEvent) error {
	return d.branches.Handle(ctx, envelopeFor(ctx, event))
}

// DTMDispatcher publica cada evento como uma mensagem de duas fases no DTM,
// que passa a ser responsável pelas novas tentativas do branch
type DTMDispatcher struct {
	server     string
	serviceURL string
	cronSecret string
}

// NewDTMDispatcher cria o dispatcher sobre o servidor DTM
func NewDTMDispatcher(server, serviceURL, cronSecret string) *DTMDispatcher {
	return &DTMDispatcher{server: server, serviceURL: strings.TrimRight(serviceURL, "/"), cronSecret: cronSecret}
}

func (d *DTMDispatcher) Dispatch(ctx context.Context, event *OutboxEvent) error {
	// cada tentativa usa um gid novo; os branches são idempotentes
	gid := event.ID + "-" + strconv.Itoa(event.Attempts)

	ctx, span := CreateOutboxSpan(ctx, event, gid)
	defer span.End()

	msg := dtmcli.NewMsg(d.server, gid).
		Add(d.serviceURL+"/api/outbox/"+event.Kind, envelopeFor(ctx, event))
	msg.BranchHeaders = map[string]string{"X-Cron-Secret": d.cronSecret}

	if err := msg.Submit(); err != nil {
		recordError(span, err)
		return fmt.Errorf("dtm submit %s: %w", gid, err)
	}
	log.Printf("🚀 [OUTBOX] Submitted to DTM | GID=%s | Kind=%s", gid, event.Kind)
	return nil
}

// OutboxRelay drena a tabela outbox_events com reentrega e backoff exponencial
type OutboxRelay struct {
	repository OutboxRepository
	dispatcher Dispatcher
	metrics    *Metrics
	now        func() time.Time
}

// NewOutboxRelay cria uma nova instância de OutboxRelay
func NewOutboxRelay(repository OutboxRepository, dispatcher Dispatcher, metrics *Metrics) *OutboxRelay {
	return &OutboxRelay{repository: repository, dispatcher: dispatcher, metrics: metrics, now: time.Now}
}

// RunOnce processa um lote de eventos vencidos e devolve quantos foram entregues
func (r *OutboxRelay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.repository.ClaimDueOutbox(ctx, outboxBatchSize, outboxLease)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range events {
		err := r.dispatcher.Dispatch(ctx, ev)
		if err == nil {
			if err := r.repository.MarkOutboxDispatched(ctx, ev.ID); err != nil {
				log.Printf("⚠️ [OUTBOX] Failed to close %s: %v", ev.ID, err)
				continue
			}
			inc(ctx, r.metrics.OutboxDispatched, attribute.String("kind", ev.Kind))
			delivered++
			continue
		}

		attempts := ev.Attempts + 1
		failed := attempts >= outboxMaxAttempts
		next := r.now().Add(outboxBackoff(attempts))
		inc(ctx, r.metrics.OutboxFailures, attribute.String("kind", ev.Kind))
		if failed {
			log.Printf("🚨 [OUTBOX] Giving up | ID=%s | Kind=%s | Attempts=%d | Error=%v", ev.ID, ev.Kind, attempts, err)
		} else {
			log.Printf("⚠️ [OUTBOX] Retry scheduled | ID=%s | Kind=%s | Attempts=%d | Next=%s | Error=%v",
				ev.ID, ev.Kind, attempts, next.Format(time.RFC3339), err)
		}
		if err := r.repository.MarkOutboxRetry(ctx, ev.ID, attempts, next, err.Error(), failed); err != nil {
			log.Printf("❌ [OUTBOX] Failed to reschedule %s: %v", ev.ID, err)
		}
	}
	return delivered, nil
}

// Run executa RunOnce a cada intervalo até o contexto terminar
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
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
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("❌ [OUTBOX] %v", err)
			}
		}
	}
}

// outboxBackoff dobra a espera a cada tentativa, limitado a uma hora
func outboxBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := outboxBaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= outboxMaxBackoff {
			return outboxMaxBackoff
		}
	}
	return d
}
