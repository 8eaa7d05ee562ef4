package main

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "wallet-service"

// Metrics reúne os contadores do serviço de carteira
type Metrics struct {
	TopUpsApplied    metric.Int64Counter
	TopUpsDuplicate  metric.Int64Counter
	Withdrawals      metric.Int64Counter
	WebhooksRejected metric.Int64Counter
	Purchases        metric.Int64Counter
	EscrowFailures   metric.Int64Counter
	OutboxDispatched metric.Int64Counter
	OutboxFailures   metric.Int64Counter
}

// NewMetrics cria os contadores a partir do MeterProvider global.
// Sem provider configurado o otel devolve instrumentos no-op.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	return &Metrics{
		TopUpsApplied:    counter(meter, "wallet.topups.applied", "Top-ups credited to a wallet"),
		TopUpsDuplicate:  counter(meter, "wallet.topups.duplicate", "Top-up deliveries ignored as duplicates"),
		Withdrawals:      counter(meter, "wallet.withdrawals", "Withdrawal attempts by final status"),
		WebhooksRejected: counter(meter, "wallet.webhooks.rejected", "Webhooks rejected by signature check"),
		Purchases:        counter(meter, "wallet.purchases", "Paid media unlocks"),
		EscrowFailures:   counter(meter, "wallet.escrow.failures", "Escrow recordings that failed"),
		OutboxDispatched: counter(meter, "wallet.outbox.dispatched", "Outbox events delivered"),
		OutboxFailures:   counter(meter, "wallet.outbox.failures", "Outbox delivery attempts that failed"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		log.Printf("⚠️ [METRICS] failed to create counter %s: %v", name, err)
	}
	return c
}

// inc incrementa o contador ignorando instrumentos ausentes
func inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// startSpan abre um span filho do tracing atual com os atributos informados
func startSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, operationName)
	span.SetAttributes(attrs...)
	return ctx, span
}

// recordError marca o span como falho
func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CreateOutboxSpan cria um span para a publicação de um evento do outbox no DTM
func CreateOutboxSpan(ctx context.Context, event *OutboxEvent, gid string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("dtm-msg").Start(ctx, "dtm.msg."+event.Kind)

	span.SetAttributes(
		attribute.String("dtm.gid", gid),
		attribute.String("outbox.id", event.ID),
		attribute.String("outbox.kind", event.Kind),
		attribute.Int("outbox.attempts", event.Attempts),
		attribute.String("component", "dtm-coordinator"),
	)

	return ctx, span
}

// traceIDs extrai trace/span id do contexto para propagação manual via payload
func traceIDs(ctx context.Context) (string, string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// startSpanFromEnvelope cria um span filho ligado ao trace propagado no envelope do outbox
func startSpanFromEnvelope(ctx context.Context, operationName string, env OutboxEnvelope) (context.Context, trace.Span) {
	if env.TraceID != "" && env.SpanID != "" {
		parsedTraceID, _ := trace.TraceIDFromHex(env.TraceID)
		parsedSpanID, _ := trace.SpanIDFromHex(env.SpanID)

		spanContext := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    parsedTraceID,
			SpanID:     parsedSpanID,
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		if spanContext.IsValid() {
			ctx = trace.ContextWithSpanContext(ctx, spanContext)
		}
	}

	return startSpan(ctx, operationName,
		attribute.String("outbox.id", env.EventID),
		attribute.String("outbox.kind", env.Kind),
	)
}
