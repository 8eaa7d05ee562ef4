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

const instrumentationName = "lifecycle-service"

type Metrics struct {
	Deactivated metric.Int64Counter
	Reminded    metric.Int64Counter
}

// NewMetrics cria os contadores a partir do MeterProvider global
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)

	deactivated, err := meter.Int64Counter("lifecycle.subscriptions.deactivated",
		metric.WithDescription("Subscriptions flipped to inactive by the expiry sweep"))
	if err != nil {
		log.Printf("⚠️ [METRICS] failed to create deactivated counter: %v", err)
	}
	reminded, err := meter.Int64Counter("lifecycle.subscriptions.reminded",
		metric.WithDescription("Renewal reminders created"))
	if err != nil {
		log.Printf("⚠️ [METRICS] failed to create reminded counter: %v", err)
	}

	return &Metrics{Deactivated: deactivated, Reminded: reminded}
}

func add(ctx context.Context, c metric.Int64Counter, n int64) {
	if c == nil || n == 0 {
		return
	}
	c.Add(ctx, n)
}

func startSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, operationName)
	span.SetAttributes(attrs...)
	return ctx, span
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
