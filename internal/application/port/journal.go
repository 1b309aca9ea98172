package port

import (
	"context"

	"pairarb/internal/domain/model"
)

// DecisionJournal records every bucket and sell decision. Failures are logged by callers, never fatal.
type DecisionJournal interface {
	RecordDecision(ctx context.Context, d model.Decision) error
}

type Notification struct {
	TokenCode   string
	ReferenceID string
	Message     string
}

type Notifier interface {
	NotifyPurchase(ctx context.Context, n Notification) error
	NotifyFailure(ctx context.Context, n Notification, cause error) error
}

// LatencyMeter measures clock drift and one-way latency to the exchange.
type LatencyMeter interface {
	MeasureLatency(ctx context.Context) (model.Drift, error)
}
