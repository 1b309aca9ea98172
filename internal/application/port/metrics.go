package port

import (
	"context"

	"pairarb/internal/domain/model"
)

// Metrics counts engine activity.
type Metrics interface {
	DecisionRecorded(ctx context.Context, kind model.DecisionKind)
	OrderPlaced(ctx context.Context, side model.OrderSide, symbol string)
	OrderFailed(ctx context.Context, side model.OrderSide, symbol string)
	SwapSkipped(ctx context.Context, from, to model.QuoteBase)
}

type NopMetrics struct{}

func (NopMetrics) DecisionRecorded(context.Context, model.DecisionKind)          {}
func (NopMetrics) OrderPlaced(context.Context, model.OrderSide, string)          {}
func (NopMetrics) OrderFailed(context.Context, model.OrderSide, string)          {}
func (NopMetrics) SwapSkipped(context.Context, model.QuoteBase, model.QuoteBase) {}
