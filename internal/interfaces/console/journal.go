package console

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Journal 把决策写进日志，redis 未启用时的默认 journal
type Journal struct{}

func (Journal) RecordDecision(ctx context.Context, d model.Decision) error {
	ev := log.Info()
	if d.Kind == model.DecisionMiss || d.Kind == model.DecisionAbort {
		ev = log.Warn()
	}
	ev.Str("record", d.RecordID).
		Str("run", d.RunID).
		Str("kind", string(d.Kind)).
		Str("richest", string(d.Richest)).
		Str("poorest", string(d.Poorest)).
		Float64("spread_pct", d.SpreadPercent).
		Int("misses", d.Misses).
		Str("values", FormatValues(d.Values)).
		Msg(d.Note)
	return nil
}

// FormatValues 例: usdt=10.0012 busd=9.9871
func FormatValues(values []model.Valuation) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%.4f", v.Base, v.Value))
	}
	return strings.Join(parts, " ")
}

var _ port.DecisionJournal = Journal{}
