package composite

import (
	"context"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Journal 依次写入所有 journal，返回第一个错误
type Journal struct {
	journals []port.DecisionJournal
}

func NewJournal(journals ...port.DecisionJournal) *Journal {
	out := make([]port.DecisionJournal, 0, len(journals))
	for _, j := range journals {
		if j != nil {
			out = append(out, j)
		}
	}
	return &Journal{journals: out}
}

func (c *Journal) RecordDecision(ctx context.Context, d model.Decision) error {
	var firstErr error
	for _, j := range c.journals {
		if err := j.RecordDecision(ctx, d); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Notifier 同上，扇出到所有通知渠道
type Notifier struct {
	notifiers []port.Notifier
}

func NewNotifier(notifiers ...port.Notifier) *Notifier {
	out := make([]port.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &Notifier{notifiers: out}
}

func (c *Notifier) NotifyPurchase(ctx context.Context, n port.Notification) error {
	var firstErr error
	for _, x := range c.notifiers {
		if err := x.NotifyPurchase(ctx, n); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Notifier) NotifyFailure(ctx context.Context, n port.Notification, cause error) error {
	var firstErr error
	for _, x := range c.notifiers {
		if err := x.NotifyFailure(ctx, n, cause); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ port.DecisionJournal = (*Journal)(nil)
	_ port.Notifier        = (*Notifier)(nil)
)
