package porttest

import (
	"context"
	"sync"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

// Journal collects decisions.
type Journal struct {
	mu        sync.Mutex
	Decisions []model.Decision
}

func (j *Journal) RecordDecision(ctx context.Context, d model.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Decisions = append(j.Decisions, d)
	return nil
}

func (j *Journal) Count(kind model.DecisionKind) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, d := range j.Decisions {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Notifier collects notifications.
type Notifier struct {
	mu        sync.Mutex
	Purchases []port.Notification
	Failures  []port.Notification
}

func (n *Notifier) NotifyPurchase(ctx context.Context, msg port.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Purchases = append(n.Purchases, msg)
	return nil
}

func (n *Notifier) NotifyFailure(ctx context.Context, msg port.Notification, cause error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Failures = append(n.Failures, msg)
	return nil
}

func (n *Notifier) FailureCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.Failures)
}

// Latency returns a fixed drift.
type Latency struct {
	Drift model.Drift
	Err   error
}

func (l Latency) MeasureLatency(ctx context.Context) (model.Drift, error) { return l.Drift, l.Err }

var (
	_ port.DecisionJournal = (*Journal)(nil)
	_ port.Notifier        = (*Notifier)(nil)
	_ port.LatencyMeter    = Latency{}
)
