package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

type Options struct {
	Prefix         string
	DecisionStream string
	NotifyChannel  string
	StreamMaxLen   int64
}

// Repo 决策写 stream 并 publish，通知只 publish
type Repo struct {
	rdb            *redis.Client
	decisionStream string
	decisionChan   string
	notifyChan     string
	maxLen         int64
}

func New(rdb *redis.Client, opts Options) *Repo {
	prefix := opts.Prefix
	stream := strings.TrimSpace(opts.DecisionStream)
	if stream == "" {
		stream = "decisions"
	}
	notify := strings.TrimSpace(opts.NotifyChannel)
	if notify == "" {
		notify = "notifications"
	}
	return &Repo{
		rdb:            rdb,
		decisionStream: prefix + stream,
		decisionChan:   prefix + stream + ":pub",
		notifyChan:     prefix + notify,
		maxLen:         opts.StreamMaxLen,
	}
}

func decisionValues(d model.Decision) (map[string]any, []byte, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, nil, err
	}
	return map[string]any{
		"ts_ms":   d.At.UnixMilli(),
		"run_id":  d.RunID,
		"record":  d.RecordID,
		"kind":    string(d.Kind),
		"spread":  d.SpreadPercent,
		"payload": string(payload),
	}, payload, nil
}

func (r *Repo) RecordDecision(ctx context.Context, d model.Decision) error {
	values, payload, err := decisionValues(d)
	if err != nil {
		return err
	}
	// 1) Stream: XADD <stream> MAXLEN ~ n * ...
	args := &redis.XAddArgs{Stream: r.decisionStream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.decisionStream, err)
	}
	// 2) PubSub
	return r.rdb.Publish(ctx, r.decisionChan, payload).Err()
}

type notification struct {
	Type      string `json:"type"`
	Token     string `json:"token,omitempty"`
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

func notificationPayload(kind string, n port.Notification, cause error) ([]byte, error) {
	msg := notification{Type: kind, Token: n.TokenCode, Reference: n.ReferenceID, Message: n.Message}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return json.Marshal(msg)
}

func (r *Repo) NotifyPurchase(ctx context.Context, n port.Notification) error {
	b, err := notificationPayload("purchase", n, nil)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.notifyChan, b).Err()
}

func (r *Repo) NotifyFailure(ctx context.Context, n port.Notification, cause error) error {
	b, err := notificationPayload("failure", n, cause)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.notifyChan, b).Err()
}

var (
	_ port.DecisionJournal = (*Repo)(nil)
	_ port.Notifier        = (*Repo)(nil)
)
