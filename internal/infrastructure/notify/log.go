package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"pairarb/internal/application/port"
)

// LogNotifier 没有配置 redis 时的默认通知渠道
type LogNotifier struct{}

func (LogNotifier) NotifyPurchase(ctx context.Context, n port.Notification) error {
	log.Info().Str("token", n.TokenCode).Str("ref", n.ReferenceID).Msg(n.Message)
	return nil
}

func (LogNotifier) NotifyFailure(ctx context.Context, n port.Notification, cause error) error {
	log.Error().Err(cause).Str("token", n.TokenCode).Str("ref", n.ReferenceID).Msg(n.Message)
	return nil
}

var _ port.Notifier = LogNotifier{}
