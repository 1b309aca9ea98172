package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
)

func TestNewKeys(t *testing.T) {
	r := New(nil, Options{Prefix: "pairarb:"})
	assert.Equal(t, "pairarb:decisions", r.decisionStream)
	assert.Equal(t, "pairarb:decisions:pub", r.decisionChan)
	assert.Equal(t, "pairarb:notifications", r.notifyChan)
}

func TestDecisionValues(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 2, 0, time.UTC)
	d := model.Decision{RunID: "run", RecordID: "opp-1", Kind: model.DecisionBucket,
		Richest: model.QuoteUSDT, Poorest: model.QuoteBUSD, SpreadPercent: 1.5, At: at}

	values, payload, err := decisionValues(d)
	require.NoError(t, err)
	assert.Equal(t, at.UnixMilli(), values["ts_ms"])
	assert.Equal(t, "bucket", values["kind"])
	assert.Equal(t, "opp-1", values["record"])

	var back model.Decision
	require.NoError(t, json.Unmarshal(payload, &back))
	assert.Equal(t, model.QuoteUSDT, back.Richest)
	assert.Equal(t, 1.5, back.SpreadPercent)
}

func TestNotificationPayload(t *testing.T) {
	b, err := notificationPayload("failure", port.Notification{TokenCode: "ABC", Message: "sale failed"}, errors.New("rejected"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"failure","token":"ABC","message":"sale failed","error":"rejected"}`, string(b))
}

// 需要本地 redis：PAIRARB_TEST_REDIS=127.0.0.1:6379
func TestRecordDecisionLive(t *testing.T) {
	addr := os.Getenv("PAIRARB_TEST_REDIS")
	if addr == "" {
		t.Skip("PAIRARB_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()

	prefix := "pairarb-test:" + time.Now().Format("150405.000") + ":"
	r := New(rdb, Options{Prefix: prefix, StreamMaxLen: 100})
	defer rdb.Del(ctx, r.decisionStream)

	sub := rdb.Subscribe(ctx, r.notifyChan)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.RecordDecision(ctx, model.Decision{RecordID: "opp-1", Kind: model.DecisionMiss, At: time.Now()}))
	n, err := rdb.XLen(ctx, r.decisionStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, r.NotifyPurchase(ctx, port.Notification{TokenCode: "ABC", Message: "bought"}))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"purchase"`)
}
