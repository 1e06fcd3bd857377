package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel はイベントを中継するRedisのPub/Subチャンネル名の既定値。
const DefaultChannel = "ohq:events"

// RedisClient はRedisRelayが使用するgo-redisクライアントの部分集合。
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisRelay は複数のサーバープロセス間でイベントを中継するNotifier。
// Notifyは配送をRedisに任せ、Runで受信したイベント（自プロセス発行分を含む）をローカルのBusへ流す。
type RedisRelay struct {
	client  RedisClient
	channel string
	origin  string
	local   *Bus
	logger  *slog.Logger
}

// NewRedisRelay はRedisRelayを生成する。
func NewRedisRelay(client RedisClient, channel, origin string, local *Bus, logger *slog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		logger:  logger,
	}
}

// Notify はイベントをRedisへ発行する。
// 発行に失敗した場合は少なくとも自プロセスのルームへ届くよう、ローカルへ直接配送する。
func (r *RedisRelay) Notify(ctx context.Context, ev Event) {
	ev.Origin = r.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("failed to encode event", slog.String("kind", string(ev.Kind)), slog.String("error", err.Error()))
		r.local.Dispatch(ev)
		return
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("failed to publish event, dispatching locally",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		r.local.Dispatch(ev)
	}
}

// Run はチャンネルを購読し、受信したイベントをローカルへ配送する。ctxがキャンセルされると終了する。
func (r *RedisRelay) Run(ctx context.Context) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	r.logger.Info("event relay subscribed", slog.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("event relay stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn("event relay channel closed")
				return
			}
			r.handlePayload(msg.Payload)
		}
	}
}

// handlePayload は受信したJSONをデコードしてローカルへ配送する。不正なペイロードは破棄する。
func (r *RedisRelay) handlePayload(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("discarding malformed event", slog.String("error", err.Error()))
		return
	}
	if ev.Kind == "" {
		r.logger.Warn("discarding event without kind")
		return
	}
	r.local.Dispatch(ev)
}

// compile-time interface check
var _ Notifier = (*RedisRelay)(nil)
