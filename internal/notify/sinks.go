package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	retry "github.com/sethvargo/go-retry"
)

// ============================================================================
// Redis Pub/Sub
// ============================================================================

// Publisher go-redis 的發佈介面，*redis.Client 與 *redis.ClusterClient 皆符合
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisOptions Redis 連線設定
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient 建立 Redis 客戶端
func NewRedisClient(o RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Address,
		Password: o.Password,
		DB:       o.DB,
	})
}

// RedisSink 將通知以 JSON 發佈到 "{prefix}{channel}"
type RedisSink struct {
	pub        Publisher
	prefix     string
	maxRetries uint64
	base       time.Duration
}

// NewRedisSink 建立 Redis sink；發佈失敗以 Fibonacci 退避重試 maxRetries 次
func NewRedisSink(pub Publisher, prefix string, maxRetries uint64, base time.Duration) *RedisSink {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &RedisSink{pub: pub, prefix: prefix, maxRetries: maxRetries, base: base}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	channel := s.prefix + n.Channel
	b := retry.WithMaxRetries(s.maxRetries, retry.NewFibonacci(s.base))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.pub.Publish(ctx, channel, data).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

// ============================================================================
// Log
// ============================================================================

// LogSink 將通知寫入日誌，未設定推送傳輸時使用
type LogSink struct {
	log *slog.Logger
}

// NewLogSink 建立日誌 sink
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.log.Info("Notification", "channel", n.Channel, "event", n.EventType, "payload", n.Payload)
	return nil
}
