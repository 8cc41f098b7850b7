package trainsink

import (
	"context"
	"fmt"
	"log/slog"

	"UPAgent-Chain/internal/config"
	"UPAgent-Chain/internal/policy"
	"UPAgent-Chain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// LogSink 将训练指标写入结构化日志，是默认的输出端。
type LogSink struct{}

// RecordEpisode 输出一条回合指标日志。
func (LogSink) RecordEpisode(_ context.Context, stats policy.EpisodeStats) error {
	logger.Named("train").Info("episode finished",
		slog.Int("episode", stats.Episode),
		slog.Int("steps", stats.Steps),
		slog.Float64("total_reward", stats.TotalReward),
		slog.Float64("epsilon", stats.Epsilon),
		slog.Int64("elapsed_ms", stats.ElapsedMS))
	return nil
}

// RedisSink 将训练指标追加到 Redis Stream，供外部面板消费。
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink 创建 Redis Stream 输出端。
func NewRedisSink(address, password string, db int, stream string) (*RedisSink, error) {
	if address == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	if stream == "" {
		stream = "upagent:training"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisSink{client: client, stream: stream}, nil
}

// RecordEpisode 将回合指标追加到流中。
func (s *RedisSink) RecordEpisode(ctx context.Context, stats policy.EpisodeStats) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"episode":      stats.Episode,
			"steps":        stats.Steps,
			"total_reward": stats.TotalReward,
			"epsilon":      stats.Epsilon,
			"elapsed_ms":   stats.ElapsedMS,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("写入训练指标流失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// FromConfig 根据配置构造训练指标输出端。
func FromConfig(cfg config.TrainSinkConfig) (policy.Sink, error) {
	switch cfg.Driver {
	case "", "log":
		return LogSink{}, nil
	case "redis":
		return NewRedisSink(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Stream)
	default:
		return nil, fmt.Errorf("不支持的训练指标输出驱动: %s", cfg.Driver)
	}
}

var (
	_ policy.Sink = LogSink{}
	_ policy.Sink = (*RedisSink)(nil)
)
