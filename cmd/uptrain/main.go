package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"UPAgent-Chain/internal/config"
	"UPAgent-Chain/internal/env"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/internal/observability/trainsink"
	"UPAgent-Chain/internal/policy"
	"UPAgent-Chain/pkg/logger"
)

// main 是离线训练器的入口。训练只在模拟环境上进行，不会触达链上。
func main() {
	configPath := flag.String("config", filepath.Join("configs", "upagent.json"), "配置文件路径")
	episodes := flag.Int("episodes", 1000, "训练回合数")
	seed := flag.Int64("seed", 0, "随机种子，0 表示使用时间种子")
	resume := flag.Bool("resume", false, "从已有策略文件续训")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *episodes, *seed, *resume); err != nil {
		log.Fatalf("uptrain 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string, episodes int, seed int64, resume bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var artifact *policy.Artifact
	if resume {
		artifact, err = policy.Load(cfg.Policy.Path, cfg.Policy.Bins)
		if err != nil {
			return err
		}
		logger.L().Info("续训已有策略",
			slog.String("path", cfg.Policy.Path),
			slog.Int("trained_episodes", artifact.TrainedEpisodes))
	} else {
		artifact = policy.NewArtifact(cfg.Policy.Bins)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Policy.Path), 0o755); err != nil {
		return err
	}

	bounds := metrics.Bounds{
		MaxFollowers:  cfg.Metrics.MaxFollowers,
		MaxPosts:      cfg.Metrics.MaxPosts,
		MaxEngagement: cfg.Metrics.MaxEngagement,
	}
	environment := env.NewSimulation(bounds, cfg.Policy.EpisodeLength, seed)

	sink, err := trainsink.FromConfig(cfg.TrainSink)
	if err != nil {
		return err
	}
	if closer, ok := sink.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	trainer := policy.NewTrainer(environment, artifact, policy.Hyperparams{
		LearningRate:    cfg.Policy.LearningRate,
		Discount:        cfg.Policy.Discount,
		BufferSize:      cfg.Policy.BufferSize,
		BatchSize:       cfg.Policy.BatchSize,
		TrainEvery:      cfg.Policy.TrainEvery,
		CheckpointEvery: cfg.Policy.CheckpointEvery,
		Epsilon: policy.EpsilonSchedule{
			Start: cfg.Policy.EpsilonStart,
			Floor: cfg.Policy.EpsilonFloor,
			Decay: cfg.Policy.EpsilonDecay,
		},
	}, cfg.Policy.Path, sink)
	if seed != 0 {
		trainer.Seed(seed)
	}

	trained, err := trainer.Train(ctx, episodes)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if trained != nil {
		logger.L().Info("训练结束",
			slog.Int("trained_episodes", trained.TrainedEpisodes),
			slog.String("path", cfg.Policy.Path))
	}
	return nil
}
