package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"UPAgent-Chain/internal/actionlog"
	"UPAgent-Chain/internal/api"
	"UPAgent-Chain/internal/config"
	"UPAgent-Chain/internal/dispatch"
	"UPAgent-Chain/internal/executor"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/internal/policy"
	"UPAgent-Chain/internal/recommend"
	"UPAgent-Chain/internal/storage/mysql"
	"UPAgent-Chain/internal/targets"
	"UPAgent-Chain/internal/web3/provider"
	"UPAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 UPAgent 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("upagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("UPAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "upagent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Journal: logger.JournalConfig{
			Enabled:    cfg.Log.Journal.Enabled,
			Path:       cfg.Log.Journal.Path,
			MaxSizeMB:  cfg.Log.Journal.MaxSizeMB,
			MaxBackups: cfg.Log.Journal.MaxBackups,
			MaxAgeDays: cfg.Log.Journal.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !common.IsHexAddress(cfg.Web3.ProfileAddress) {
		return fmt.Errorf("配置的 profile_address 不合法: %q", cfg.Web3.ProfileAddress)
	}
	profile := common.HexToAddress(cfg.Web3.ProfileAddress)

	// 策略文件缺失直接退出：没有训练过的策略就没有推荐可言，
	// 不存在随机降级。
	artifact, err := policy.Load(cfg.Policy.Path, cfg.Policy.Bins)
	if err != nil {
		return err
	}
	session := policy.NewSession(artifact, policy.EpsilonSchedule{
		Start: cfg.Policy.EpsilonStart,
		Floor: cfg.Policy.EpsilonFloor,
		Decay: cfg.Policy.EpsilonDecay,
	})
	logger.L().Info("策略已加载",
		slog.String("path", cfg.Policy.Path),
		slog.Int("trained_episodes", artifact.TrainedEpisodes))

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	builder := metrics.NewBuilder(web3Client, metrics.Bounds{
		MaxFollowers:  cfg.Metrics.MaxFollowers,
		MaxPosts:      cfg.Metrics.MaxPosts,
		MaxEngagement: cfg.Metrics.MaxEngagement,
	}, cfg.Metrics.FetchRetries, cfg.Metrics.FetchBackoff())

	recommender, err := recommend.NewService(session, builder)
	if err != nil {
		return err
	}

	execOpts := executor.Options{
		MaxSubmitAttempts: cfg.Executor.MaxSubmitAttempts,
		ConfirmTimeout:    cfg.Executor.ConfirmTimeout(),
	}
	if cfg.Web3.RewardToken != "" {
		if !common.IsHexAddress(cfg.Web3.RewardToken) {
			return fmt.Errorf("配置的 reward_token_address 不合法: %q", cfg.Web3.RewardToken)
		}
		execOpts.RewardToken = common.HexToAddress(cfg.Web3.RewardToken)
	}
	if cfg.Executor.MaxRewardAmountWei != "" {
		amount, ok := new(big.Int).SetString(cfg.Executor.MaxRewardAmountWei, 10)
		if !ok {
			return fmt.Errorf("配置的 max_reward_amount_wei 不合法: %q", cfg.Executor.MaxRewardAmountWei)
		}
		execOpts.MaxRewardAmount = amount
	}
	exec, err := executor.New(web3Client, execOpts)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.History.DataDir, 0o755); err != nil {
		return err
	}

	var history mysql.HistoryRepository
	switch cfg.Storage.History.Driver {
	case "", "memory":
		repo, err := mysql.NewMemoryHistoryRepository(cfg.Storage.History.DataDir)
		if err != nil {
			return err
		}
		history = repo
	case "mysql":
		repo, err := mysql.NewSQLHistoryRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.History.DSN,
			MaxOpenConns:    cfg.Storage.History.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.History.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.History.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.History.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		history = repo
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", cfg.Storage.History.Driver)
	}
	defer func() {
		if history != nil {
			_ = history.Close()
		}
	}()

	var queue dispatch.Queue
	switch cfg.Dispatch.Driver {
	case "", "memory":
		queue = dispatch.NewMemoryQueue(1024)
	case "redis":
		q, err := dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:   cfg.Dispatch.Redis.Address,
			Password:  cfg.Dispatch.Redis.Password,
			DB:        cfg.Dispatch.Redis.DB,
			Queue:     cfg.Dispatch.Redis.Queue,
			BlockWait: time.Duration(cfg.Dispatch.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Dispatch.RabbitMQ.URL,
			Queue:      cfg.Dispatch.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Driver)
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭执行队列失败", slog.Any("error", err))
			}
		}
	}()

	actionLog := actionlog.New(cfg.Server.ActionLogCap)

	dispatcher, err := dispatch.NewDispatcher(exec, queue, history, actionLog,
		dispatch.WithWorkerCount(cfg.Dispatch.Worker))
	if err != nil {
		return err
	}

	dispatcherCtx, dispatcherCancel := context.WithCancel(ctx)
	defer dispatcherCancel()

	go func() {
		if err := dispatcher.Start(dispatcherCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("执行调度器异常退出", slog.Any("error", err))
		}
	}()

	var targetProvider targets.Provider
	if cfg.Targets.Source != "" {
		catalog, err := targets.Load(cfg.Targets.Source, cfg.Targets.MaxResults)
		if err != nil {
			return err
		}
		targetProvider = catalog
		logger.L().Info("目标档案目录已加载",
			slog.String("source", cfg.Targets.Source),
			slog.Int("size", catalog.Size()))
	}

	server := api.NewServer(cfg.Server.Address, recommender, exec, dispatcher, actionLog, profile, targetProvider)

	logger.L().Info("upagentd 启动",
		slog.String("address", cfg.Server.Address),
		slog.String("profile", profile.Hex()),
		slog.String("network", cfg.Web3.DefaultNetwork))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
