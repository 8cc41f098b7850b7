package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 UPAgent 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Web3      Web3Config      `json:"web3"`
	Metrics   MetricsConfig   `json:"metrics"`
	Policy    PolicyConfig    `json:"policy"`
	Executor  ExecutorConfig  `json:"executor"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Storage   StorageConfig   `json:"storage"`
	Targets   TargetsConfig   `json:"targets"`
	Log       LogConfig       `json:"log"`
	TrainSink TrainSinkConfig `json:"train_sink"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address      string `json:"address"`
	ActionLogCap int    `json:"action_log_cap"`
}

// Web3Config 描述链上访问所需的节点与合约地址。
type Web3Config struct {
	Networks       []NetworkConfig `json:"networks"`
	DefaultNetwork string          `json:"default_network"`
	AgentKeyEnv    string          `json:"agent_key_env"`
	ProfileAddress string          `json:"profile_address"`
	RewardToken    string          `json:"reward_token_address"`
	BadgeToken     string          `json:"badge_token_address"`
}

// NetworkConfig 描述单个网络的 RPC 接入信息。
type NetworkConfig struct {
	Name    string `json:"name"`
	RPCURL  string `json:"rpc_url"`
	ChainID int64  `json:"chain_id"`
	Notes   string `json:"notes"`
}

// MetricsConfig 给出各项指标的归一化上界与读取重试参数。
type MetricsConfig struct {
	MaxFollowers     float64 `json:"max_followers"`
	MaxPosts         float64 `json:"max_posts"`
	MaxEngagement    float64 `json:"max_engagement_rate"`
	FetchRetries     int     `json:"fetch_retries"`
	FetchBackoffMS   int     `json:"fetch_backoff_ms"`
	FetchTimeoutSecs int     `json:"fetch_timeout_seconds"`
}

// PolicyConfig 描述策略文件位置与 DQN 训练超参数。
//
// 各超参数的作用：
//   - learning_rate: TD 更新的步长，越大收敛越快但越不稳定。
//   - discount: 折扣因子 γ，衡量未来奖励的权重。
//   - buffer_size: 经验回放池容量，满后淘汰最旧样本。
//   - batch_size: 每次更新采样的样本数量。
//   - train_every: 每隔多少步触发一次批量更新。
//   - epsilon_start/epsilon_floor/epsilon_decay: 探索率从起始值按 decay
//     系数单调衰减到下界，训练过程中只减不增。
//   - checkpoint_every: 每隔多少回合保存一次检查点。
type PolicyConfig struct {
	Path            string  `json:"path"`
	Bins            int     `json:"bins"`
	EpisodeLength   int     `json:"episode_length"`
	LearningRate    float64 `json:"learning_rate"`
	Discount        float64 `json:"discount"`
	BufferSize      int     `json:"buffer_size"`
	BatchSize       int     `json:"batch_size"`
	TrainEvery      int     `json:"train_every"`
	EpsilonStart    float64 `json:"epsilon_start"`
	EpsilonFloor    float64 `json:"epsilon_floor"`
	EpsilonDecay    float64 `json:"epsilon_decay"`
	CheckpointEvery int     `json:"checkpoint_every"`
}

// ExecutorConfig 控制交易提交的重试与确认超时。
type ExecutorConfig struct {
	MaxSubmitAttempts  int    `json:"max_submit_attempts"`
	ConfirmTimeoutSecs int    `json:"confirm_timeout_seconds"`
	MaxRewardAmountWei string `json:"max_reward_amount_wei"`
}

// DispatchConfig 描述异步执行队列的驱动与并发度。
type DispatchConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列连接参数。
type RedisQueueConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQQueueConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// StorageConfig 描述执行历史的落库方式。
type StorageConfig struct {
	History HistoryStoreConfig `json:"history"`
}

// HistoryStoreConfig 目前提供 JSONL 文件实现，可切换到 MySQL。
type HistoryStoreConfig struct {
	Driver                 string `json:"driver"`
	DataDir                string `json:"data_dir"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// TargetsConfig 描述候选目标档案目录的加载方式。
type TargetsConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// LogConfig 控制日志输出与行为日志轮转。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Journal     struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"journal"`
}

// TrainSinkConfig 描述训练指标的外部输出端。
type TrainSinkConfig struct {
	Driver string `json:"driver"`
	Redis  struct {
		Address  string `json:"address"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		Stream   string `json:"stream"`
	} `json:"redis"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8090"
	}
	if c.Server.ActionLogCap <= 0 {
		c.Server.ActionLogCap = 256
	}

	if c.Web3.AgentKeyEnv == "" {
		c.Web3.AgentKeyEnv = "UPAGENT_PRIVATE_KEY"
	}
	if c.Web3.DefaultNetwork == "" && len(c.Web3.Networks) > 0 {
		c.Web3.DefaultNetwork = c.Web3.Networks[0].Name
	}

	// 归一化上界沿用目标网络上经验观测到的量级。
	if c.Metrics.MaxFollowers <= 0 {
		c.Metrics.MaxFollowers = 10000
	}
	if c.Metrics.MaxPosts <= 0 {
		c.Metrics.MaxPosts = 1000
	}
	if c.Metrics.MaxEngagement <= 0 {
		c.Metrics.MaxEngagement = 0.5
	}
	if c.Metrics.FetchRetries <= 0 {
		c.Metrics.FetchRetries = 3
	}
	if c.Metrics.FetchBackoffMS <= 0 {
		c.Metrics.FetchBackoffMS = 200
	}
	if c.Metrics.FetchTimeoutSecs <= 0 {
		c.Metrics.FetchTimeoutSecs = 10
	}

	if c.Policy.Path == "" {
		c.Policy.Path = filepath.Join(baseDir, "policy", "engagement_policy.bin")
	} else if !filepath.IsAbs(c.Policy.Path) {
		c.Policy.Path = filepath.Join(baseDir, c.Policy.Path)
	}
	if c.Policy.Bins <= 0 {
		c.Policy.Bins = 10
	}
	if c.Policy.EpisodeLength <= 0 {
		c.Policy.EpisodeLength = 100
	}
	if c.Policy.LearningRate <= 0 {
		c.Policy.LearningRate = 0.1
	}
	if c.Policy.Discount <= 0 {
		c.Policy.Discount = 0.99
	}
	if c.Policy.BufferSize <= 0 {
		c.Policy.BufferSize = 50000
	}
	if c.Policy.BatchSize <= 0 {
		c.Policy.BatchSize = 32
	}
	if c.Policy.TrainEvery <= 0 {
		c.Policy.TrainEvery = 4
	}
	if c.Policy.EpsilonStart <= 0 {
		c.Policy.EpsilonStart = 1.0
	}
	if c.Policy.EpsilonFloor <= 0 {
		c.Policy.EpsilonFloor = 0.05
	}
	if c.Policy.EpsilonDecay <= 0 || c.Policy.EpsilonDecay >= 1 {
		c.Policy.EpsilonDecay = 0.995
	}
	if c.Policy.CheckpointEvery <= 0 {
		c.Policy.CheckpointEvery = 50
	}

	if c.Executor.MaxSubmitAttempts <= 0 {
		c.Executor.MaxSubmitAttempts = 3
	}
	if c.Executor.ConfirmTimeoutSecs <= 0 {
		c.Executor.ConfirmTimeoutSecs = 90
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = "memory"
	}
	if c.Dispatch.Worker <= 0 {
		c.Dispatch.Worker = 1
	}

	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.History.DataDir == "" {
		c.Storage.History.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Storage.History.DataDir) {
		c.Storage.History.DataDir = filepath.Join(baseDir, c.Storage.History.DataDir)
	}

	if c.Targets.Source != "" && !filepath.IsAbs(c.Targets.Source) {
		c.Targets.Source = filepath.Join(baseDir, c.Targets.Source)
	}
	if c.Targets.MaxResults <= 0 {
		c.Targets.MaxResults = 3
	}

	if c.TrainSink.Driver == "" {
		c.TrainSink.Driver = "log"
	}
}

// ConfirmTimeout 返回交易确认等待时长。
func (c ExecutorConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSecs) * time.Second
}

// FetchBackoff 返回指标读取的重试间隔。
func (c MetricsConfig) FetchBackoff() time.Duration {
	return time.Duration(c.FetchBackoffMS) * time.Millisecond
}

// FetchTimeout 返回单次指标读取的超时时长。
func (c MetricsConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}
