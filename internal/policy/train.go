package policy

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"UPAgent-Chain/internal/action"
	"UPAgent-Chain/internal/env"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/pkg/logger"
)

// Hyperparams 汇总训练超参数。各项作用见配置文档。
type Hyperparams struct {
	LearningRate    float64
	Discount        float64
	BufferSize      int
	BatchSize       int
	TrainEvery      int
	CheckpointEvery int
	Epsilon         EpsilonSchedule
}

// EpisodeStats 是单个回合的训练指标，供外部观测端消费。
type EpisodeStats struct {
	Episode     int     `json:"episode"`
	Steps       int     `json:"steps"`
	TotalReward float64 `json:"total_reward"`
	Epsilon     float64 `json:"epsilon"`
	ElapsedMS   int64   `json:"elapsed_ms"`
}

// Sink 接收训练过程指标。输出格式由实现决定。
type Sink interface {
	RecordEpisode(ctx context.Context, stats EpisodeStats) error
}

// transition 是经验回放池中的一条样本。
type transition struct {
	state  metrics.Observation
	act    action.ID
	reward float64
	next   metrics.Observation
	done   bool
}

// Trainer 在模拟环境上离线训练价值函数。训练在回合边界响应取消，
// 每个检查点之间最多丢失 CheckpointEvery 个回合的进度。
type Trainer struct {
	env     *env.Environment
	art     *Artifact
	hp      Hyperparams
	path    string
	sink    Sink
	rng     *rand.Rand
	buffer  []transition
	next    int
	full    bool
	epsilon float64
}

// NewTrainer 构造训练器。art 可以是零初始化的新表，也可以是已有
// 策略的续训副本。path 是检查点与最终产物的写入位置。
func NewTrainer(environment *env.Environment, art *Artifact, hp Hyperparams, path string, sink Sink) *Trainer {
	if hp.LearningRate <= 0 {
		hp.LearningRate = 0.1
	}
	if hp.Discount <= 0 {
		hp.Discount = 0.99
	}
	if hp.BufferSize <= 0 {
		hp.BufferSize = 50000
	}
	if hp.BatchSize <= 0 {
		hp.BatchSize = 32
	}
	if hp.TrainEvery <= 0 {
		hp.TrainEvery = 4
	}
	if hp.CheckpointEvery <= 0 {
		hp.CheckpointEvery = 50
	}
	if hp.Epsilon.Start <= 0 {
		hp.Epsilon.Start = 1.0
	}
	if hp.Epsilon.Floor <= 0 {
		hp.Epsilon.Floor = 0.05
	}
	if hp.Epsilon.Decay <= 0 || hp.Epsilon.Decay >= 1 {
		hp.Epsilon.Decay = 0.995
	}
	return &Trainer{
		env:     environment,
		art:     art,
		hp:      hp,
		path:    path,
		sink:    sink,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		buffer:  make([]transition, 0, hp.BufferSize),
		epsilon: hp.Epsilon.Start,
	}
}

// Seed 重置训练器内部随机源，便于可复现实验。
func (t *Trainer) Seed(seed int64) {
	t.rng = rand.New(rand.NewSource(seed))
}

// Train 运行指定数量的回合并返回更新后的策略。取消发生在回合之间，
// 已保存的检查点不受影响。
func (t *Trainer) Train(ctx context.Context, episodes int) (*Artifact, error) {
	if t.env == nil || t.art == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "训练器未初始化")
	}

	for ep := 1; ep <= episodes; ep++ {
		select {
		case <-ctx.Done():
			logger.L().Warn("训练在回合边界被取消",
				slog.Int("completed_episodes", ep-1))
			return t.art, ctx.Err()
		default:
		}

		stats, err := t.runEpisode(ctx, ep)
		if err != nil {
			return t.art, err
		}
		t.art.TrainedEpisodes++

		if t.sink != nil {
			if err := t.sink.RecordEpisode(ctx, stats); err != nil {
				logger.L().Warn("写入训练指标失败", slog.Any("error", err))
			}
		}

		if ep%t.hp.CheckpointEvery == 0 && t.path != "" {
			if err := t.art.Save(t.path); err != nil {
				return t.art, err
			}
			logger.L().Info("已保存训练检查点",
				slog.Int("episode", ep),
				slog.Float64("epsilon", t.epsilon))
		}
	}

	if t.path != "" {
		if err := t.art.Save(t.path); err != nil {
			return t.art, err
		}
	}
	return t.art, nil
}

func (t *Trainer) runEpisode(ctx context.Context, episode int) (EpisodeStats, error) {
	start := time.Now()
	obs, err := t.env.Reset(ctx)
	if err != nil {
		return EpisodeStats{}, err
	}

	stats := EpisodeStats{Episode: episode}
	for {
		act := t.selectExploratory(obs)
		result, err := t.env.Step(ctx, act)
		if err != nil {
			return stats, err
		}

		t.remember(transition{
			state:  obs,
			act:    act,
			reward: result.Reward,
			next:   result.Observation,
			done:   result.Done,
		})
		stats.Steps++
		stats.TotalReward += result.Reward

		if stats.Steps%t.hp.TrainEvery == 0 {
			t.replayUpdate()
		}

		obs = result.Observation
		if result.Done {
			break
		}
	}

	stats.Epsilon = t.epsilon
	stats.ElapsedMS = time.Since(start).Milliseconds()
	return stats, nil
}

// selectExploratory 执行 ε-greedy 选择并使探索率单调衰减。
func (t *Trainer) selectExploratory(obs metrics.Observation) action.ID {
	eps := t.epsilon
	next := eps * t.hp.Epsilon.Decay
	if next < t.hp.Epsilon.Floor {
		next = t.hp.Epsilon.Floor
	}
	t.epsilon = next

	if t.rng.Float64() < eps {
		return action.ID(t.rng.Intn(action.Count))
	}
	return t.art.greedy(obs)
}

// remember 将样本写入环形回放池，池满后覆盖最旧样本。
func (t *Trainer) remember(tr transition) {
	if len(t.buffer) < t.hp.BufferSize {
		t.buffer = append(t.buffer, tr)
		return
	}
	t.buffer[t.next] = tr
	t.next = (t.next + 1) % t.hp.BufferSize
	t.full = true
}

// replayUpdate 从回放池采样一批样本并做 TD(0) 更新：
// q(s,a) ← q(s,a) + α·(r + γ·max_a' q(s',a') − q(s,a))。
func (t *Trainer) replayUpdate() {
	n := len(t.buffer)
	if n == 0 {
		return
	}
	batch := t.hp.BatchSize
	if batch > n {
		batch = n
	}
	for i := 0; i < batch; i++ {
		tr := t.buffer[t.rng.Intn(n)]
		idx := t.art.stateIndex(tr.state)*t.art.ActionDims + int(tr.act)

		target := tr.reward
		if !tr.done {
			best := t.art.Value(tr.next, t.art.greedy(tr.next))
			target += t.hp.Discount * best
		}
		t.art.Values[idx] += t.hp.LearningRate * (target - t.art.Values[idx])
	}
}

// Epsilon 返回当前探索率，测试用。
func (t *Trainer) Epsilon() float64 {
	return t.epsilon
}
