package env

import (
	"context"
	"math/rand"
	"time"

	"UPAgent-Chain/internal/action"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
)

// Mode 区分环境的两种运行形态。
type Mode int

const (
	// Simulation 使用合成转移模型推演指标变化，不触链，用于训练。
	Simulation Mode = iota
	// Live 将动作真正提交上链，奖励来自前后两次观测的指标变化。
	Live
)

// PerformFunc 在 Live 模式下执行选定的动作。执行器的细节对环境不可见。
type PerformFunc func(ctx context.Context, id action.ID) error

// StepResult 汇总一步交互的结果。Live 模式下指标读取失败时
// Observation 保持上一次的值，错误通过 Err 字段带出而不是抛出，
// 是否重试或终止回合由调用方决定。
type StepResult struct {
	Observation metrics.Observation
	Reward      float64
	Done        bool
	Executed    bool
	Err         string
}

// Environment 实现 reset/step 形式的决策环境。动作空间固定为 3 个
// 离散动作，观测空间为 [0,1]^3。回合只因步数耗尽而结束，链上状态
// 没有天然的终止态。
type Environment struct {
	mode       Mode
	profile    common.Address
	builder    *metrics.Builder
	perform    PerformFunc
	bounds     metrics.Bounds
	episodeLen int
	rng        *rand.Rand

	step    int
	history []action.ID
	sim     metrics.Raw
	state   metrics.Observation
}

// historyWindow 是防刷屏惩罚回看的动作条数。
const historyWindow = 10

// successBonus / failurePenalty 叠加在指标变化奖励上。
const (
	successBonus   = 0.2
	failurePenalty = 0.25
)

// NewSimulation 创建训练用的模拟环境。
func NewSimulation(bounds metrics.Bounds, episodeLen int, seed int64) *Environment {
	if episodeLen <= 0 {
		episodeLen = 100
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Environment{
		mode:       Simulation,
		bounds:     bounds,
		episodeLen: episodeLen,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NewLive 创建对接真实链的环境。
func NewLive(builder *metrics.Builder, perform PerformFunc, profile common.Address, episodeLen int) *Environment {
	if episodeLen <= 0 {
		episodeLen = 100
	}
	return &Environment{
		mode:       Live,
		profile:    profile,
		builder:    builder,
		perform:    perform,
		bounds:     builder.Bounds(),
		episodeLen: episodeLen,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reset 开始新回合并返回初始观测。
func (e *Environment) Reset(ctx context.Context) (metrics.Observation, error) {
	e.step = 0
	e.history = e.history[:0]

	if e.mode == Live {
		obs, err := e.builder.Snapshot(ctx, e.profile)
		if err != nil {
			return metrics.Observation{}, err
		}
		e.state = obs
		return obs, nil
	}

	// 模拟模式下以随机量级初始化档案指标。上界折半后至少为 1，
	// 极小的归一化上界不会让随机初始化越界崩溃。
	e.sim = metrics.Raw{
		Followers:      float64(10 + e.rng.Intn(max(int(e.bounds.MaxFollowers)/2, 1))),
		Posts:          float64(5 + e.rng.Intn(max(int(e.bounds.MaxPosts)/2, 1))),
		EngagementRate: 0.01 + e.rng.Float64()*(e.bounds.MaxEngagement/2-0.01),
	}
	e.state = e.bounds.Normalize(e.sim)
	return e.state, nil
}

// Step 执行一个动作并返回新观测、奖励与回合结束标记。
func (e *Environment) Step(ctx context.Context, id action.ID) (StepResult, error) {
	if !id.Valid() {
		return StepResult{}, xerrors.New(xerrors.CodeInvalidParameters, "动作序号超出动作空间")
	}
	e.step++
	defer e.recordHistory(id)

	if e.mode == Live {
		return e.stepLive(ctx, id), nil
	}
	return e.stepSimulated(id), nil
}

// stepLive 提交动作并以互动率变化作为奖励。指标读取失败不会向上
// 抛错：返回上一观测并在结果中携带错误信息。
func (e *Environment) stepLive(ctx context.Context, id action.ID) StepResult {
	pre := e.state
	result := StepResult{Observation: pre, Done: e.step >= e.episodeLen}

	execErr := e.perform(ctx, id)
	if execErr != nil {
		result.Reward -= failurePenalty
		result.Err = execErr.Error()
	} else {
		result.Executed = true
		result.Reward += successBonus
	}

	post, err := e.builder.Snapshot(ctx, e.profile)
	if err != nil {
		if result.Err == "" {
			result.Err = err.Error()
		}
		return result
	}

	result.Observation = post
	result.Reward += post[2] - pre[2]
	e.state = post
	return result
}

// stepSimulated 应用合成转移模型。各动作的期望收益近似真实环境中
// 的经验效果：发帖小幅提升互动、关注带来少量回关概率、奖励在互动
// 活跃时提升粘性。
func (e *Environment) stepSimulated(id action.ID) StepResult {
	const actionCost = 0.05
	reward := 0.0

	switch id {
	case action.Post:
		e.sim.Posts++
		reward += 0.1
		if e.sim.EngagementRate > 0.05 {
			reward += e.rng.Float64() * 0.2
		}
	case action.Follow:
		reward += 0.05
		if e.rng.Float64() < 0.2 {
			reward += e.rng.Float64() * 0.15
		}
		e.sim.Followers += float64(e.rng.Intn(2))
	case action.Reward:
		if e.sim.EngagementRate > 0.03 {
			reward += 0.1 + e.rng.Float64()*0.2
		} else {
			reward -= 0.05
		}
		e.sim.EngagementRate *= 1.0 + e.rng.Float64()*0.05
	}

	// 连续重复同一动作会被惩罚。
	if n := len(e.history); n >= 2 && e.history[n-1] == id && e.history[n-2] == id {
		reward -= 0.1
	}
	reward -= actionCost

	// 指标的自然波动。
	e.sim.Followers += float64(e.rng.Intn(4) - 1)
	if e.sim.Followers < 0 {
		e.sim.Followers = 0
	}
	e.sim.EngagementRate *= 0.98 + e.rng.Float64()*0.04
	if e.sim.EngagementRate > e.bounds.MaxEngagement {
		e.sim.EngagementRate = e.bounds.MaxEngagement
	}
	if e.sim.EngagementRate < 0 {
		e.sim.EngagementRate = 0
	}

	e.state = e.bounds.Normalize(e.sim)
	return StepResult{
		Observation: e.state,
		Reward:      reward,
		Done:        e.step >= e.episodeLen,
		Executed:    true,
	}
}

func (e *Environment) recordHistory(id action.ID) {
	e.history = append(e.history, id)
	if len(e.history) > historyWindow {
		e.history = e.history[1:]
	}
}

// EpisodeLength 返回回合步数上限。
func (e *Environment) EpisodeLength() int {
	return e.episodeLen
}
