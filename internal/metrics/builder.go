package metrics

import (
	"context"
	"time"

	xerrors "UPAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// ObservationDim 是观测向量的维度数。
const ObservationDim = 3

// Observation 是归一化后的观测向量，每个维度均被钳制在 [0,1]。
// 维度依次为：关注者数、发帖数、互动率。
type Observation [ObservationDim]float64

// Raw 是从链上读出的原始档案指标。
type Raw struct {
	Followers      float64 `json:"followers"`
	Posts          float64 `json:"posts"`
	EngagementRate float64 `json:"engagement_rate"`
}

// Bounds 定义每个指标的归一化上界。越界的值被钳制而不是拒绝。
type Bounds struct {
	MaxFollowers  float64
	MaxPosts      float64
	MaxEngagement float64
}

// DefaultBounds 返回目标网络上经验观测到的量级。
func DefaultBounds() Bounds {
	return Bounds{MaxFollowers: 10000, MaxPosts: 1000, MaxEngagement: 0.5}
}

// Normalize 将原始指标映射为 [0,1]^3 的观测向量。
func (b Bounds) Normalize(raw Raw) Observation {
	return Observation{
		clamp01(safeDiv(raw.Followers, b.MaxFollowers)),
		clamp01(safeDiv(raw.Posts, b.MaxPosts)),
		clamp01(safeDiv(raw.EngagementRate, b.MaxEngagement)),
	}
}

func safeDiv(value, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return value / max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Reader 抽象了原始指标的读取来源，生产实现走链上数据键，
// 测试用内存桩替代。
type Reader interface {
	ProfileMetrics(ctx context.Context, profile common.Address) (Raw, error)
}

// Builder 在每次推荐请求时构造一份新鲜的观测向量。观测不做缓存，
// 数据时效由调用频率决定。
type Builder struct {
	reader  Reader
	bounds  Bounds
	retries int
	backoff time.Duration
}

// NewBuilder 构造指标构建器。retries 是读取失败后的总尝试次数上限。
func NewBuilder(reader Reader, bounds Bounds, retries int, backoff time.Duration) *Builder {
	if retries <= 0 {
		retries = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Builder{reader: reader, bounds: bounds, retries: retries, backoff: backoff}
}

// Bounds 返回构建器使用的归一化上界。
func (b *Builder) Bounds() Bounds {
	return b.bounds
}

// Snapshot 读取档案的实时指标并归一化。读取在重试预算内失败后
// 返回 METRICS_UNAVAILABLE，不会合成降级数据。
func (b *Builder) Snapshot(ctx context.Context, profile common.Address) (Observation, error) {
	if b == nil || b.reader == nil {
		return Observation{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置指标读取源")
	}

	var lastErr error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Observation{}, xerrors.Wrap(xerrors.CodeMetricsUnavailable, ctx.Err(), "读取档案指标被取消")
			case <-time.After(b.backoff):
			}
		}
		raw, err := b.reader.ProfileMetrics(ctx, profile)
		if err == nil {
			return b.bounds.Normalize(raw), nil
		}
		lastErr = err
	}
	return Observation{}, xerrors.Wrap(xerrors.CodeMetricsUnavailable, lastErr, "读取档案指标失败")
}
