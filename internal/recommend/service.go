package recommend

import (
	"context"
	"sync/atomic"

	"UPAgent-Chain/internal/action"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/internal/policy"

	"github.com/ethereum/go-ethereum/common"
)

// Recommendation 是推荐接口的返回载荷。观测向量一并返回，便于调用方
// 审计推荐依据。
type Recommendation struct {
	ActionID        int                 `json:"action_id"`
	ActionName      string              `json:"action_name"`
	Observation     metrics.Observation `json:"observation"`
	TrainedEpisodes int                 `json:"trained_episodes"`
}

// Service 基于当前策略给出动作推荐。策略会话以原子指针持有，
// 热更新时整体替换，读取路径无锁。
type Service struct {
	session atomic.Pointer[policy.Session]
	builder *metrics.Builder
}

// NewService 构造推荐服务。session 不能为空：没有策略时服务不可用，
// 不存在随机降级。
func NewService(session *policy.Session, builder *metrics.Builder) (*Service, error) {
	if session == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "推荐服务缺少策略会话")
	}
	svc := &Service{builder: builder}
	svc.session.Store(session)
	return svc, nil
}

// Swap 原子替换服务中的策略会话，用于重训后的热更新。
func (s *Service) Swap(session *policy.Session) {
	if session != nil {
		s.session.Store(session)
	}
}

// Session 返回当前服务中的策略会话。
func (s *Service) Session() *policy.Session {
	return s.session.Load()
}

// Recommend 为指定档案给出动作推荐。raw 非空时直接使用调用方提供的
// 指标，跳过链上读取；否则通过指标构建器拉取实时快照。
func (s *Service) Recommend(ctx context.Context, profile common.Address, raw *metrics.Raw, explore bool) (Recommendation, error) {
	var obs metrics.Observation
	if raw != nil {
		obs = s.bounds().Normalize(*raw)
	} else {
		if s.builder == nil {
			return Recommendation{}, xerrors.New(xerrors.CodeMetricsUnavailable, "推荐服务未配置指标来源")
		}
		snapshot, err := s.builder.Snapshot(ctx, profile)
		if err != nil {
			return Recommendation{}, err
		}
		obs = snapshot
	}

	session := s.session.Load()
	id := session.SelectAction(obs, explore)
	return Recommendation{
		ActionID:        int(id),
		ActionName:      action.NameOf(id),
		Observation:     obs,
		TrainedEpisodes: session.Artifact().TrainedEpisodes,
	}, nil
}

func (s *Service) bounds() metrics.Bounds {
	if s.builder != nil {
		return s.builder.Bounds()
	}
	return metrics.DefaultBounds()
}
