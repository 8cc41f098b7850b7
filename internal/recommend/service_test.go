package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/internal/policy"

	"github.com/ethereum/go-ethereum/common"
)

type fixedReader struct {
	raw metrics.Raw
	err error
}

func (f *fixedReader) ProfileMetrics(_ context.Context, _ common.Address) (metrics.Raw, error) {
	if f.err != nil {
		return metrics.Raw{}, f.err
	}
	return f.raw, nil
}

// favourAction 构造一张在所有状态下都偏向指定动作的策略表。
func favourAction(id int) *policy.Artifact {
	art := policy.NewArtifact(10)
	for s := 0; s < len(art.Values)/art.ActionDims; s++ {
		art.Values[s*art.ActionDims+id] = 1.0
	}
	return art
}

func TestRecommendFromLiveMetrics(t *testing.T) {
	// 原始指标 followers=2000 posts=100 engagement=0.025，
	// 归一化后为 {0.2, 0.1, 0.05}。
	reader := &fixedReader{raw: metrics.Raw{Followers: 2000, Posts: 100, EngagementRate: 0.025}}
	builder := metrics.NewBuilder(reader, metrics.DefaultBounds(), 1, time.Millisecond)
	session := policy.NewSessionWithSeed(favourAction(1), policy.EpsilonSchedule{}, 1)

	svc, err := NewService(session, builder)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	rec, err := svc.Recommend(context.Background(), common.Address{}, nil, false)
	if err != nil {
		t.Fatalf("recommend failed: %v", err)
	}
	if rec.ActionID != 1 || rec.ActionName != "Follow Profile" {
		t.Fatalf("expected Follow Profile, got %d %q", rec.ActionID, rec.ActionName)
	}
	want := metrics.Observation{0.2, 0.1, 0.05}
	if rec.Observation != want {
		t.Fatalf("observation mismatch: %v want %v", rec.Observation, want)
	}
}

func TestRecommendWithCallerMetricsSkipsFetch(t *testing.T) {
	reader := &fixedReader{err: errors.New("node offline")}
	builder := metrics.NewBuilder(reader, metrics.DefaultBounds(), 1, time.Millisecond)
	session := policy.NewSessionWithSeed(favourAction(2), policy.EpsilonSchedule{}, 1)

	svc, err := NewService(session, builder)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	raw := &metrics.Raw{Followers: 500, Posts: 40, EngagementRate: 0.2}
	rec, err := svc.Recommend(context.Background(), common.Address{}, raw, false)
	if err != nil {
		t.Fatalf("caller-supplied metrics should not hit the chain: %v", err)
	}
	if rec.ActionName != "Reward Follower" {
		t.Fatalf("expected Reward Follower, got %q", rec.ActionName)
	}
}

func TestRecommendPropagatesMetricsFailure(t *testing.T) {
	reader := &fixedReader{err: errors.New("node offline")}
	builder := metrics.NewBuilder(reader, metrics.DefaultBounds(), 2, time.Millisecond)
	session := policy.NewSessionWithSeed(favourAction(0), policy.EpsilonSchedule{}, 1)

	svc, err := NewService(session, builder)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	_, err = svc.Recommend(context.Background(), common.Address{}, nil, false)
	if xerrors.CodeOf(err) != xerrors.CodeMetricsUnavailable {
		t.Fatalf("expected metrics unavailable, got %v", err)
	}
}

func TestSwapReplacesPolicy(t *testing.T) {
	session := policy.NewSessionWithSeed(favourAction(0), policy.EpsilonSchedule{}, 1)
	svc, err := NewService(session, nil)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}

	raw := &metrics.Raw{Followers: 100, Posts: 10, EngagementRate: 0.01}
	rec, err := svc.Recommend(context.Background(), common.Address{}, raw, false)
	if err != nil || rec.ActionID != 0 {
		t.Fatalf("expected action 0 before swap, got %d err %v", rec.ActionID, err)
	}

	svc.Swap(policy.NewSessionWithSeed(favourAction(1), policy.EpsilonSchedule{}, 1))
	rec, err = svc.Recommend(context.Background(), common.Address{}, raw, false)
	if err != nil || rec.ActionID != 1 {
		t.Fatalf("expected action 1 after swap, got %d err %v", rec.ActionID, err)
	}
}

func TestNewServiceRequiresSession(t *testing.T) {
	if _, err := NewService(nil, nil); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("nil session must be rejected, got %v", err)
	}
}
