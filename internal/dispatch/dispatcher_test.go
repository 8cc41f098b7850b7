package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"UPAgent-Chain/internal/action"
	"UPAgent-Chain/internal/actionlog"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/executor"
	"UPAgent-Chain/internal/storage/mysql"

	"github.com/ethereum/go-ethereum/common"
)

var testProfile = common.HexToAddress("0x1111111111111111111111111111111111111111")

// scriptedRunner 先返回指定次数的冲突，之后按脚本成功或失败。
type scriptedRunner struct {
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (r *scriptedRunner) Execute(_ context.Context, req action.Request) (executor.Result, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()

	result := executor.Result{
		Action:     req.Action(),
		ActionName: action.NameOf(req.Action()),
		Profile:    req.Profile(),
		FinishedAt: time.Now(),
	}
	if n <= r.conflicts {
		result.State = executor.StateFailed
		return result, xerrors.New(xerrors.CodeConflictingExecution, "档案已有执行在途")
	}
	result.State = executor.StateConfirmed
	result.TxHash = common.HexToHash("0x02")
	return result, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestDispatcherExecutesQueuedRequest(t *testing.T) {
	runner := &scriptedRunner{}
	queue := NewMemoryQueue(16)
	history, err := mysql.NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history setup failed: %v", err)
	}
	log := actionlog.New(16)

	d, err := NewDispatcher(runner, queue, history, log)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	id, err := d.Enqueue(ctx, action.PostRequest{ProfileAddress: testProfile, ContentCID: "QmX"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected request id")
	}

	waitFor(t, func() bool { return d.Pending() == 0 })

	records, err := history.ListLatest(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one history record, got %d err %v", len(records), err)
	}
	if records[0].RequestID != id || records[0].State != string(executor.StateConfirmed) {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if log.Len() != 1 {
		t.Fatalf("expected one action log entry, got %d", log.Len())
	}
}

func TestDispatcherRejectsInvalidRequest(t *testing.T) {
	d, err := NewDispatcher(&scriptedRunner{}, NewMemoryQueue(4), nil, nil)
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}
	_, err = d.Enqueue(context.Background(), action.FollowRequest{ProfileAddress: testProfile})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidParameters {
		t.Fatalf("invalid request should be rejected before queueing, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("rejected request must not stay pending")
	}
}

func TestDispatcherRequeuesOnConflict(t *testing.T) {
	runner := &scriptedRunner{conflicts: 2}
	queue := NewMemoryQueue(16)
	history, err := mysql.NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history setup failed: %v", err)
	}

	d, err := NewDispatcher(runner, queue, history, nil,
		WithMaxRequeues(5), WithRequeueDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	if _, err := d.Enqueue(ctx, action.PostRequest{ProfileAddress: testProfile, ContentCID: "QmY"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return d.Pending() == 0 })

	// 两次冲突后第三次执行成功。
	if runner.calls != 3 {
		t.Fatalf("expected 3 execution attempts, got %d", runner.calls)
	}
	records, err := history.ListLatest(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %d err %v", len(records), err)
	}
	if records[0].State != string(executor.StateConfirmed) {
		t.Fatalf("expected eventual confirmation, got %s", records[0].State)
	}
}

func TestDispatcherWaitsBetweenRequeues(t *testing.T) {
	runner := &scriptedRunner{conflicts: 2}
	queue := NewMemoryQueue(16)
	history, err := mysql.NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history setup failed: %v", err)
	}

	delay := 30 * time.Millisecond
	d, err := NewDispatcher(runner, queue, history, nil,
		WithMaxRequeues(5), WithRequeueDelay(delay))
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	start := time.Now()
	if _, err := d.Enqueue(ctx, action.PostRequest{ProfileAddress: testProfile, ContentCID: "QmW"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return d.Pending() == 0 })

	// 两次冲突各等待一拍，耗时必须覆盖两个延迟周期。
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Fatalf("requeues happened too fast: %v", elapsed)
	}
	records, err := history.ListLatest(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %d err %v", len(records), err)
	}
	if records[0].State != string(executor.StateConfirmed) {
		t.Fatalf("expected eventual confirmation, got %s", records[0].State)
	}
}

func TestDispatcherGivesUpAfterRequeueBudget(t *testing.T) {
	runner := &scriptedRunner{conflicts: 100}
	queue := NewMemoryQueue(16)
	history, err := mysql.NewMemoryHistoryRepository(t.TempDir())
	if err != nil {
		t.Fatalf("history setup failed: %v", err)
	}

	d, err := NewDispatcher(runner, queue, history, nil,
		WithMaxRequeues(2), WithRequeueDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("new dispatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	if _, err := d.Enqueue(ctx, action.PostRequest{ProfileAddress: testProfile, ContentCID: "QmZ"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitFor(t, func() bool { return d.Pending() == 0 })

	records, err := history.ListLatest(ctx, 1)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %d err %v", len(records), err)
	}
	if records[0].State != string(executor.StateFailed) {
		t.Fatalf("exhausted request should be recorded as failed, got %s", records[0].State)
	}
}
