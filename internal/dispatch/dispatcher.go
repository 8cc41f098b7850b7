package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"UPAgent-Chain/internal/action"
	"UPAgent-Chain/internal/actionlog"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/executor"
	"UPAgent-Chain/internal/observability/alerting"
	obsmetrics "UPAgent-Chain/internal/observability/metrics"
	"UPAgent-Chain/internal/storage/mysql"
	"UPAgent-Chain/pkg/logger"

	"github.com/google/uuid"
)

// Runner 定义了调度器所需的执行能力。
type Runner interface {
	Execute(ctx context.Context, req action.Request) (executor.Result, error)
}

// pendingRequest 是已入队但尚未终态的执行请求。
type pendingRequest struct {
	req      action.Request
	requeues int
}

// Dispatcher 负责异步执行路径：接收请求、排队、消费并落库。
// 同档案冲突的请求会被重新排队而不是直接丢弃。
type Dispatcher struct {
	runner  Runner
	queue   Queue
	history mysql.HistoryRepository
	log     *actionlog.Log
	alerter alerting.Dispatcher

	workerCount  int
	maxRequeues  int
	requeueDelay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithMaxRequeues 设置冲突请求的最大重排队次数。
func WithMaxRequeues(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxRequeues = n
		}
	}
}

// WithRequeueDelay 设置冲突请求重新入队前的等待时长。
func WithRequeueDelay(delay time.Duration) Option {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.requeueDelay = delay
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// NewDispatcher 构造调度器。
func NewDispatcher(runner Runner, queue Queue, history mysql.HistoryRepository, log *actionlog.Log, opts ...Option) (*Dispatcher, error) {
	if runner == nil || queue == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "调度器缺少执行器或队列")
	}
	d := &Dispatcher{
		runner:       runner,
		queue:        queue,
		history:      history,
		log:          log,
		workerCount:  1,
		maxRequeues:  5,
		requeueDelay: 200 * time.Millisecond,
		pending:      make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Enqueue 将请求排入执行队列并返回请求 ID。请求在入队前完成校验，
// 非法请求不会占用队列。
func (d *Dispatcher) Enqueue(ctx context.Context, req action.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	d.mu.Lock()
	d.pending[requestID] = &pendingRequest{req: req}
	d.mu.Unlock()

	if err := d.queue.Publish(ctx, requestID); err != nil {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "执行请求入队失败")
	}
	logger.L().Info("执行请求已入队",
		slog.String("request_id", requestID),
		slog.String("action", action.NameOf(req.Action())),
		slog.String("profile", req.Profile().Hex()))
	return requestID, nil
}

// Start 启动消费循环，阻塞到上下文取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.queue.Consume(ctx, d.workerCount, d.handle)
}

// Pending 返回尚未到达终态的请求数，测试与监控用。
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) handle(ctx context.Context, requestID string) error {
	d.mu.Lock()
	entry, ok := d.pending[requestID]
	d.mu.Unlock()
	if !ok {
		logger.L().Debug("跳过未知的执行请求", slog.String("request_id", requestID))
		return nil
	}

	result, err := d.runner.Execute(ctx, entry.req)
	if err != nil && xerrors.CodeOf(err) == xerrors.CodeConflictingExecution {
		return d.requeue(ctx, requestID, entry, err)
	}

	d.mu.Lock()
	delete(d.pending, requestID)
	d.mu.Unlock()

	d.record(ctx, requestID, result)
	if err != nil && xerrors.ShouldAlert(err) {
		d.emitAlert(ctx, requestID, result, err)
	}
	return nil
}

// requeue 将冲突的请求重新排队，超出预算后按失败落库。
func (d *Dispatcher) requeue(ctx context.Context, requestID string, entry *pendingRequest, cause error) error {
	d.mu.Lock()
	entry.requeues++
	exhausted := entry.requeues > d.maxRequeues
	if exhausted {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()

	if exhausted {
		result := executor.Result{
			Action:     entry.req.Action(),
			ActionName: action.NameOf(entry.req.Action()),
			Profile:    entry.req.Profile(),
			State:      executor.StateFailed,
			Err:        cause.Error(),
			FinishedAt: time.Now(),
		}
		d.record(ctx, requestID, result)
		d.emitAlert(ctx, requestID, result, cause)
		return nil
	}

	// 冲突多半意味着同档案的前一笔执行还在确认中，等一拍再排队，
	// 避免重排预算在几微秒内被耗尽。
	if d.requeueDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.requeueDelay):
		}
	}

	if err := d.queue.Publish(ctx, requestID); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "冲突请求重新入队失败")
	}
	logger.L().Debug("冲突请求已重新排队",
		slog.String("request_id", requestID),
		slog.Int("requeues", entry.requeues))
	return nil
}

// record 将终态结果写入历史仓库与在线行为日志。
func (d *Dispatcher) record(ctx context.Context, requestID string, result executor.Result) {
	obsmetrics.ObserveExecution(result.ActionName, string(result.State))
	if d.log != nil {
		d.log.Append(result)
	}
	if d.history == nil {
		return
	}
	record := mysql.ExecutionRecord{
		RequestID:    requestID,
		ActionID:     int(result.Action),
		ActionName:   result.ActionName,
		Profile:      result.Profile.Hex(),
		State:        string(result.State),
		TxHash:       result.TxHash.Hex(),
		Attempts:     result.Attempts,
		RevertReason: result.RevertReason,
		Error:        result.Err,
		CreatedAt:    result.FinishedAt.Unix(),
	}
	if err := d.history.Save(ctx, record); err != nil {
		logger.L().Error("落库执行记录失败",
			slog.Any("error", err),
			slog.String("request_id", requestID))
	}
}

func (d *Dispatcher) emitAlert(ctx context.Context, requestID string, result executor.Result, cause error) {
	if d.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		RequestID:  requestID,
		Action:     result.ActionName,
		Profile:    result.Profile.Hex(),
		Attempts:   result.Attempts,
		OccurredAt: time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", requestID))
	}
}
