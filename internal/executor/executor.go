package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"UPAgent-Chain/internal/action"
	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/web3"
	"UPAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// State 是执行请求的生命周期状态。状态只会单向推进：
// Validating → Submitted → Confirmed 或 Failed。
type State string

const (
	StateValidating State = "validating"
	StateSubmitted  State = "submitted"
	StateConfirmed  State = "confirmed"
	StateFailed     State = "failed"
)

// Result 汇总一次执行的最终结果。无论成败，每次执行都会产出一条
// 终态结果并写入行为日志。
type Result struct {
	Action       action.ID      `json:"action_id"`
	ActionName   string         `json:"action_name"`
	Profile      common.Address `json:"profile"`
	State        State          `json:"state"`
	TxHash       common.Hash    `json:"tx_hash"`
	Attempts     int            `json:"attempts"`
	RevertReason string         `json:"revert_reason,omitempty"`
	Err          string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// 档案存储写入与 LSP7 奖励转账的调用 ABI。
const (
	setDataBatchABI = `[{"inputs":[{"internalType":"bytes32[]","name":"dataKeys","type":"bytes32[]"},{"internalType":"bytes[]","name":"dataValues","type":"bytes[]"}],"name":"setDataBatch","outputs":[],"stateMutability":"payable","type":"function"}]`
	lsp7TransferABI = `[{"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bool","name":"force","type":"bool"},{"internalType":"bytes","name":"data","type":"bytes"}],"name":"transfer","outputs":[],"stateMutability":"nonpayable","type":"function"}]`
)

// followingPrefix 是关注关系数据键的 10 字节前缀，完整键为
// 前缀 + 2 字节零 + 被关注地址。同一目标的键恒定，重复关注幂等。
var followingPrefix = crypto.Keccak256([]byte("UPAgentFollowing"))[:10]

// postPrefix 是发布内容数据键的派生前缀。
var postPrefix = []byte("UPAgentPost:")

// Options 控制执行器的提交重试与确认参数。
type Options struct {
	MaxSubmitAttempts int
	ConfirmTimeout    time.Duration
	RewardToken       common.Address
	MaxRewardAmount   *big.Int
}

// Executor 将动作请求转换为链上交易并跟踪到终态。
// 同一档案地址上的执行互斥，后到者立刻拒绝而不是排队。
type Executor struct {
	sender  web3.TxSender
	opts    Options
	erc725y abi.ABI
	lsp7    abi.ABI

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

// New 构造执行器。奖励动作需要配置 RewardToken，否则会在校验阶段拒绝。
func New(sender web3.TxSender, opts Options) (*Executor, error) {
	if sender == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器缺少交易提交端")
	}
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = 3
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 90 * time.Second
	}
	erc725y, err := abi.JSON(strings.NewReader(setDataBatchABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析档案存储 ABI 失败")
	}
	lsp7, err := abi.JSON(strings.NewReader(lsp7TransferABI))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析代币 ABI 失败")
	}
	return &Executor{
		sender:  sender,
		opts:    opts,
		erc725y: erc725y,
		lsp7:    lsp7,
		locks:   make(map[common.Address]*sync.Mutex),
	}, nil
}

// profileLock 返回指定档案的互斥锁，按需创建。
func (e *Executor) profileLock(profile common.Address) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[profile]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[profile] = lock
	}
	return lock
}

// Execute 将请求推进到终态。校验失败返回 INVALID_PARAMETERS，
// 同档案并发返回 CONFLICTING_EXECUTION，两者都不产生链上交易。
func (e *Executor) Execute(ctx context.Context, req action.Request) (Result, error) {
	result := Result{
		Action:     req.Action(),
		ActionName: action.NameOf(req.Action()),
		Profile:    req.Profile(),
		State:      StateValidating,
		StartedAt:  time.Now(),
	}

	if err := req.Validate(); err != nil {
		return e.fail(result, err), err
	}
	calldata, to, err := e.buildCall(req)
	if err != nil {
		return e.fail(result, err), err
	}

	lock := e.profileLock(req.Profile())
	if !lock.TryLock() {
		err := xerrors.New(xerrors.CodeConflictingExecution,
			fmt.Sprintf("档案 %s 已有执行在途", req.Profile().Hex()))
		return e.fail(result, err), err
	}
	defer lock.Unlock()

	return e.submitAndConfirm(ctx, result, web3.SubmitRequest{To: to, Data: calldata})
}

// submitAndConfirm 在重试预算内提交交易并等待确认。确认超时视同
// 一次提交失败，消耗一次重试机会；链上回滚立即终止，不再重试。
func (e *Executor) submitAndConfirm(ctx context.Context, result Result, submit web3.SubmitRequest) (Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxSubmitAttempts; attempt++ {
		result.Attempts = attempt

		hash, err := e.sender.Submit(ctx, submit)
		if err != nil {
			lastErr = err
			logger.L().Warn("提交交易失败",
				slog.Int("attempt", attempt),
				slog.String("action", result.ActionName),
				slog.Any("error", err))
			continue
		}
		result.State = StateSubmitted
		result.TxHash = hash

		receipt, err := e.sender.WaitReceipt(ctx, hash, e.opts.ConfirmTimeout)
		if err != nil {
			lastErr = err
			logger.L().Warn("等待交易确认失败",
				slog.Int("attempt", attempt),
				slog.String("tx_hash", hash.Hex()),
				slog.Any("error", err))
			continue
		}

		if receipt.Status == 0 {
			err := xerrors.New(xerrors.CodeExecutionReverted,
				fmt.Sprintf("交易在链上回滚: %s", receipt.RevertReason))
			result.RevertReason = receipt.RevertReason
			return e.fail(result, err), err
		}
		return e.confirm(result), nil
	}

	err := xerrors.Wrap(xerrors.CodeSubmission, lastErr,
		fmt.Sprintf("交易在 %d 次尝试后仍未确认", result.Attempts))
	return e.fail(result, err), err
}

// buildCall 将请求编码为目标合约调用。发布与关注写入档案自身的
// ERC725Y 存储，奖励调用代币合约的 LSP7 转账。
func (e *Executor) buildCall(req action.Request) ([]byte, common.Address, error) {
	switch r := req.(type) {
	case action.PostRequest:
		key := postKey(r.ContentCID)
		data, err := e.erc725y.Pack("setDataBatch",
			[][32]byte{key}, [][]byte{[]byte(r.ContentCID)})
		if err != nil {
			return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidParameters, err, "编码发布调用失败")
		}
		return data, r.ProfileAddress, nil

	case action.FollowRequest:
		key := followKey(r.Target)
		data, err := e.erc725y.Pack("setDataBatch",
			[][32]byte{key}, [][]byte{{0x01}})
		if err != nil {
			return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidParameters, err, "编码关注调用失败")
		}
		return data, r.ProfileAddress, nil

	case action.RewardRequest:
		if e.opts.RewardToken == (common.Address{}) {
			return nil, common.Address{}, xerrors.New(xerrors.CodeInvalidParameters, "未配置奖励代币合约")
		}
		if e.opts.MaxRewardAmount != nil && r.Amount.Cmp(e.opts.MaxRewardAmount) > 0 {
			return nil, common.Address{}, xerrors.New(xerrors.CodeInvalidParameters,
				fmt.Sprintf("奖励金额超出上限 %s wei", e.opts.MaxRewardAmount.String()))
		}
		data, err := e.lsp7.Pack("transfer",
			r.ProfileAddress, r.Target, r.Amount, true, []byte{})
		if err != nil {
			return nil, common.Address{}, xerrors.Wrap(xerrors.CodeInvalidParameters, err, "编码奖励调用失败")
		}
		return data, e.opts.RewardToken, nil

	default:
		return nil, common.Address{}, xerrors.New(xerrors.CodeInvalidParameters, "不支持的请求类型")
	}
}

// postKey 由内容标识派生发布数据键。
func postKey(cid string) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256(append(postPrefix, []byte(cid)...)))
	return key
}

// followKey 由被关注地址派生关注数据键。
func followKey(target common.Address) [32]byte {
	var key [32]byte
	copy(key[:10], followingPrefix)
	copy(key[12:], target.Bytes())
	return key
}

// confirm 落定成功终态并写入行为日志。
func (e *Executor) confirm(result Result) Result {
	result.State = StateConfirmed
	result.FinishedAt = time.Now()
	e.journal(result)
	return result
}

// fail 落定失败终态并写入行为日志。
func (e *Executor) fail(result Result, err error) Result {
	result.State = StateFailed
	result.FinishedAt = time.Now()
	if err != nil {
		result.Err = err.Error()
	}
	e.journal(result)
	return result
}

// journal 为每次执行写入一条终态行为日志。
func (e *Executor) journal(result Result) {
	logger.Journal().Info("action executed",
		slog.Int("action_id", int(result.Action)),
		slog.String("action_name", result.ActionName),
		slog.String("profile", result.Profile.Hex()),
		slog.String("state", string(result.State)),
		slog.String("tx_hash", result.TxHash.Hex()),
		slog.Int("attempts", result.Attempts),
		slog.String("revert_reason", result.RevertReason),
		slog.String("error", result.Err))
}
