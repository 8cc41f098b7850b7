package action

import (
	"math/big"
	"strings"

	xerrors "UPAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// ID 是动作的序号标识，与策略网络的输出位一一对应。
type ID int

const (
	// Post 在档案上写入一条新内容。
	Post ID = 0
	// Follow 在档案上记录一条关注关系。
	Follow ID = 1
	// Reward 向目标地址转出奖励代币。
	Reward ID = 2

	// Count 是动作空间的大小。
	Count = 3
)

// Param 是动作参数词汇表中的合法参数名。
type Param string

const (
	ParamContent Param = "content"
	ParamTarget  Param = "target"
	ParamAmount  Param = "amount"
)

// Spec 描述一个动作的展示名与必填参数集合。
type Spec struct {
	ID     ID
	Name   string
	Params []Param
}

var specs = [Count]Spec{
	{ID: Post, Name: "Make Post", Params: []Param{ParamContent}},
	{ID: Follow, Name: "Follow Profile", Params: []Param{ParamTarget}},
	{ID: Reward, Name: "Reward Follower", Params: []Param{ParamTarget, ParamAmount}},
}

// Specs 返回固定的动作表。
func Specs() [Count]Spec {
	return specs
}

// SpecOf 返回指定动作的描述。
func SpecOf(id ID) (Spec, bool) {
	if !id.Valid() {
		return Spec{}, false
	}
	return specs[id], true
}

// NameOf 返回动作的展示名，未知动作返回空串。
func NameOf(id ID) string {
	if spec, ok := SpecOf(id); ok {
		return spec.Name
	}
	return ""
}

// Valid 判断动作序号是否在动作空间内。
func (id ID) Valid() bool {
	return id >= 0 && id < Count
}

// Request 是一次动作执行请求。每个变体只携带自己必需的参数，
// 并在提交前完成本地校验。
type Request interface {
	Action() ID
	Profile() common.Address
	Validate() error
}

// PostRequest 在档案存储中写入一条内容标识。
type PostRequest struct {
	ProfileAddress common.Address
	ContentCID     string
}

// Action 返回动作序号。
func (r PostRequest) Action() ID { return Post }

// Profile 返回发起档案地址。
func (r PostRequest) Profile() common.Address { return r.ProfileAddress }

// Validate 校验发布内容参数。
func (r PostRequest) Validate() error {
	if r.ProfileAddress == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidParameters, "档案地址不能为空")
	}
	if strings.TrimSpace(r.ContentCID) == "" {
		return xerrors.New(xerrors.CodeInvalidParameters, "发布内容标识不能为空")
	}
	return nil
}

// FollowRequest 记录一条关注关系。
type FollowRequest struct {
	ProfileAddress common.Address
	Target         common.Address
}

// Action 返回动作序号。
func (r FollowRequest) Action() ID { return Follow }

// Profile 返回发起档案地址。
func (r FollowRequest) Profile() common.Address { return r.ProfileAddress }

// Validate 校验关注目标参数。
func (r FollowRequest) Validate() error {
	if r.ProfileAddress == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidParameters, "档案地址不能为空")
	}
	if r.Target == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidParameters, "关注目标地址不能为空")
	}
	return nil
}

// RewardRequest 向目标地址转出奖励代币。
type RewardRequest struct {
	ProfileAddress common.Address
	Target         common.Address
	Amount         *big.Int
}

// Action 返回动作序号。
func (r RewardRequest) Action() ID { return Reward }

// Profile 返回发起档案地址。
func (r RewardRequest) Profile() common.Address { return r.ProfileAddress }

// Validate 校验奖励参数。金额必须是正整数。
func (r RewardRequest) Validate() error {
	if r.ProfileAddress == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidParameters, "档案地址不能为空")
	}
	if r.Target == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidParameters, "奖励目标地址不能为空")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidParameters, "奖励金额必须为正整数")
	}
	return nil
}

// Params 汇总了构造请求所需的原始参数，来自 API 层的松散输入。
type Params struct {
	Profile    string
	Target     string
	ContentCID string
	AmountWei  string
}

// Build 根据动作序号与原始参数构造具体的请求变体。
// 地址必须是合法的十六进制地址，金额必须是十进制正整数。
func Build(id ID, p Params) (Request, error) {
	if !id.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidParameters, "未知的动作序号")
	}
	if !common.IsHexAddress(p.Profile) {
		return nil, xerrors.New(xerrors.CodeInvalidParameters, "档案地址格式不合法")
	}
	profile := common.HexToAddress(p.Profile)

	switch id {
	case Post:
		return PostRequest{ProfileAddress: profile, ContentCID: strings.TrimSpace(p.ContentCID)}, nil
	case Follow:
		if !common.IsHexAddress(p.Target) {
			return nil, xerrors.New(xerrors.CodeInvalidParameters, "关注目标地址格式不合法")
		}
		return FollowRequest{ProfileAddress: profile, Target: common.HexToAddress(p.Target)}, nil
	case Reward:
		if !common.IsHexAddress(p.Target) {
			return nil, xerrors.New(xerrors.CodeInvalidParameters, "奖励目标地址格式不合法")
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(p.AmountWei), 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidParameters, "奖励金额必须为十进制整数")
		}
		return RewardRequest{
			ProfileAddress: profile,
			Target:         common.HexToAddress(p.Target),
			Amount:         amount,
		}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidParameters, "未知的动作序号")
	}
}
