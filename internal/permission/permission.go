package permission

import (
	"encoding/binary"

	xerrors "UPAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LSP6 KeyManager 的数据键前缀。完整键 = 10 字节前缀 + 2 字节零 +
// 20 字节被授权地址。
var (
	permissionsPrefix  = common.Hex2Bytes("4b80742de2bf82acb3630000")
	allowedCallsPrefix = common.Hex2Bytes("4b80742de2bf393a64c70000")
)

// 权限位。与 KeyManager 的权限位图一致，授权值为各位的按位或。
const (
	PermSetData uint64 = 1 << 18
	PermCall    uint64 = 1 << 11
)

// anyInterfaceID 表示不限制目标合约的接口。
var anyInterfaceID = [4]byte{0xff, 0xff, 0xff, 0xff}

// callTypeCall 是 AllowedCalls 条目中的调用类型位图，只放开普通 CALL。
var callTypeCall = [4]byte{0x00, 0x00, 0x00, 0x02}

// CallTarget 描述一条被放行的合约调用：目标合约加函数签名。
// 写入授权条目的只有签名的 4 字节选择器，完整签名不落链。
type CallTarget struct {
	Contract  common.Address
	Signature string
}

// Selector 返回函数签名的 4 字节选择器。
func (c CallTarget) Selector() [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(c.Signature))[:4])
	return sel
}

// Batch 是一次 setDataBatch 调用的键值对。Keys 与 Values 等长对齐。
type Batch struct {
	Keys   [][32]byte
	Values [][]byte
}

// Grant 构造将 controller 授权为档案操作者所需的数据键值对。
// 同样的输入永远产出字节一致的结果，授权操作可安全重放。
// targets 为空时只授予 SETDATA，不产出 AllowedCalls 条目。
func Grant(controller common.Address, targets []CallTarget) (Batch, error) {
	if controller == (common.Address{}) {
		return Batch{}, xerrors.New(xerrors.CodeInvalidParameters, "被授权地址不能为空")
	}
	for _, target := range targets {
		if target.Contract == (common.Address{}) {
			return Batch{}, xerrors.New(xerrors.CodeInvalidParameters, "授权目标合约地址不能为空")
		}
		if target.Signature == "" {
			return Batch{}, xerrors.New(xerrors.CodeInvalidParameters, "授权目标缺少函数签名")
		}
	}

	perms := PermSetData
	if len(targets) > 0 {
		perms |= PermCall
	}

	batch := Batch{
		Keys:   [][32]byte{dataKey(permissionsPrefix, controller)},
		Values: [][]byte{permissionValue(perms)},
	}
	if len(targets) > 0 {
		batch.Keys = append(batch.Keys, dataKey(allowedCallsPrefix, controller))
		batch.Values = append(batch.Values, allowedCallsValue(targets))
	}
	return batch, nil
}

// dataKey 拼接 LSP6 数据键：前缀内已含 2 字节零填充。
func dataKey(prefix []byte, addr common.Address) [32]byte {
	var key [32]byte
	copy(key[:12], prefix)
	copy(key[12:], addr.Bytes())
	return key
}

// permissionValue 将权限位图编码为 32 字节大端值。
func permissionValue(perms uint64) []byte {
	value := make([]byte, 32)
	binary.BigEndian.PutUint64(value[24:], perms)
	return value
}

// allowedCallsValue 按 CompactBytesArray 格式编码放行列表。每个条目
// 32 字节：调用类型(4) + 合约地址(20) + 接口(4) + 选择器(4)，前置
// 2 字节长度。
func allowedCallsValue(targets []CallTarget) []byte {
	out := make([]byte, 0, len(targets)*34)
	for _, target := range targets {
		entry := make([]byte, 0, 32)
		entry = append(entry, callTypeCall[:]...)
		entry = append(entry, target.Contract.Bytes()...)
		entry = append(entry, anyInterfaceID[:]...)
		sel := target.Selector()
		entry = append(entry, sel[:]...)

		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(entry)))
		out = append(out, length[:]...)
		out = append(out, entry...)
	}
	return out
}
