package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	xerrors "UPAgent-Chain/internal/errors"
	"UPAgent-Chain/internal/metrics"
	"UPAgent-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc725yABI 只包含指标读取所需的查询接口。
const erc725yABI = `[{"inputs":[{"internalType":"bytes32[]","name":"dataKeys","type":"bytes32[]"}],"name":"getDataBatch","outputs":[{"internalType":"bytes[]","name":"dataValues","type":"bytes[]"}],"stateMutability":"view","type":"function"}]`

// 档案指标的 ERC725Y 数据键。互动率以万分数存储。
var (
	keyFollowers  = common.BytesToHash(crypto.Keccak256([]byte("UPAgentMetrics:FollowerCount")))
	keyPosts      = common.BytesToHash(crypto.Keccak256([]byte("UPAgentMetrics:PostCount")))
	keyEngagement = common.BytesToHash(crypto.Keccak256([]byte("UPAgentMetrics:EngagementRateBP")))
)

// engagementScale 是互动率的链上定点精度。
const engagementScale = 10000

// receiptPollInterval 是确认轮询的间隔。
const receiptPollInterval = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	KeyHex  string
	Notes   string
}

// Client implements the web3.Client interface for EVM compatible chains.
// All submitted transactions are signed locally with the agent key.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	sender    common.Address
	erc725y   abi.ABI
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置节点 RPC 地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.KeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供代理私钥")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "代理私钥格式不合法")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取链 ID 失败")
		}
	}

	parsed, err := abi.JSON(strings.NewReader(erc725yABI))
	if err != nil {
		rpcClient.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 ERC725Y ABI 失败")
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		chainID:   chainID,
		key:       key,
		sender:    crypto.PubkeyToAddress(key.PublicKey),
		erc725y:   parsed,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.eth = nil
	}
}

// Sender 返回代理签名地址。
func (c *Client) Sender() common.Address {
	return c.sender
}

// ChainID 返回客户端连接的链 ID。
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Submit 签名并广播一笔交易。每次调用都重新获取 nonce 与 gas 报价，
// 重复调用不会复用过期的取值。
func (c *Client) Submit(ctx context.Context, req web3.SubmitRequest) (common.Hash, error) {
	if c.eth == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeSubmission, "客户端已关闭")
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "获取 nonce 失败")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "获取 gas 报价失败")
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  c.sender,
		To:    &req.To,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "估算 gas 失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "签名交易失败")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeSubmission, err, "广播交易失败")
	}
	return signed.Hash(), nil
}

// WaitReceipt 轮询交易回执直到出块或超时。超时返回 TIMEOUT 错误，
// 交易此时可能仍在内存池中，由调用方决定如何处置。
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*web3.Receipt, error) {
	if c.eth == nil {
		return nil, xerrors.New(xerrors.CodeSubmission, "客户端已关闭")
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			out := &web3.Receipt{
				TxHash:      hash,
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}
			if receipt.Status == coretypes.ReceiptStatusFailed {
				out.RevertReason = c.revertReason(ctx, hash, receipt.BlockNumber)
			}
			return out, nil
		}

		if time.Now().After(deadline) {
			return nil, xerrors.New(xerrors.CodeTimeout, "等待交易确认超时")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认被取消")
		case <-ticker.C:
		}
	}
}

// revertReason 在交易所在区块上重放调用，尽力解码回滚原因。
// 解码失败不是错误，返回空串即可。
func (c *Client) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil || tx == nil || tx.To() == nil {
		return ""
	}
	result, err := c.eth.CallContract(ctx, gethcore.CallMsg{
		From:  c.sender,
		To:    tx.To(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if err != nil {
		if dataErr, ok := err.(interface{ ErrorData() interface{} }); ok {
			if encoded, ok := dataErr.ErrorData().(string); ok {
				if raw, decodeErr := hex.DecodeString(strings.TrimPrefix(encoded, "0x")); decodeErr == nil {
					if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
						return reason
					}
				}
			}
		}
		return ""
	}
	if reason, unpackErr := abi.UnpackRevert(result); unpackErr == nil {
		return reason
	}
	return ""
}

// ProfileMetrics 通过 getDataBatch 一次读出档案的三项指标。
// 缺失的数据键按零值处理，调用失败交由上层的重试逻辑兜底。
func (c *Client) ProfileMetrics(ctx context.Context, profile common.Address) (metrics.Raw, error) {
	if c.eth == nil {
		return metrics.Raw{}, xerrors.New(xerrors.CodeMetricsUnavailable, "客户端已关闭")
	}

	input, err := c.erc725y.Pack("getDataBatch", [][32]byte{keyFollowers, keyPosts, keyEngagement})
	if err != nil {
		return metrics.Raw{}, xerrors.Wrap(xerrors.CodeMetricsUnavailable, err, "编码指标查询失败")
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &profile, Data: input}, nil)
	if err != nil {
		return metrics.Raw{}, xerrors.Wrap(xerrors.CodeMetricsUnavailable, err, "读取档案指标失败")
	}

	unpacked, err := c.erc725y.Unpack("getDataBatch", output)
	if err != nil || len(unpacked) != 1 {
		return metrics.Raw{}, xerrors.Wrap(xerrors.CodeMetricsUnavailable, err, "解析档案指标失败")
	}
	values, ok := unpacked[0].([][]byte)
	if !ok || len(values) != 3 {
		return metrics.Raw{}, xerrors.New(xerrors.CodeMetricsUnavailable, "档案指标返回格式异常")
	}

	return metrics.Raw{
		Followers:      float64(decodeUint(values[0])),
		Posts:          float64(decodeUint(values[1])),
		EngagementRate: float64(decodeUint(values[2])) / engagementScale,
	}, nil
}

// decodeUint 将 ERC725Y 的原始字节解析为无符号整数，空值为零。
func decodeUint(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	return new(big.Int).SetBytes(raw).Uint64()
}
