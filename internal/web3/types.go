package web3

import (
	"context"
	"math/big"
	"time"

	"UPAgent-Chain/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
)

// SubmitRequest carries one prepared contract call. Data is the fully
// encoded calldata; nonce and gas are resolved by the sender at submit time
// so that every attempt uses fresh values.
type SubmitRequest struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Receipt summarizes the on-chain outcome of a submitted transaction.
// RevertReason is only populated when Status is zero and the node returned
// enough data to decode it.
type Receipt struct {
	TxHash       common.Hash
	Status       uint64
	BlockNumber  uint64
	GasUsed      uint64
	RevertReason string
}

// TxSender submits signed transactions and waits for their inclusion.
type TxSender interface {
	Submit(ctx context.Context, req SubmitRequest) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error)
}

// Client defines what any network implementation must provide so the agent
// can execute actions and observe profile metrics uniformly.
type Client interface {
	TxSender
	metrics.Reader

	Sender() common.Address
	ChainID() *big.Int
	Close()
}
