package chain

import (
	"context"
	"math/big"

	xerrors "AgentMarket-Relay/internal/errors"
)

// TxProof 是一笔链上支付交易的只读视图，供支付守卫做校验。
type TxProof struct {
	TxHash        string
	Network       string
	Token         string
	Contract      string
	From          string
	To            string
	Amount        *big.Int
	Success       bool
	BlockNumber   uint64
	Confirmations uint64
}

// Reader 抽象了对链上交易的只读查询。
type Reader interface {
	// LookupTransfer 查询指定交易中的代币转账信息。
	// 交易不存在或尚未上链时返回 ErrTxNotFound。
	LookupTransfer(ctx context.Context, txHash string) (*TxProof, error)
	Close()
}

var (
	// ErrTxNotFound 表示交易不存在或尚未被打包。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
)

const (
	CodeTxNotFound   xerrors.Code = "CHAIN_TX_NOT_FOUND"
	CodeChainFailure xerrors.Code = "CHAIN_QUERY_FAILURE"
)

func init() {
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeChainFailure, xerrors.Attributes{
		Message:   "chain query failure",
		Severity:  xerrors.SeverityError,
		Retryable: true,
		Alert:     false,
	})
}
