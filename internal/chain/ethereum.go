package chain

import (
	"context"
	stdErrors "errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentMarket-Relay/internal/errors"
)

// transferTopic 是 ERC-20 Transfer(address,address,uint256) 事件的签名哈希。
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// EthereumConfig 描述如何连接一条 EVM 兼容链。
type EthereumConfig struct {
	Network string
	RPCURL  string
}

// EthereumReader 基于 ethclient 实现 Reader，从交易回执中提取
// ERC-20 转账并计算确认数。
type EthereumReader struct {
	network   string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewEthereumReader 连接配置的 RPC 节点。
func NewEthereumReader(ctx context.Context, cfg EthereumConfig) (*EthereumReader, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链上 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接链上节点失败")
	}

	return &EthereumReader{
		network:   cfg.Network,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// LookupTransfer 查询交易回执，从日志中解析首条 ERC-20 Transfer，
// 并以当前区块高度计算确认数。
func (r *EthereumReader) LookupTransfer(ctx context.Context, txHash string) (*TxProof, error) {
	if r == nil || r.eth == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "链上客户端未初始化")
	}
	hash := strings.TrimSpace(txHash)
	if hash == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tx_hash 不能为空")
	}

	receipt, err := r.eth.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if stdErrors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, xerrors.Wrap(CodeChainFailure, err, "查询交易回执失败")
	}

	head, err := r.eth.BlockNumber(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeChainFailure, err, "查询最新区块高度失败")
	}

	proof := &TxProof{
		TxHash:      hash,
		Network:     r.network,
		Success:     receipt.Status == coretypes.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if head >= proof.BlockNumber {
		proof.Confirmations = head - proof.BlockNumber + 1
	}

	if transfer := firstTransfer(receipt.Logs); transfer != nil {
		proof.Contract = transfer.contract
		proof.From = transfer.from
		proof.To = transfer.to
		proof.Amount = transfer.amount
	}
	return proof, nil
}

// Close 释放持有的网络连接。
func (r *EthereumReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eth != nil {
		r.eth.Close()
		r.eth = nil
	}
	r.rpcClient = nil
}

type transferLog struct {
	contract string
	from     string
	to       string
	amount   *big.Int
}

func firstTransfer(logs []*coretypes.Log) *transferLog {
	for _, entry := range logs {
		if entry == nil || len(entry.Topics) != 3 {
			continue
		}
		if entry.Topics[0] != transferTopic {
			continue
		}
		return &transferLog{
			contract: strings.ToLower(entry.Address.Hex()),
			from:     strings.ToLower(common.BytesToAddress(entry.Topics[1].Bytes()).Hex()),
			to:       strings.ToLower(common.BytesToAddress(entry.Topics[2].Bytes()).Hex()),
			amount:   new(big.Int).SetBytes(entry.Data),
		}
	}
	return nil
}

var _ Reader = (*EthereumReader)(nil)
