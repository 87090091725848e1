package blockchain

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// BlockHeader 区块头摘要
type BlockHeader struct {
	Number     int64
	Hash       string
	ParentHash string
}

// DepositLog 托管合约 Deposit 事件
type DepositLog struct {
	TxHash        string
	LogIndex      uint
	BlockNumber   int64
	WalletAddress string
	TokenAddress  string // 空串表示原生资产
	Amount        decimal.Decimal
}

// TxReceipt 交易回执摘要
type TxReceipt struct {
	TxHash      string
	BlockNumber int64
	GasUsed     int64
	Success     bool
	// RevertReason 失败交易的回滚原因 (拿不到时为空)
	RevertReason string
	// FailedTradeHashes 回执中 SettlementFailed 事件携带的成交哈希
	FailedTradeHashes []string
}

// BalanceQuery 一次托管余额查询
type BalanceQuery struct {
	WalletAddress string
	TokenAddress  string // 空串表示原生资产
}

// CustodyBalance 链上托管余额
type CustodyBalance struct {
	WalletAddress string
	TokenAddress  string
	Amount        decimal.Decimal
}

// ChainAdapter 单链访问接口
//
// 每条链一个实现, 服务层只依赖该接口, 便于测试替换。
type ChainAdapter interface {
	ChainID() int64
	CustodyAddress() string

	BlockNumber(ctx context.Context) (int64, error)
	GetBlockHeader(ctx context.Context, number int64) (*BlockHeader, error)
	// GetCustodyDeposits 按区块哈希过滤托管合约 Deposit 事件,
	// 用哈希而不是区块号以保证分叉期间读到的是同一个区块
	GetCustodyDeposits(ctx context.Context, blockHash string) ([]*DepositLog, error)
	// GetTransactionReceipt 回执不存在时返回 ErrTxNotFound
	GetTransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
	// SubmitTransaction 签名并广播交易, 返回交易哈希和使用的 nonce
	SubmitTransaction(ctx context.Context, to string, data []byte, value *big.Int) (string, int64, error)
	GetCustodyBalances(ctx context.Context, queries []BalanceQuery) ([]*CustodyBalance, error)
}
