package model

import "github.com/shopspring/decimal"

// BlockchainTransactionStatus 链上交易状态
type BlockchainTransactionStatus int8

const (
	BlockchainTransactionStatusPending   BlockchainTransactionStatus = 0 // 待提交
	BlockchainTransactionStatusSubmitted BlockchainTransactionStatus = 1 // 已广播, 等待回执
	BlockchainTransactionStatusConfirmed BlockchainTransactionStatus = 2 // 回执成功
	BlockchainTransactionStatusCompleted BlockchainTransactionStatus = 3 // 业务侧已消费 (终态)
	BlockchainTransactionStatusFailed    BlockchainTransactionStatus = 4 // 回执失败或广播失败 (终态)
)

func (s BlockchainTransactionStatus) String() string {
	switch s {
	case BlockchainTransactionStatusPending:
		return "PENDING"
	case BlockchainTransactionStatusSubmitted:
		return "SUBMITTED"
	case BlockchainTransactionStatusConfirmed:
		return "CONFIRMED"
	case BlockchainTransactionStatusCompleted:
		return "COMPLETED"
	case BlockchainTransactionStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s BlockchainTransactionStatus) IsTerminal() bool {
	return s == BlockchainTransactionStatusCompleted || s == BlockchainTransactionStatusFailed
}

// BlockchainTransaction 待提交或已提交的链上交易
//
// 由结算协调器写入, ChainTransactionHandler 负责提交和跟踪回执。
type BlockchainTransaction struct {
	ID          int64                       `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64                       `gorm:"column:chain_id;type:bigint;index;not null" json:"chain_id"`
	ToAddress   string                      `gorm:"column:to_address;type:varchar(42);not null" json:"to_address"`
	Data        []byte                      `gorm:"column:data;type:bytea;not null" json:"data"`
	Value       decimal.Decimal             `gorm:"column:value;type:decimal(78,0);not null" json:"value"`
	BatchHash   string                      `gorm:"column:batch_hash;type:varchar(66)" json:"batch_hash"`
	TxHash      *string                     `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash"`
	Nonce       *int64                      `gorm:"column:nonce;type:bigint" json:"nonce"`
	BlockNumber *int64                      `gorm:"column:block_number;type:bigint" json:"block_number"`
	GasUsed     *int64                      `gorm:"column:gas_used;type:bigint" json:"gas_used"`
	Status      BlockchainTransactionStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	Error       string                      `gorm:"column:error;type:varchar(500)" json:"error"`
	CreatedAt   int64                       `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt   int64                       `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockchainTransaction) TableName() string {
	return "chain_blockchain_transactions"
}
