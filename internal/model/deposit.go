package model

import "github.com/shopspring/decimal"

// DepositStatus 充值状态
type DepositStatus int8

const (
	DepositStatusPending         DepositStatus = 0 // 待确认
	DepositStatusConfirmed       DepositStatus = 1 // 已确认 (达到确认数, 余额已入账)
	DepositStatusSentToSequencer DepositStatus = 2 // 已通知撮合器
	DepositStatusComplete        DepositStatus = 3 // 撮合器已入账 (终态)
	DepositStatusFailed          DepositStatus = 4 // 失败 (终态)
)

func (s DepositStatus) String() string {
	switch s {
	case DepositStatusPending:
		return "PENDING"
	case DepositStatusConfirmed:
		return "CONFIRMED"
	case DepositStatusSentToSequencer:
		return "SENT_TO_SEQUENCER"
	case DepositStatusComplete:
		return "COMPLETE"
	case DepositStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s DepositStatus) IsTerminal() bool {
	return s == DepositStatusComplete || s == DepositStatusFailed
}

// IsFinalized 判断资金是否已入账 (Confirmed 及之后, 不含 Failed)
//
// 分叉回滚不允许触及已入账的充值。
func (s DepositStatus) IsFinalized() bool {
	return s == DepositStatusConfirmed || s == DepositStatusSentToSequencer || s == DepositStatusComplete
}

// Deposit 充值记录
//
// 由 ChainBlockTracker 在首次观测到托管合约 Deposit 事件时创建,
// 同一 (chain_id, tx_hash) 至多一行。
type Deposit struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	DepositID     string          `gorm:"column:deposit_id;type:varchar(64);uniqueIndex;not null" json:"deposit_id"`
	WalletID      int64           `gorm:"column:wallet_id;type:bigint;index;not null" json:"wallet_id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);not null" json:"wallet_address"`
	SymbolID      string          `gorm:"column:symbol_id;type:varchar(32);not null" json:"symbol_id"`
	TokenAddress  string          `gorm:"column:token_address;type:varchar(42);not null" json:"token_address"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	ChainID       int64           `gorm:"column:chain_id;type:bigint;uniqueIndex:idx_chain_tx,priority:1;not null" json:"chain_id"`
	TxHash        string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:idx_chain_tx,priority:2;not null" json:"tx_hash"`
	BlockNumber   *int64          `gorm:"column:block_number;type:bigint" json:"block_number"` // 可空, 直到在区块中观测到
	Status        DepositStatus   `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	Error         string          `gorm:"column:error;type:varchar(500)" json:"error"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Deposit) TableName() string {
	return "chain_deposits"
}
