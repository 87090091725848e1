package model

import "github.com/shopspring/decimal"

// BalanceType 余额类型
type BalanceType int8

const (
	BalanceTypeAvailable BalanceType = 0 // 可用余额 (内部台账)
	BalanceTypeExchange  BalanceType = 1 // 托管合约余额镜像
)

func (t BalanceType) String() string {
	switch t {
	case BalanceTypeAvailable:
		return "AVAILABLE"
	case BalanceTypeExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// Balance 用户余额
type Balance struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletID  int64           `gorm:"column:wallet_id;type:bigint;uniqueIndex:idx_wallet_symbol_type,priority:1;not null" json:"wallet_id"`
	SymbolID  string          `gorm:"column:symbol_id;type:varchar(32);uniqueIndex:idx_wallet_symbol_type,priority:2;not null" json:"symbol_id"`
	Type      BalanceType     `gorm:"column:type;type:smallint;uniqueIndex:idx_wallet_symbol_type,priority:3;not null" json:"type"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	CreatedAt int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Balance) TableName() string {
	return "chain_balances"
}

// BalanceChangeKind 余额变更方式
type BalanceChangeKind int8

const (
	BalanceChangeKindDelta   BalanceChangeKind = 0 // 增量调整
	BalanceChangeKindReplace BalanceChangeKind = 1 // 整值覆盖 (链上对账)
)

// BalanceChange 一次余额变更请求 (同事务内批量应用)
type BalanceChange struct {
	WalletID int64
	SymbolID string
	Type     BalanceType
	Kind     BalanceChangeKind
	Amount   decimal.Decimal
}
