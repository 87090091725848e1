package model

import "github.com/shopspring/decimal"

// BalanceDiscrepancy 结算后对账差异记录
//
// 结算完成后用链上托管余额覆盖本地镜像, 覆盖前记录两者差异。
// 链上数据为准, 差异仅记录和告警, 不阻塞结算。
type BalanceDiscrepancy struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SettlementBatchID string          `gorm:"column:settlement_batch_id;type:varchar(64);index;not null" json:"settlement_batch_id"`
	ChainID           int64           `gorm:"column:chain_id;type:bigint;not null" json:"chain_id"`
	WalletID          int64           `gorm:"column:wallet_id;type:bigint;index;not null" json:"wallet_id"`
	SymbolID          string          `gorm:"column:symbol_id;type:varchar(32);not null" json:"symbol_id"`
	ExpectedAmount    decimal.Decimal `gorm:"column:expected_amount;type:decimal(78,0);not null" json:"expected_amount"` // 本地镜像
	ActualAmount      decimal.Decimal `gorm:"column:actual_amount;type:decimal(78,0);not null" json:"actual_amount"`     // 链上实际
	CreatedAt         int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (BalanceDiscrepancy) TableName() string {
	return "chain_balance_discrepancies"
}
