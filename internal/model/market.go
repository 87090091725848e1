package model

import "github.com/shopspring/decimal"

// Symbol 交易资产 (每条链独立)
//
// ContractAddress 为空表示链原生资产。
type Symbol struct {
	ID              string  `gorm:"primaryKey;column:id;type:varchar(32)" json:"id"` // 形如 "USDC:901"
	Name            string  `gorm:"column:name;type:varchar(20);not null" json:"name"`
	ChainID         int64   `gorm:"column:chain_id;type:bigint;index;not null" json:"chain_id"`
	ContractAddress *string `gorm:"column:contract_address;type:varchar(42)" json:"contract_address"`
	Decimals        int32   `gorm:"column:decimals;type:int;not null" json:"decimals"`
	CreatedAt       int64   `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Symbol) TableName() string {
	return "chain_symbols"
}

// Market 市场
//
// base 和 quote 资产可以位于不同链, 因此一笔成交最多独立触及两条链。
type Market struct {
	ID            string          `gorm:"primaryKey;column:id;type:varchar(64)" json:"id"` // 形如 "BTC:900/USDC:901"
	BaseSymbolID  string          `gorm:"column:base_symbol_id;type:varchar(32);not null" json:"base_symbol_id"`
	QuoteSymbolID string          `gorm:"column:quote_symbol_id;type:varchar(32);not null" json:"quote_symbol_id"`
	TickSize      decimal.Decimal `gorm:"column:tick_size;type:decimal(36,18);not null" json:"tick_size"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Market) TableName() string {
	return "chain_markets"
}

// Wallet 用户钱包
type Wallet struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Address     string `gorm:"column:address;type:varchar(42);uniqueIndex;not null" json:"address"`
	SequencerID int64  `gorm:"column:sequencer_id;type:bigint;not null" json:"sequencer_id"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Wallet) TableName() string {
	return "chain_wallets"
}
