package model

import "github.com/shopspring/decimal"

// SettlementStatus 成交的结算状态
type SettlementStatus int8

const (
	SettlementStatusPending         SettlementStatus = 0 // 待结算
	SettlementStatusSettling        SettlementStatus = 1 // 已分配到结算批次
	SettlementStatusFailedSettling  SettlementStatus = 2 // 链上结算失败 (待回滚)
	SettlementStatusCompleted       SettlementStatus = 3 // 已结算 (终态)
	SettlementStatusFailed          SettlementStatus = 4 // 结算失败 (终态)
	SettlementStatusPendingRollback SettlementStatus = 5 // 运营人工回滚 (仅从 Pending 进入)
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementStatusPending:
		return "PENDING"
	case SettlementStatusSettling:
		return "SETTLING"
	case SettlementStatusFailedSettling:
		return "FAILED_SETTLING"
	case SettlementStatusCompleted:
		return "COMPLETED"
	case SettlementStatusFailed:
		return "FAILED"
	case SettlementStatusPendingRollback:
		return "PENDING_ROLLBACK"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementStatusCompleted || s == SettlementStatusFailed
}

// OrderSide 订单方向
type OrderSide int8

const (
	OrderSideBuy  OrderSide = 1
	OrderSideSell OrderSide = 2
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Trade 撮合器报告的成交
//
// 由 Kafka 消费链路写入 (外部路径), 结算协调器消费并推进其结算状态。
// 不变量: 仅当分配到且只分配到一个结算批次时才进入 Settling。
type Trade struct {
	ID                int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	TradeID           string           `gorm:"column:trade_id;type:varchar(64);uniqueIndex;not null" json:"trade_id"`
	MarketID          string           `gorm:"column:market_id;type:varchar(64);index;not null" json:"market_id"`
	Amount            decimal.Decimal  `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"` // base 最小单位
	Price             decimal.Decimal  `gorm:"column:price;type:decimal(36,18);not null" json:"price"`
	TradeHash         string           `gorm:"column:trade_hash;type:varchar(66);uniqueIndex;not null" json:"trade_hash"`
	SettlementStatus  SettlementStatus `gorm:"column:settlement_status;type:smallint;index;not null;default:0" json:"settlement_status"`
	SettlementBatchID *string          `gorm:"column:settlement_batch_id;type:varchar(64);index" json:"settlement_batch_id"`
	Error             string           `gorm:"column:error;type:varchar(500)" json:"error"`
	CreatedAt         int64            `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64            `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Trade) TableName() string {
	return "chain_trades"
}

// OrderExecution 成交的单边执行 (买方一条, 卖方一条)
type OrderExecution struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TradeID       string          `gorm:"column:trade_id;type:varchar(64);index;not null" json:"trade_id"`
	OrderID       string          `gorm:"column:order_id;type:varchar(64);not null" json:"order_id"`
	WalletID      int64           `gorm:"column:wallet_id;type:bigint;index;not null" json:"wallet_id"`
	WalletAddress string          `gorm:"column:wallet_address;type:varchar(42);not null" json:"wallet_address"`
	Side          OrderSide       `gorm:"column:side;type:smallint;not null" json:"side"`
	FeeAmount     decimal.Decimal `gorm:"column:fee_amount;type:decimal(78,0);not null" json:"fee_amount"` // quote 最小单位, 含符号
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (OrderExecution) TableName() string {
	return "chain_order_executions"
}
