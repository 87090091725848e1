package model

import "github.com/shopspring/decimal"

// Kafka 消息载体定义
//
// 出站: 充值状态 / 成交结算 / 余额变更通知。
// 入站: 撮合器产出 (成交创建 / 充值入账完成)。

// DepositStatusNotification 充值状态变更通知
type DepositStatusNotification struct {
	DepositID     string          `json:"deposit_id"`
	WalletAddress string          `json:"wallet_address"`
	SymbolID      string          `json:"symbol_id"`
	Amount        decimal.Decimal `json:"amount"`
	ChainID       int64           `json:"chain_id"`
	TxHash        string          `json:"tx_hash"`
	Status        string          `json:"status"`
	Error         string          `json:"error,omitempty"`
	Timestamp     int64           `json:"timestamp"`
}

// TradeSettlementNotification 成交结算状态通知
type TradeSettlementNotification struct {
	TradeID           string `json:"trade_id"`
	MarketID          string `json:"market_id"`
	SettlementStatus  string `json:"settlement_status"`
	SettlementBatchID string `json:"settlement_batch_id,omitempty"`
	Error             string `json:"error,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// BalanceChangeNotification 余额变更通知
type BalanceChangeNotification struct {
	WalletAddress string          `json:"wallet_address"`
	SymbolID      string          `json:"symbol_id"`
	BalanceType   string          `json:"balance_type"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     int64           `json:"timestamp"`
}

// TradeCreatedMessage 撮合器成交创建消息 (入站)
type TradeCreatedMessage struct {
	TradeID    string                  `json:"trade_id"`
	MarketID   string                  `json:"market_id"`
	Amount     decimal.Decimal         `json:"amount"`
	Price      decimal.Decimal         `json:"price"`
	TradeHash  string                  `json:"trade_hash"`
	Executions []TradeExecutionMessage `json:"executions"`
	Timestamp  int64                   `json:"timestamp"`
}

// TradeExecutionMessage 成交单边执行 (入站)
type TradeExecutionMessage struct {
	OrderID       string          `json:"order_id"`
	WalletAddress string          `json:"wallet_address"`
	SequencerID   int64           `json:"sequencer_id"`
	Side          string          `json:"side"` // BUY / SELL
	FeeAmount     decimal.Decimal `json:"fee_amount"`
}

// DepositCompletedMessage 撮合器充值入账完成消息 (入站)
type DepositCompletedMessage struct {
	DepositID string `json:"deposit_id"`
	Timestamp int64  `json:"timestamp"`
}
