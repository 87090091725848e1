package service

import (
	"context"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

// Notifier 对外通知接口, 由 kafka.Producer 实现
//
// 通知失败只记录日志, 不回滚业务状态。
type Notifier interface {
	PublishDepositStatus(ctx context.Context, notification *model.DepositStatusNotification) error
	PublishTradeSettlement(ctx context.Context, notification *model.TradeSettlementNotification) error
	PublishBalanceChange(ctx context.Context, notification *model.BalanceChangeNotification) error
}

// notifyDepositStatus 发送充值状态通知, 失败仅记录日志
func notifyDepositStatus(ctx context.Context, notifier Notifier, deposit *model.Deposit) {
	if notifier == nil {
		return
	}
	err := notifier.PublishDepositStatus(ctx, &model.DepositStatusNotification{
		DepositID:     deposit.DepositID,
		WalletAddress: deposit.WalletAddress,
		SymbolID:      deposit.SymbolID,
		Amount:        deposit.Amount,
		ChainID:       deposit.ChainID,
		TxHash:        deposit.TxHash,
		Status:        deposit.Status.String(),
		Error:         deposit.Error,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("failed to publish deposit status",
			"deposit_id", deposit.DepositID,
			"status", deposit.Status.String(),
			"error", err)
	}
}

// notifyTradeSettlement 发送成交结算状态通知, 失败仅记录日志
func notifyTradeSettlement(ctx context.Context, notifier Notifier, trade *model.Trade) {
	if notifier == nil {
		return
	}
	batchID := ""
	if trade.SettlementBatchID != nil {
		batchID = *trade.SettlementBatchID
	}
	err := notifier.PublishTradeSettlement(ctx, &model.TradeSettlementNotification{
		TradeID:           trade.TradeID,
		MarketID:          trade.MarketID,
		SettlementStatus:  trade.SettlementStatus.String(),
		SettlementBatchID: batchID,
		Error:             trade.Error,
		Timestamp:         time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("failed to publish trade settlement",
			"trade_id", trade.TradeID,
			"status", trade.SettlementStatus.String(),
			"error", err)
	}
}

// notifyBalanceChange 发送余额变更通知, 失败仅记录日志
func notifyBalanceChange(ctx context.Context, notifier Notifier, walletAddress string, change model.BalanceChange) {
	if notifier == nil {
		return
	}
	err := notifier.PublishBalanceChange(ctx, &model.BalanceChangeNotification{
		WalletAddress: walletAddress,
		SymbolID:      change.SymbolID,
		BalanceType:   change.Type.String(),
		Amount:        change.Amount,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		logger.Error("failed to publish balance change",
			"wallet_address", walletAddress,
			"symbol_id", change.SymbolID,
			"error", err)
	}
}
