// ========================================
// IngestionService 撮合器产出入库对接说明
// ========================================
//
// ## 功能概述
// 消费撮合器经 Kafka 下发的两类消息:
// - trades-created: 撮合成交, 落库为待结算成交, 等待结算协调器分批上链
// - deposits-completed: 撮合器充值入账完成, 推进充值到终态
//
// ## 幂等性
// - 成交按 trade_id 唯一约束去重, 重复消息直接忽略
// - 充值完成用条件更新 (仅 SENT_TO_SEQUENCER -> COMPLETE),
//   与充值处理服务的乐观推进天然兼容
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/pkg/logger"
	"github.com/shopspring/decimal"
)

// IngestionService 撮合器产出入库服务
type IngestionService struct {
	tradeRepo   repository.TradeRepository
	depositRepo repository.DepositRepository
	marketRepo  repository.MarketRepository
	marketCache *MarketCache
	notifier    Notifier
}

// NewIngestionService 创建入库服务
func NewIngestionService(
	tradeRepo repository.TradeRepository,
	depositRepo repository.DepositRepository,
	marketRepo repository.MarketRepository,
	marketCache *MarketCache,
	notifier Notifier,
) *IngestionService {
	return &IngestionService{
		tradeRepo:   tradeRepo,
		depositRepo: depositRepo,
		marketRepo:  marketRepo,
		marketCache: marketCache,
		notifier:    notifier,
	}
}

// HandleTradeCreated 处理撮合成交消息
func (s *IngestionService) HandleTradeCreated(ctx context.Context, msg *model.TradeCreatedMessage) error {
	if msg.TradeID == "" || msg.TradeHash == "" {
		return errors.New("trade message missing trade_id or trade_hash")
	}
	if len(msg.Executions) != 2 {
		return fmt.Errorf("trade %s has %d executions, want 2", msg.TradeID, len(msg.Executions))
	}
	if msg.Amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("trade %s has non-positive amount", msg.TradeID)
	}

	// 校验市场存在
	if _, err := s.marketCache.GetMarketData(ctx, msg.MarketID); err != nil {
		return fmt.Errorf("unknown market %s: %w", msg.MarketID, err)
	}

	trade := &model.Trade{
		TradeID:          msg.TradeID,
		MarketID:         msg.MarketID,
		Amount:           msg.Amount,
		Price:            msg.Price,
		TradeHash:        msg.TradeHash,
		SettlementStatus: model.SettlementStatusPending,
	}

	executions := make([]*model.OrderExecution, 0, len(msg.Executions))
	var sawBuy, sawSell bool
	for _, e := range msg.Executions {
		side, err := parseSide(e.Side)
		if err != nil {
			return fmt.Errorf("trade %s: %w", msg.TradeID, err)
		}
		if side == model.OrderSideBuy {
			sawBuy = true
		} else {
			sawSell = true
		}

		wallet, err := s.marketRepo.GetOrCreateWallet(ctx, e.WalletAddress, e.SequencerID)
		if err != nil {
			return err
		}

		executions = append(executions, &model.OrderExecution{
			TradeID:       msg.TradeID,
			OrderID:       e.OrderID,
			WalletID:      wallet.ID,
			WalletAddress: wallet.Address,
			Side:          side,
			FeeAmount:     e.FeeAmount,
		})
	}
	if !sawBuy || !sawSell {
		return fmt.Errorf("trade %s missing buy or sell execution", msg.TradeID)
	}

	err := s.tradeRepo.CreateWithExecutions(ctx, trade, executions)
	if errors.Is(err, repository.ErrDuplicateTrade) {
		logger.Debug("duplicate trade ignored", "trade_id", msg.TradeID)
		return nil
	}
	if err != nil {
		return err
	}

	logger.Info("trade recorded",
		"trade_id", trade.TradeID,
		"market_id", trade.MarketID,
		"amount", trade.Amount.String(),
		"price", trade.Price.String())

	notifyTradeSettlement(ctx, s.notifier, trade)
	return nil
}

// HandleDepositCompleted 处理充值入账完成消息
func (s *IngestionService) HandleDepositCompleted(ctx context.Context, msg *model.DepositCompletedMessage) error {
	deposit, err := s.depositRepo.GetByDepositID(ctx, msg.DepositID)
	if errors.Is(err, repository.ErrDepositNotFound) {
		logger.Warn("deposit completed for unknown deposit", "deposit_id", msg.DepositID)
		return nil
	}
	if err != nil {
		return err
	}

	updated, err := s.depositRepo.UpdateStatusIf(ctx, deposit.ID,
		model.DepositStatusSentToSequencer, model.DepositStatusComplete)
	if err != nil {
		return err
	}
	if !updated {
		// 消息重复或状态已被推进
		logger.Debug("deposit completed skipped",
			"deposit_id", msg.DepositID,
			"status", deposit.Status.String())
		return nil
	}

	deposit.Status = model.DepositStatusComplete
	notifyDepositStatus(ctx, s.notifier, deposit)

	logger.Info("deposit completed", "deposit_id", msg.DepositID)
	return nil
}

// parseSide 解析订单方向
func parseSide(side string) (model.OrderSide, error) {
	switch side {
	case "BUY":
		return model.OrderSideBuy, nil
	case "SELL":
		return model.OrderSideSell, nil
	default:
		return 0, fmt.Errorf("unknown order side %q", side)
	}
}
