package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound  = errors.New("trade not found")
	ErrDuplicateTrade = errors.New("duplicate trade")
)

// TradeRepository 成交仓储接口
type TradeRepository interface {
	// CreateWithExecutions 创建成交及其两条单边执行 (幂等, 重复报告返回 ErrDuplicateTrade)
	CreateWithExecutions(ctx context.Context, trade *model.Trade, executions []*model.OrderExecution) error
	GetByTradeID(ctx context.Context, tradeID string) (*model.Trade, error)
	ListExecutions(ctx context.Context, tradeIDs []string) ([]*model.OrderExecution, error)

	// ListPending 按创建顺序列出待结算成交
	ListPending(ctx context.Context, limit int) ([]*model.Trade, error)
	ListPendingRollback(ctx context.Context) ([]*model.Trade, error)
	ListByBatchID(ctx context.Context, batchID string) ([]*model.Trade, error)
	ListByBatchIDAndStatus(ctx context.Context, batchID string, status model.SettlementStatus) ([]*model.Trade, error)

	// MarkSettling 将成交分配到批次。仅推进仍处于 Pending 的成交,
	// 返回实际推进的条数供调用方核对。
	MarkSettling(ctx context.Context, tradeIDs []string, batchID string) (int64, error)
	// MarkFailedSettling 按成交哈希标记链上结算失败
	MarkFailedSettling(ctx context.Context, batchID string, tradeHashes []string, reason string) (int64, error)
	// ResetToPending 回滚后将批次内未失败的成交放回待结算 (解除批次分配)
	ResetToPending(ctx context.Context, batchID string) (int64, error)
	MarkCompleted(ctx context.Context, tradeIDs []string) error
	MarkFailed(ctx context.Context, tradeIDs []string, reason string) error
	OldestPendingCreatedAt(ctx context.Context) (int64, error)
}

// tradeRepository 成交仓储实现
type tradeRepository struct {
	*Repository
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(db *gorm.DB) TradeRepository {
	return &tradeRepository{
		Repository: NewRepository(db),
	}
}

func (r *tradeRepository) CreateWithExecutions(ctx context.Context, trade *model.Trade, executions []*model.OrderExecution) error {
	now := time.Now().UnixMilli()
	trade.CreatedAt = now
	trade.UpdatedAt = now
	for _, e := range executions {
		e.CreatedAt = now
	}

	return r.Transaction(ctx, func(txCtx context.Context) error {
		if err := r.DB(txCtx).Create(trade).Error; err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateTrade
			}
			return err
		}
		return r.DB(txCtx).Create(executions).Error
	})
}

func (r *tradeRepository) GetByTradeID(ctx context.Context, tradeID string) (*model.Trade, error) {
	var trade model.Trade
	err := r.DB(ctx).Where("trade_id = ?", tradeID).First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (r *tradeRepository) ListExecutions(ctx context.Context, tradeIDs []string) ([]*model.OrderExecution, error) {
	if len(tradeIDs) == 0 {
		return nil, nil
	}
	var executions []*model.OrderExecution
	err := r.DB(ctx).
		Where("trade_id IN ?", tradeIDs).
		Order("id ASC").
		Find(&executions).Error
	return executions, err
}

func (r *tradeRepository) ListPending(ctx context.Context, limit int) ([]*model.Trade, error) {
	var trades []*model.Trade
	query := r.DB(ctx).
		Where("settlement_status = ?", model.SettlementStatusPending).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&trades).Error
	return trades, err
}

func (r *tradeRepository) ListPendingRollback(ctx context.Context) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := r.DB(ctx).
		Where("settlement_status = ?", model.SettlementStatusPendingRollback).
		Order("created_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

func (r *tradeRepository) ListByBatchID(ctx context.Context, batchID string) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := r.DB(ctx).
		Where("settlement_batch_id = ?", batchID).
		Order("created_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

func (r *tradeRepository) ListByBatchIDAndStatus(ctx context.Context, batchID string, status model.SettlementStatus) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := r.DB(ctx).
		Where("settlement_batch_id = ? AND settlement_status = ?", batchID, status).
		Order("created_at ASC, id ASC").
		Find(&trades).Error
	return trades, err
}

func (r *tradeRepository) MarkSettling(ctx context.Context, tradeIDs []string, batchID string) (int64, error) {
	if len(tradeIDs) == 0 {
		return 0, nil
	}
	result := r.DB(ctx).Model(&model.Trade{}).
		Where("trade_id IN ? AND settlement_status = ?", tradeIDs, model.SettlementStatusPending).
		Updates(map[string]interface{}{
			"settlement_status":   model.SettlementStatusSettling,
			"settlement_batch_id": batchID,
			"updated_at":          time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

func (r *tradeRepository) MarkFailedSettling(ctx context.Context, batchID string, tradeHashes []string, reason string) (int64, error) {
	if len(tradeHashes) == 0 {
		return 0, nil
	}
	result := r.DB(ctx).Model(&model.Trade{}).
		Where("settlement_batch_id = ? AND trade_hash IN ?", batchID, tradeHashes).
		Updates(map[string]interface{}{
			"settlement_status": model.SettlementStatusFailedSettling,
			"error":             reason,
			"updated_at":        time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

func (r *tradeRepository) ResetToPending(ctx context.Context, batchID string) (int64, error) {
	result := r.DB(ctx).Model(&model.Trade{}).
		Where("settlement_batch_id = ? AND settlement_status = ?", batchID, model.SettlementStatusSettling).
		Updates(map[string]interface{}{
			"settlement_status":   model.SettlementStatusPending,
			"settlement_batch_id": nil,
			"updated_at":          time.Now().UnixMilli(),
		})
	return result.RowsAffected, result.Error
}

func (r *tradeRepository) MarkCompleted(ctx context.Context, tradeIDs []string) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	return r.DB(ctx).Model(&model.Trade{}).
		Where("trade_id IN ?", tradeIDs).
		Updates(map[string]interface{}{
			"settlement_status": model.SettlementStatusCompleted,
			"updated_at":        time.Now().UnixMilli(),
		}).Error
}

func (r *tradeRepository) MarkFailed(ctx context.Context, tradeIDs []string, reason string) error {
	if len(tradeIDs) == 0 {
		return nil
	}
	return r.DB(ctx).Model(&model.Trade{}).
		Where("trade_id IN ?", tradeIDs).
		Updates(map[string]interface{}{
			"settlement_status": model.SettlementStatusFailed,
			"error":             reason,
			"updated_at":        time.Now().UnixMilli(),
		}).Error
}

func (r *tradeRepository) OldestPendingCreatedAt(ctx context.Context) (int64, error) {
	var oldest *int64
	err := r.DB(ctx).Model(&model.Trade{}).
		Where("settlement_status = ?", model.SettlementStatusPending).
		Select("MIN(created_at)").
		Scan(&oldest).Error
	if err != nil {
		return 0, err
	}
	if oldest == nil {
		return 0, ErrTradeNotFound
	}
	return *oldest, nil
}
