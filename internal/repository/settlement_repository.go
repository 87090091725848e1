package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var (
	ErrSettlementBatchNotFound = errors.New("settlement batch not found")
	ErrChainBatchNotFound      = errors.New("chain settlement batch not found")
)

// SettlementRepository 结算批次仓储接口
type SettlementRepository interface {
	CreateBatch(ctx context.Context, batch *model.SettlementBatch) error
	GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error)
	// FindInProgressBatch 返回当前未完成的批次, 没有时返回 ErrSettlementBatchNotFound。
	// 同一时刻至多一个未完成批次。
	FindInProgressBatch(ctx context.Context) (*model.SettlementBatch, error)
	UpdateBatchStatus(ctx context.Context, id string, status model.SettlementBatchStatus) error

	CreateChainBatch(ctx context.Context, chainBatch *model.ChainSettlementBatch) error
	GetChainBatch(ctx context.Context, id int64) (*model.ChainSettlementBatch, error)
	ListChainBatches(ctx context.Context, batchID string) ([]*model.ChainSettlementBatch, error)
	// ListActiveChainBatches 返回指定链上有交易待驱动的链批次
	// (PREPARING / SUBMITTING / ROLLING_BACK)。
	ListActiveChainBatches(ctx context.Context, chainID int64) ([]*model.ChainSettlementBatch, error)
	UpdateChainBatchStatus(ctx context.Context, id int64, status model.SettlementBatchStatus) error
	SetChainBatchSubmissionTx(ctx context.Context, id int64, txID int64) error
	SetChainBatchRollbackTx(ctx context.Context, id int64, txID int64) error
	MarkChainBatchFailed(ctx context.Context, id int64, reason string) error
}

// settlementRepository 结算批次仓储实现
type settlementRepository struct {
	*Repository
}

// NewSettlementRepository 创建结算批次仓储
func NewSettlementRepository(db *gorm.DB) SettlementRepository {
	return &settlementRepository{
		Repository: NewRepository(db),
	}
}

func (r *settlementRepository) CreateBatch(ctx context.Context, batch *model.SettlementBatch) error {
	now := time.Now().UnixMilli()
	batch.CreatedAt = now
	batch.UpdatedAt = now
	return r.DB(ctx).Create(batch).Error
}

func (r *settlementRepository) GetBatch(ctx context.Context, id string) (*model.SettlementBatch, error) {
	var batch model.SettlementBatch
	err := r.DB(ctx).Where("id = ?", id).First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *settlementRepository) FindInProgressBatch(ctx context.Context) (*model.SettlementBatch, error) {
	var batch model.SettlementBatch
	err := r.DB(ctx).
		Where("status NOT IN ?", []model.SettlementBatchStatus{
			model.SettlementBatchStatusCompleted,
			model.SettlementBatchStatusFailed,
		}).
		Order("created_at ASC").
		First(&batch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSettlementBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *settlementRepository) UpdateBatchStatus(ctx context.Context, id string, status model.SettlementBatchStatus) error {
	result := r.DB(ctx).Model(&model.SettlementBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSettlementBatchNotFound
	}
	return nil
}

func (r *settlementRepository) CreateChainBatch(ctx context.Context, chainBatch *model.ChainSettlementBatch) error {
	now := time.Now().UnixMilli()
	chainBatch.CreatedAt = now
	chainBatch.UpdatedAt = now
	return r.DB(ctx).Create(chainBatch).Error
}

func (r *settlementRepository) GetChainBatch(ctx context.Context, id int64) (*model.ChainSettlementBatch, error) {
	var chainBatch model.ChainSettlementBatch
	err := r.DB(ctx).Where("id = ?", id).First(&chainBatch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChainBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chainBatch, nil
}

func (r *settlementRepository) ListChainBatches(ctx context.Context, batchID string) ([]*model.ChainSettlementBatch, error) {
	var chainBatches []*model.ChainSettlementBatch
	err := r.DB(ctx).
		Where("settlement_batch_id = ?", batchID).
		Order("chain_id ASC").
		Find(&chainBatches).Error
	return chainBatches, err
}

func (r *settlementRepository) ListActiveChainBatches(ctx context.Context, chainID int64) ([]*model.ChainSettlementBatch, error) {
	var chainBatches []*model.ChainSettlementBatch
	err := r.DB(ctx).
		Where("chain_id = ? AND status IN ?", chainID, []model.SettlementBatchStatus{
			model.SettlementBatchStatusPreparing,
			model.SettlementBatchStatusSubmitting,
			model.SettlementBatchStatusRollingBack,
		}).
		Order("id ASC").
		Find(&chainBatches).Error
	return chainBatches, err
}

func (r *settlementRepository) UpdateChainBatchStatus(ctx context.Context, id int64, status model.SettlementBatchStatus) error {
	result := r.DB(ctx).Model(&model.ChainSettlementBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChainBatchNotFound
	}
	return nil
}

func (r *settlementRepository) SetChainBatchSubmissionTx(ctx context.Context, id int64, txID int64) error {
	return r.DB(ctx).Model(&model.ChainSettlementBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"submission_tx_id": txID,
			"updated_at":       time.Now().UnixMilli(),
		}).Error
}

func (r *settlementRepository) SetChainBatchRollbackTx(ctx context.Context, id int64, txID int64) error {
	return r.DB(ctx).Model(&model.ChainSettlementBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"rollback_tx_id": txID,
			"updated_at":     time.Now().UnixMilli(),
		}).Error
}

func (r *settlementRepository) MarkChainBatchFailed(ctx context.Context, id int64, reason string) error {
	return r.DB(ctx).Model(&model.ChainSettlementBatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.SettlementBatchStatusFailed,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		}).Error
}
