package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var (
	ErrDepositNotFound  = errors.New("deposit not found")
	ErrDuplicateDeposit = errors.New("duplicate deposit")
)

// DepositRepository 充值仓储接口
type DepositRepository interface {
	Create(ctx context.Context, deposit *model.Deposit) error
	GetByDepositID(ctx context.Context, depositID string) (*model.Deposit, error)
	GetByTxHash(ctx context.Context, chainID int64, txHash string) (*model.Deposit, error)
	Update(ctx context.Context, deposit *model.Deposit) error
	// UpdateBlockNumber 仅更新区块号 (重复观测到同一笔充值时)
	UpdateBlockNumber(ctx context.Context, id int64, blockNumber int64) error
	// UpdateStatusIf 条件状态推进, 仅当前状态为 from 时生效。
	// 返回 false 表示状态已被并发路径推进, 调用方应放弃本次变更。
	UpdateStatusIf(ctx context.Context, id int64, from, to model.DepositStatus) (bool, error)
	MarkConfirmed(ctx context.Context, id int64, blockNumber int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error

	// MaxBlockNumber 返回该链所有充值中最大的区块号, 没有时返回 ErrDepositNotFound
	MaxBlockNumber(ctx context.Context, chainID int64) (int64, error)
	ListPending(ctx context.Context, chainID int64) ([]*model.Deposit, error)
	ListConfirmed(ctx context.Context, chainID int64) ([]*model.Deposit, error)

	// 分叉回滚支持
	CountFinalizedInBlocks(ctx context.Context, chainID int64, blockNumbers []int64) (int64, error)
	MarkFailedByBlockNumbers(ctx context.Context, chainID int64, blockNumbers []int64, reason string) ([]*model.Deposit, error)
}

// depositRepository 充值仓储实现
type depositRepository struct {
	*Repository
}

// NewDepositRepository 创建充值仓储
func NewDepositRepository(db *gorm.DB) DepositRepository {
	return &depositRepository{
		Repository: NewRepository(db),
	}
}

func (r *depositRepository) Create(ctx context.Context, deposit *model.Deposit) error {
	now := time.Now().UnixMilli()
	deposit.CreatedAt = now
	deposit.UpdatedAt = now

	err := r.DB(ctx).Create(deposit).Error
	if err != nil && isDuplicateKeyError(err) {
		return ErrDuplicateDeposit
	}
	return err
}

func (r *depositRepository) GetByDepositID(ctx context.Context, depositID string) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.DB(ctx).Where("deposit_id = ?", depositID).First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *depositRepository) GetByTxHash(ctx context.Context, chainID int64, txHash string) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.DB(ctx).
		Where("chain_id = ? AND tx_hash = ?", chainID, txHash).
		First(&deposit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

func (r *depositRepository) Update(ctx context.Context, deposit *model.Deposit) error {
	deposit.UpdatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Save(deposit).Error
}

func (r *depositRepository) UpdateBlockNumber(ctx context.Context, id int64, blockNumber int64) error {
	result := r.DB(ctx).Model(&model.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"block_number": blockNumber,
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (r *depositRepository) UpdateStatusIf(ctx context.Context, id int64, from, to model.DepositStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.Deposit{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *depositRepository) MarkConfirmed(ctx context.Context, id int64, blockNumber int64) error {
	result := r.DB(ctx).Model(&model.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.DepositStatusConfirmed,
			"block_number": blockNumber,
			"error":        "",
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (r *depositRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	result := r.DB(ctx).Model(&model.Deposit{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.DepositStatusFailed,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDepositNotFound
	}
	return nil
}

func (r *depositRepository) MaxBlockNumber(ctx context.Context, chainID int64) (int64, error) {
	var max *int64
	err := r.DB(ctx).Model(&model.Deposit{}).
		Where("chain_id = ? AND block_number IS NOT NULL", chainID).
		Select("MAX(block_number)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, ErrDepositNotFound
	}
	return *max, nil
}

func (r *depositRepository) ListPending(ctx context.Context, chainID int64) ([]*model.Deposit, error) {
	var deposits []*model.Deposit
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ?", chainID, model.DepositStatusPending).
		Order("created_at ASC").
		Find(&deposits).Error
	return deposits, err
}

func (r *depositRepository) ListConfirmed(ctx context.Context, chainID int64) ([]*model.Deposit, error) {
	var deposits []*model.Deposit
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ?", chainID, model.DepositStatusConfirmed).
		Order("created_at ASC").
		Find(&deposits).Error
	return deposits, err
}

func (r *depositRepository) CountFinalizedInBlocks(ctx context.Context, chainID int64, blockNumbers []int64) (int64, error) {
	if len(blockNumbers) == 0 {
		return 0, nil
	}
	var count int64
	err := r.DB(ctx).Model(&model.Deposit{}).
		Where("chain_id = ? AND block_number IN ? AND status IN ?",
			chainID, blockNumbers,
			[]model.DepositStatus{
				model.DepositStatusConfirmed,
				model.DepositStatusSentToSequencer,
				model.DepositStatusComplete,
			}).
		Count(&count).Error
	return count, err
}

func (r *depositRepository) MarkFailedByBlockNumbers(ctx context.Context, chainID int64, blockNumbers []int64, reason string) ([]*model.Deposit, error) {
	if len(blockNumbers) == 0 {
		return nil, nil
	}
	var deposits []*model.Deposit
	err := r.DB(ctx).
		Where("chain_id = ? AND block_number IN ? AND status = ?",
			chainID, blockNumbers, model.DepositStatusPending).
		Find(&deposits).Error
	if err != nil {
		return nil, err
	}
	if len(deposits) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(deposits))
	for _, d := range deposits {
		ids = append(ids, d.ID)
	}
	err = r.DB(ctx).Model(&model.Deposit{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":     model.DepositStatusFailed,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		}).Error
	if err != nil {
		return nil, err
	}
	return deposits, nil
}
