package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var ErrBlockNotFound = errors.New("processed block not found")

// BlockRepository 已处理区块仓储接口
type BlockRepository interface {
	Create(ctx context.Context, block *model.ProcessedBlock) error
	GetLatest(ctx context.Context, chainID int64) (*model.ProcessedBlock, error)
	GetByNumber(ctx context.Context, chainID int64, blockNumber int64) (*model.ProcessedBlock, error)
	// ListFromNumber 列出区块号不小于 fromNumber 的已处理区块, 按区块号升序
	ListFromNumber(ctx context.Context, chainID int64, fromNumber int64) ([]*model.ProcessedBlock, error)
	DeleteByNumbers(ctx context.Context, chainID int64, blockNumbers []int64) error
	// PruneBefore 清理早于 beforeNumber 的历史区块记录
	PruneBefore(ctx context.Context, chainID int64, beforeNumber int64) (int64, error)
}

// blockRepository 已处理区块仓储实现
type blockRepository struct {
	*Repository
}

// NewBlockRepository 创建已处理区块仓储
func NewBlockRepository(db *gorm.DB) BlockRepository {
	return &blockRepository{
		Repository: NewRepository(db),
	}
}

func (r *blockRepository) Create(ctx context.Context, block *model.ProcessedBlock) error {
	block.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(block).Error
}

func (r *blockRepository) GetLatest(ctx context.Context, chainID int64) (*model.ProcessedBlock, error) {
	var block model.ProcessedBlock
	err := r.DB(ctx).
		Where("chain_id = ?", chainID).
		Order("block_number DESC").
		First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) GetByNumber(ctx context.Context, chainID int64, blockNumber int64) (*model.ProcessedBlock, error) {
	var block model.ProcessedBlock
	err := r.DB(ctx).
		Where("chain_id = ? AND block_number = ?", chainID, blockNumber).
		First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *blockRepository) ListFromNumber(ctx context.Context, chainID int64, fromNumber int64) ([]*model.ProcessedBlock, error) {
	var blocks []*model.ProcessedBlock
	err := r.DB(ctx).
		Where("chain_id = ? AND block_number >= ?", chainID, fromNumber).
		Order("block_number ASC").
		Find(&blocks).Error
	return blocks, err
}

func (r *blockRepository) DeleteByNumbers(ctx context.Context, chainID int64, blockNumbers []int64) error {
	if len(blockNumbers) == 0 {
		return nil
	}
	return r.DB(ctx).
		Where("chain_id = ? AND block_number IN ?", chainID, blockNumbers).
		Delete(&model.ProcessedBlock{}).Error
}

func (r *blockRepository) PruneBefore(ctx context.Context, chainID int64, beforeNumber int64) (int64, error) {
	result := r.DB(ctx).
		Where("chain_id = ? AND block_number < ?", chainID, beforeNumber).
		Delete(&model.ProcessedBlock{})
	return result.RowsAffected, result.Error
}
