package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("blockchain transaction not found")

// TransactionRepository 链上交易仓储接口
type TransactionRepository interface {
	Create(ctx context.Context, tx *model.BlockchainTransaction) error
	GetByID(ctx context.Context, id int64) (*model.BlockchainTransaction, error)
	ListPending(ctx context.Context, chainID int64) ([]*model.BlockchainTransaction, error)
	ListSubmitted(ctx context.Context, chainID int64) ([]*model.BlockchainTransaction, error)
	MarkSubmitted(ctx context.Context, id int64, txHash string, nonce int64) error
	MarkConfirmed(ctx context.Context, id int64, blockNumber, gasUsed int64) error
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// transactionRepository 链上交易仓储实现
type transactionRepository struct {
	*Repository
}

// NewTransactionRepository 创建链上交易仓储
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{
		Repository: NewRepository(db),
	}
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.BlockchainTransaction) error {
	now := time.Now().UnixMilli()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	return r.DB(ctx).Create(tx).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, id int64) (*model.BlockchainTransaction, error) {
	var tx model.BlockchainTransaction
	err := r.DB(ctx).Where("id = ?", id).First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) ListPending(ctx context.Context, chainID int64) ([]*model.BlockchainTransaction, error) {
	var txs []*model.BlockchainTransaction
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ?", chainID, model.BlockchainTransactionStatusPending).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) ListSubmitted(ctx context.Context, chainID int64) ([]*model.BlockchainTransaction, error) {
	var txs []*model.BlockchainTransaction
	err := r.DB(ctx).
		Where("chain_id = ? AND status = ?", chainID, model.BlockchainTransactionStatusSubmitted).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) MarkSubmitted(ctx context.Context, id int64, txHash string, nonce int64) error {
	result := r.DB(ctx).Model(&model.BlockchainTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.BlockchainTransactionStatusSubmitted,
			"tx_hash":    txHash,
			"nonce":      nonce,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) MarkConfirmed(ctx context.Context, id int64, blockNumber, gasUsed int64) error {
	result := r.DB(ctx).Model(&model.BlockchainTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.BlockchainTransactionStatusConfirmed,
			"block_number": blockNumber,
			"gas_used":     gasUsed,
			"updated_at":   time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) MarkCompleted(ctx context.Context, id int64) error {
	result := r.DB(ctx).Model(&model.BlockchainTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.BlockchainTransactionStatusCompleted,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (r *transactionRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	result := r.DB(ctx).Model(&model.BlockchainTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.BlockchainTransactionStatusFailed,
			"error":      reason,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
