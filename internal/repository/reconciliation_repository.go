package repository

import (
	"context"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

// ReconciliationRepository 对账差异仓储接口
type ReconciliationRepository interface {
	CreateDiscrepancies(ctx context.Context, discrepancies []*model.BalanceDiscrepancy) error
	ListByBatch(ctx context.Context, batchID string) ([]*model.BalanceDiscrepancy, error)
}

// reconciliationRepository 对账差异仓储实现
type reconciliationRepository struct {
	*Repository
}

// NewReconciliationRepository 创建对账差异仓储
func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{
		Repository: NewRepository(db),
	}
}

func (r *reconciliationRepository) CreateDiscrepancies(ctx context.Context, discrepancies []*model.BalanceDiscrepancy) error {
	if len(discrepancies) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	for _, d := range discrepancies {
		d.CreatedAt = now
	}
	return r.DB(ctx).Create(discrepancies).Error
}

func (r *reconciliationRepository) ListByBatch(ctx context.Context, batchID string) ([]*model.BalanceDiscrepancy, error) {
	var discrepancies []*model.BalanceDiscrepancy
	err := r.DB(ctx).
		Where("settlement_batch_id = ?", batchID).
		Order("id ASC").
		Find(&discrepancies).Error
	return discrepancies, err
}
