package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrBalanceNotFound = errors.New("balance not found")

// BalanceRepository 余额仓储接口
type BalanceRepository interface {
	Get(ctx context.Context, walletID int64, symbolID string, balanceType model.BalanceType) (*model.Balance, error)
	ListByWallet(ctx context.Context, walletID int64) ([]*model.Balance, error)
	// ApplyChanges 在同一事务内批量应用余额变更。
	// Delta 叠加在现值上 (无行则从零起), Replace 直接覆盖。
	ApplyChanges(ctx context.Context, changes []model.BalanceChange) error
}

// balanceRepository 余额仓储实现
type balanceRepository struct {
	*Repository
}

// NewBalanceRepository 创建余额仓储
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{
		Repository: NewRepository(db),
	}
}

func (r *balanceRepository) Get(ctx context.Context, walletID int64, symbolID string, balanceType model.BalanceType) (*model.Balance, error) {
	var balance model.Balance
	err := r.DB(ctx).
		Where("wallet_id = ? AND symbol_id = ? AND type = ?", walletID, symbolID, balanceType).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

func (r *balanceRepository) ListByWallet(ctx context.Context, walletID int64) ([]*model.Balance, error) {
	var balances []*model.Balance
	err := r.DB(ctx).
		Where("wallet_id = ?", walletID).
		Order("symbol_id ASC, type ASC").
		Find(&balances).Error
	return balances, err
}

func (r *balanceRepository) ApplyChanges(ctx context.Context, changes []model.BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}
	return r.Transaction(ctx, func(txCtx context.Context) error {
		now := time.Now().UnixMilli()
		for _, change := range changes {
			if err := r.applyChange(txCtx, change, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *balanceRepository) applyChange(ctx context.Context, change model.BalanceChange, now int64) error {
	// 按钱包加行锁, 保证同一余额行的并发变更串行化
	var balance model.Balance
	err := r.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_id = ? AND symbol_id = ? AND type = ?",
			change.WalletID, change.SymbolID, change.Type).
		First(&balance).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		amount := change.Amount
		if change.Kind == model.BalanceChangeKindDelta && amount.IsNegative() {
			return errors.New("balance would go negative")
		}
		return r.DB(ctx).Create(&model.Balance{
			WalletID:  change.WalletID,
			SymbolID:  change.SymbolID,
			Type:      change.Type,
			Amount:    amount,
			CreatedAt: now,
			UpdatedAt: now,
		}).Error
	}
	if err != nil {
		return err
	}

	var newAmount decimal.Decimal
	switch change.Kind {
	case model.BalanceChangeKindReplace:
		newAmount = change.Amount
	default:
		newAmount = balance.Amount.Add(change.Amount)
	}
	if newAmount.IsNegative() {
		return errors.New("balance would go negative")
	}

	return r.DB(ctx).Model(&model.Balance{}).
		Where("id = ?", balance.ID).
		Updates(map[string]interface{}{
			"amount":     newAmount,
			"updated_at": now,
		}).Error
}
