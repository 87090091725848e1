package app

import (
	"gorm.io/gorm"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

// AutoMigrate 自动执行数据库迁移
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.ProcessedBlock{},
		&model.Deposit{},
		&model.Symbol{},
		&model.Market{},
		&model.Wallet{},
		&model.Trade{},
		&model.OrderExecution{},
		&model.SettlementBatch{},
		&model.ChainSettlementBatch{},
		&model.BlockchainTransaction{},
		&model.Balance{},
		&model.BalanceDiscrepancy{},
	)
	if err != nil {
		logger.Error("auto migration failed", "error", err)
		return err
	}
	return nil
}
