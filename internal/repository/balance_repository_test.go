package repository

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/helix-exchange/helix-chain/internal/model"
)

// setupTestDB 定义在 trade_repository_test.go

// TestBalanceRepository_ApplyChanges_Delta 测试增量变更与从零建账
func TestBalanceRepository_ApplyChanges_Delta(t *testing.T) {
	repo := NewBalanceRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeAvailable,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(100),
	}})
	assert.NoError(t, err)

	err = repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeAvailable,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(-30),
	}})
	assert.NoError(t, err)

	balance, err := repo.Get(ctx, 1, "ETH:900", model.BalanceTypeAvailable)
	assert.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(70)))
}

// TestBalanceRepository_ApplyChanges_NegativeGuard 测试余额不可透支
func TestBalanceRepository_ApplyChanges_NegativeGuard(t *testing.T) {
	repo := NewBalanceRepository(setupTestDB(t))
	ctx := context.Background()

	// 无账扣减直接拒绝
	err := repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeAvailable,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(-1),
	}})
	assert.ErrorContains(t, err, "balance would go negative")

	err = repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeAvailable,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(50),
	}})
	assert.NoError(t, err)

	// 超额扣减拒绝且整批回滚
	err = repo.ApplyChanges(ctx, []model.BalanceChange{
		{
			WalletID: 1,
			SymbolID: "ETH:900",
			Type:     model.BalanceTypeAvailable,
			Kind:     model.BalanceChangeKindDelta,
			Amount:   decimal.NewFromInt(10),
		},
		{
			WalletID: 1,
			SymbolID: "ETH:900",
			Type:     model.BalanceTypeAvailable,
			Kind:     model.BalanceChangeKindDelta,
			Amount:   decimal.NewFromInt(-100),
		},
	})
	assert.ErrorContains(t, err, "balance would go negative")

	balance, err := repo.Get(ctx, 1, "ETH:900", model.BalanceTypeAvailable)
	assert.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(50)))
}

// TestBalanceRepository_ApplyChanges_Replace 测试覆盖写
func TestBalanceRepository_ApplyChanges_Replace(t *testing.T) {
	repo := NewBalanceRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeExchange,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(100),
	}})
	assert.NoError(t, err)

	err = repo.ApplyChanges(ctx, []model.BalanceChange{{
		WalletID: 1,
		SymbolID: "ETH:900",
		Type:     model.BalanceTypeExchange,
		Kind:     model.BalanceChangeKindReplace,
		Amount:   decimal.NewFromInt(42),
	}})
	assert.NoError(t, err)

	balance, err := repo.Get(ctx, 1, "ETH:900", model.BalanceTypeExchange)
	assert.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(42)))

	// AVAILABLE 和 EXCHANGE 分开记账
	_, err = repo.Get(ctx, 1, "ETH:900", model.BalanceTypeAvailable)
	assert.ErrorIs(t, err, ErrBalanceNotFound)
}

// TestBalanceRepository_ListByWallet 测试按钱包列出余额
func TestBalanceRepository_ListByWallet(t *testing.T) {
	repo := NewBalanceRepository(setupTestDB(t))
	ctx := context.Background()

	err := repo.ApplyChanges(ctx, []model.BalanceChange{
		{WalletID: 1, SymbolID: "ETH:900", Type: model.BalanceTypeAvailable, Kind: model.BalanceChangeKindDelta, Amount: decimal.NewFromInt(1)},
		{WalletID: 1, SymbolID: "USDC:901", Type: model.BalanceTypeExchange, Kind: model.BalanceChangeKindDelta, Amount: decimal.NewFromInt(2)},
		{WalletID: 2, SymbolID: "ETH:900", Type: model.BalanceTypeAvailable, Kind: model.BalanceChangeKindDelta, Amount: decimal.NewFromInt(3)},
	})
	assert.NoError(t, err)

	balances, err := repo.ListByWallet(ctx, 1)
	assert.NoError(t, err)
	assert.Len(t, balances, 2)
}
