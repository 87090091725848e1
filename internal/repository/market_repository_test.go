package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/helix-exchange/helix-chain/internal/model"
)

// setupTestDB 定义在 trade_repository_test.go

func strPtr(s string) *string {
	return &s
}

// TestMarketRepository_Symbols 测试资产查询: 按 ID / 合约地址 / 原生
func TestMarketRepository_Symbols(t *testing.T) {
	repo := NewMarketRepository(setupTestDB(t))
	ctx := context.Background()

	contractAddress := "0x3333333333333333333333333333333333333333"
	assert.NoError(t, repo.UpsertSymbol(ctx, &model.Symbol{
		ID: "ETH:900", Name: "ETH", ChainID: 900, Decimals: 18,
	}))
	assert.NoError(t, repo.UpsertSymbol(ctx, &model.Symbol{
		ID: "USDC:900", Name: "USDC", ChainID: 900, ContractAddress: strPtr(contractAddress), Decimals: 6,
	}))

	native, err := repo.GetNativeSymbol(ctx, 900)
	assert.NoError(t, err)
	assert.Equal(t, "ETH:900", native.ID)

	// 合约地址大小写不敏感
	symbol, err := repo.GetSymbolByContract(ctx, 900, strings.ToUpper(contractAddress))
	assert.NoError(t, err)
	assert.Equal(t, "USDC:900", symbol.ID)

	_, err = repo.GetSymbolByContract(ctx, 901, contractAddress)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	_, err = repo.GetNativeSymbol(ctx, 901)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

// TestMarketRepository_UpsertMarket 测试市场覆盖写
func TestMarketRepository_UpsertMarket(t *testing.T) {
	repo := NewMarketRepository(setupTestDB(t))
	ctx := context.Background()

	market := &model.Market{
		ID:            "ETH:900/USDC:901",
		BaseSymbolID:  "ETH:900",
		QuoteSymbolID: "USDC:901",
		TickSize:      decimal.RequireFromString("0.5"),
	}
	assert.NoError(t, repo.UpsertMarket(ctx, market))

	market.TickSize = decimal.RequireFromString("0.1")
	assert.NoError(t, repo.UpsertMarket(ctx, market))

	current, err := repo.GetMarket(ctx, "ETH:900/USDC:901")
	assert.NoError(t, err)
	assert.True(t, current.TickSize.Equal(decimal.RequireFromString("0.1")))

	markets, err := repo.ListMarkets(ctx)
	assert.NoError(t, err)
	assert.Len(t, markets, 1)
}

// TestMarketRepository_GetOrCreateWallet 测试钱包建档幂等
func TestMarketRepository_GetOrCreateWallet(t *testing.T) {
	repo := NewMarketRepository(setupTestDB(t))
	ctx := context.Background()

	address := "0x1111111111111111111111111111111111111111"
	wallet, err := repo.GetOrCreateWallet(ctx, address, 101)
	assert.NoError(t, err)
	assert.Equal(t, int64(101), wallet.SequencerID)

	// 已存在时返回原记录, 不覆盖撮合器 ID
	again, err := repo.GetOrCreateWallet(ctx, address, 999)
	assert.NoError(t, err)
	assert.Equal(t, wallet.ID, again.ID)
	assert.Equal(t, int64(101), again.SequencerID)

	// 地址查询大小写不敏感
	byAddress, err := repo.GetWalletByAddress(ctx, strings.ToUpper(address))
	assert.NoError(t, err)
	assert.Equal(t, wallet.ID, byAddress.ID)

	_, err = repo.GetWalletByAddress(ctx, "0x2222222222222222222222222222222222222222")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}
