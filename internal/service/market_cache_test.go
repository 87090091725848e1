package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
)

// TestMarketCache_GetMarketData 测试读穿加载与缓存命中
func TestMarketCache_GetMarketData(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	data, err := fx.cache.GetMarketData(ctx, testMarketID)
	assert.NoError(t, err)
	assert.Equal(t, testMarketID, data.Market.ID)
	assert.Equal(t, baseSymbolID, data.BaseSymbol.ID)
	assert.Equal(t, quoteSymbolID, data.QuoteSymbol.ID)
	assert.Equal(t, []int64{baseChainID, quoteChainID}, data.Chains())

	// 删除底层数据后仍命中缓存
	assert.NoError(t, fx.db.Delete(&model.Market{}, "id = ?", testMarketID).Error)
	cached, err := fx.cache.GetMarketData(ctx, testMarketID)
	assert.NoError(t, err)
	assert.Equal(t, data, cached)

	_, err = fx.cache.GetMarketData(ctx, "UNKNOWN:1/UNKNOWN:2")
	assert.ErrorIs(t, err, repository.ErrMarketNotFound)
}

// TestMarketData_Chains_SameChain 测试同链市场只返回一条链
func TestMarketData_Chains_SameChain(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	err := fx.marketRepo.UpsertSymbol(ctx, &model.Symbol{
		ID:       "WETH:901",
		Name:     "WETH",
		ChainID:  quoteChainID,
		Decimals: 18,
	})
	assert.NoError(t, err)
	err = fx.marketRepo.UpsertMarket(ctx, &model.Market{
		ID:            "WETH:901/USDC:901",
		BaseSymbolID:  "WETH:901",
		QuoteSymbolID: quoteSymbolID,
		TickSize:      decimal.RequireFromString("0.01"),
	})
	assert.NoError(t, err)

	data, err := fx.cache.GetMarketData(ctx, "WETH:901/USDC:901")
	assert.NoError(t, err)
	assert.Equal(t, []int64{quoteChainID}, data.Chains())
}

// TestMarketCache_GetSymbol 测试资产加载
func TestMarketCache_GetSymbol(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	symbol, err := fx.cache.GetSymbol(ctx, quoteSymbolID)
	assert.NoError(t, err)
	assert.Equal(t, quoteChainID, symbol.ChainID)
	assert.Equal(t, int32(6), symbol.Decimals)

	_, err = fx.cache.GetSymbol(ctx, "UNKNOWN:1")
	assert.ErrorIs(t, err, repository.ErrSymbolNotFound)
}
