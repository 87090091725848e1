package service

import (
	"context"
	"sync"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
)

// MarketData 市场及其两端资产
type MarketData struct {
	Market      *model.Market
	BaseSymbol  *model.Symbol
	QuoteSymbol *model.Symbol
}

// Chains 返回该市场触及的链 (base 和 quote 可能同链)
func (m *MarketData) Chains() []int64 {
	if m.BaseSymbol.ChainID == m.QuoteSymbol.ChainID {
		return []int64{m.BaseSymbol.ChainID}
	}
	return []int64{m.BaseSymbol.ChainID, m.QuoteSymbol.ChainID}
}

// MarketCache 市场数据读穿缓存
//
// 市场和资产几乎不变, 缓存只增不失效。
type MarketCache struct {
	marketRepo repository.MarketRepository

	mu      sync.RWMutex
	markets map[string]*MarketData
	symbols map[string]*model.Symbol
}

// NewMarketCache 创建市场缓存
func NewMarketCache(marketRepo repository.MarketRepository) *MarketCache {
	return &MarketCache{
		marketRepo: marketRepo,
		markets:    make(map[string]*MarketData),
		symbols:    make(map[string]*model.Symbol),
	}
}

// GetMarketData 获取市场数据, 未缓存时从仓储加载
func (c *MarketCache) GetMarketData(ctx context.Context, marketID string) (*MarketData, error) {
	c.mu.RLock()
	if data, ok := c.markets[marketID]; ok {
		c.mu.RUnlock()
		return data, nil
	}
	c.mu.RUnlock()

	market, err := c.marketRepo.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	base, err := c.GetSymbol(ctx, market.BaseSymbolID)
	if err != nil {
		return nil, err
	}
	quote, err := c.GetSymbol(ctx, market.QuoteSymbolID)
	if err != nil {
		return nil, err
	}

	data := &MarketData{
		Market:      market,
		BaseSymbol:  base,
		QuoteSymbol: quote,
	}

	c.mu.Lock()
	c.markets[marketID] = data
	c.mu.Unlock()

	return data, nil
}

// GetSymbol 获取资产, 未缓存时从仓储加载
func (c *MarketCache) GetSymbol(ctx context.Context, symbolID string) (*model.Symbol, error) {
	c.mu.RLock()
	if symbol, ok := c.symbols[symbolID]; ok {
		c.mu.RUnlock()
		return symbol, nil
	}
	c.mu.RUnlock()

	symbol, err := c.marketRepo.GetSymbol(ctx, symbolID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.symbols[symbolID] = symbol
	c.mu.Unlock()

	return symbol, nil
}
