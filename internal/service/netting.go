package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/helix-exchange/helix-chain/internal/contract"
	"github.com/helix-exchange/helix-chain/internal/model"
)

// NettingError 净额计算零和校验失败
//
// 携带逐笔隔离定位出的问题成交, 供告警和人工排查。
type NettingError struct {
	TradeIDs []string
	Details  string
}

func (e *NettingError) Error() string {
	return fmt.Sprintf("netting invariant violated by trades [%s]: %s",
		strings.Join(e.TradeIDs, ", "), e.Details)
}

// NettingResult 按链拆分的结算净额
type NettingResult struct {
	// Batches 各链的结算载荷
	Batches map[int64]*contract.BatchSettlement
	// TradeHashesByChain 各链涉及的成交哈希
	TradeHashesByChain map[int64][]string
}

// tradeLeg 一笔成交的解析结果
type tradeLeg struct {
	trade  *model.Trade
	market *MarketData
	buy    *model.OrderExecution
	sell   *model.OrderExecution
}

// chainAccumulator 单链净额累加器
type chainAccumulator struct {
	chainID      int64
	walletOrder  []string
	walletIndex  map[string]uint32
	walletTrades map[string][][32]byte
	tokenOrder   []string
	tokenAddress map[string]common.Address
	// net[token][wallet] 为该钱包在该 token 上的净变化
	net  map[string]map[string]decimal.Decimal
	fees map[string]decimal.Decimal
}

func newChainAccumulator(chainID int64) *chainAccumulator {
	return &chainAccumulator{
		chainID:      chainID,
		walletIndex:  make(map[string]uint32),
		walletTrades: make(map[string][][32]byte),
		tokenAddress: make(map[string]common.Address),
		net:          make(map[string]map[string]decimal.Decimal),
		fees:         make(map[string]decimal.Decimal),
	}
}

func (a *chainAccumulator) wallet(address string) {
	if _, ok := a.walletIndex[address]; !ok {
		a.walletIndex[address] = uint32(len(a.walletOrder))
		a.walletOrder = append(a.walletOrder, address)
	}
}

func (a *chainAccumulator) token(symbol *model.Symbol) string {
	if _, ok := a.net[symbol.ID]; !ok {
		a.tokenOrder = append(a.tokenOrder, symbol.ID)
		a.net[symbol.ID] = make(map[string]decimal.Decimal)
		a.fees[symbol.ID] = decimal.Zero
		addr := contract.NativeToken()
		if symbol.ContractAddress != nil {
			addr = common.HexToAddress(*symbol.ContractAddress)
		}
		a.tokenAddress[symbol.ID] = addr
	}
	return symbol.ID
}

func (a *chainAccumulator) adjust(symbol *model.Symbol, wallet string, delta decimal.Decimal) {
	a.wallet(wallet)
	key := a.token(symbol)
	a.net[key][wallet] = a.net[key][wallet].Add(delta)
}

func (a *chainAccumulator) addFee(symbol *model.Symbol, fee decimal.Decimal) {
	key := a.token(symbol)
	a.fees[key] = a.fees[key].Add(fee)
}

func (a *chainAccumulator) addTradeHash(wallet string, hash [32]byte) {
	a.wallet(wallet)
	hashes := a.walletTrades[wallet]
	for _, h := range hashes {
		if h == hash {
			return
		}
	}
	a.walletTrades[wallet] = append(hashes, hash)
}

// checkZeroSum 校验各 token 净额加手续费后归零
func (a *chainAccumulator) checkZeroSum() (string, bool) {
	for _, token := range a.tokenOrder {
		sum := a.fees[token]
		for _, wallet := range a.walletOrder {
			sum = sum.Add(a.net[token][wallet])
		}
		if !sum.IsZero() {
			return fmt.Sprintf("token %s nets to %s on chain %d", token, sum.String(), a.chainID), false
		}
	}
	return "", true
}

// build 输出合约载荷
func (a *chainAccumulator) build() *contract.BatchSettlement {
	batch := &contract.BatchSettlement{
		WalletAddresses:  make([]common.Address, 0, len(a.walletOrder)),
		WalletTradeLists: make([]contract.WalletTradeList, 0, len(a.walletOrder)),
	}
	for _, wallet := range a.walletOrder {
		batch.WalletAddresses = append(batch.WalletAddresses, common.HexToAddress(wallet))
		batch.WalletTradeLists = append(batch.WalletTradeLists, contract.WalletTradeList{
			TradeHashes: a.walletTrades[wallet],
		})
	}

	for _, token := range a.tokenOrder {
		list := contract.TokenAdjustmentList{
			Token:     a.tokenAddress[token],
			FeeAmount: a.fees[token].BigInt(),
		}
		for _, wallet := range a.walletOrder {
			net := a.net[token][wallet]
			if net.IsZero() {
				continue
			}
			adj := contract.Adjustment{
				WalletIndex: a.walletIndex[wallet],
				Amount:      net.Abs().BigInt(),
			}
			if net.IsPositive() {
				list.Increments = append(list.Increments, adj)
			} else {
				list.Decrements = append(list.Decrements, adj)
			}
		}
		batch.TokenAdjustmentLists = append(batch.TokenAdjustmentLists, list)
	}

	return batch
}

// ComputeNetting 计算一组成交的按链净额
//
// 不变量: 每条链每个 token 上, 所有钱包净变化加手续费之和为零。
// 校验失败时逐笔隔离重算, 定位破坏不变量的成交并返回 NettingError。
func ComputeNetting(
	ctx context.Context,
	cache *MarketCache,
	trades []*model.Trade,
	executionsByTrade map[string][]*model.OrderExecution,
) (*NettingResult, error) {
	legs := make([]*tradeLeg, 0, len(trades))
	for _, trade := range trades {
		leg, err := resolveTradeLeg(ctx, cache, trade, executionsByTrade[trade.TradeID])
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}

	accumulators := make(map[int64]*chainAccumulator)
	for _, leg := range legs {
		applyTradeLeg(accumulators, leg)
	}

	for _, acc := range accumulators {
		if details, ok := acc.checkZeroSum(); !ok {
			return nil, &NettingError{
				TradeIDs: isolateBrokenTrades(legs),
				Details:  details,
			}
		}
	}

	result := &NettingResult{
		Batches:            make(map[int64]*contract.BatchSettlement, len(accumulators)),
		TradeHashesByChain: make(map[int64][]string, len(accumulators)),
	}
	for chainID, acc := range accumulators {
		result.Batches[chainID] = acc.build()
	}
	for _, leg := range legs {
		for _, chainID := range leg.market.Chains() {
			result.TradeHashesByChain[chainID] = append(result.TradeHashesByChain[chainID], leg.trade.TradeHash)
		}
	}

	return result, nil
}

// resolveTradeLeg 解析成交的市场数据和买卖双边
func resolveTradeLeg(ctx context.Context, cache *MarketCache, trade *model.Trade, executions []*model.OrderExecution) (*tradeLeg, error) {
	if len(executions) != 2 {
		return nil, fmt.Errorf("trade %s has %d executions, want 2", trade.TradeID, len(executions))
	}

	market, err := cache.GetMarketData(ctx, trade.MarketID)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w", trade.TradeID, err)
	}

	leg := &tradeLeg{trade: trade, market: market}
	for _, e := range executions {
		switch e.Side {
		case model.OrderSideBuy:
			leg.buy = e
		case model.OrderSideSell:
			leg.sell = e
		}
	}
	if leg.buy == nil || leg.sell == nil {
		return nil, fmt.Errorf("trade %s missing buy or sell execution", trade.TradeID)
	}
	return leg, nil
}

// applyTradeLeg 把单笔成交的净额摊到相关链的累加器
//
// 买方 base +amount, quote -(名义金额 + 买方手续费);
// 卖方 base -amount, quote +(名义金额 - 卖方手续费);
// 手续费池 quote +(买方手续费 + 卖方手续费)。
func applyTradeLeg(accumulators map[int64]*chainAccumulator, leg *tradeLeg) {
	base := leg.market.BaseSymbol
	quote := leg.market.QuoteSymbol
	hash := common.HexToHash(leg.trade.TradeHash)

	baseAcc := accumulators[base.ChainID]
	if baseAcc == nil {
		baseAcc = newChainAccumulator(base.ChainID)
		accumulators[base.ChainID] = baseAcc
	}
	quoteAcc := accumulators[quote.ChainID]
	if quoteAcc == nil {
		quoteAcc = newChainAccumulator(quote.ChainID)
		accumulators[quote.ChainID] = quoteAcc
	}

	notional := tradeNotional(leg.trade.Amount, leg.trade.Price, base.Decimals, quote.Decimals)

	baseAcc.adjust(base, leg.buy.WalletAddress, leg.trade.Amount)
	baseAcc.adjust(base, leg.sell.WalletAddress, leg.trade.Amount.Neg())
	baseAcc.addTradeHash(leg.buy.WalletAddress, hash)
	baseAcc.addTradeHash(leg.sell.WalletAddress, hash)

	quoteAcc.adjust(quote, leg.buy.WalletAddress, notional.Add(leg.buy.FeeAmount).Neg())
	quoteAcc.adjust(quote, leg.sell.WalletAddress, notional.Sub(leg.sell.FeeAmount))
	quoteAcc.addFee(quote, leg.buy.FeeAmount.Add(leg.sell.FeeAmount))
	quoteAcc.addTradeHash(leg.buy.WalletAddress, hash)
	quoteAcc.addTradeHash(leg.sell.WalletAddress, hash)
}

// tradeNotional 按精度差换算名义金额 (quote 最小单位)
func tradeNotional(amount, price decimal.Decimal, baseDecimals, quoteDecimals int32) decimal.Decimal {
	return amount.Mul(price).Shift(quoteDecimals - baseDecimals).Truncate(0)
}

// isolateBrokenTrades 逐笔隔离重算, 找出破坏零和不变量的成交
func isolateBrokenTrades(legs []*tradeLeg) []string {
	var broken []string
	for _, leg := range legs {
		single := make(map[int64]*chainAccumulator)
		applyTradeLeg(single, leg)
		for _, acc := range single {
			if _, ok := acc.checkZeroSum(); !ok {
				broken = append(broken, leg.trade.TradeID)
				break
			}
		}
	}
	return broken
}
