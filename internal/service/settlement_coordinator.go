// ========================================
// SettlementCoordinatorService 结算协调器对接说明
// ========================================
//
// ## 功能概述
// 将待结算成交攒批并驱动跨链两阶段结算:
// 1. PREPARING: 每条涉及的链写入 prepare 交易, 等全部链确认
// 2. SUBMITTING: 全部 prepare 成功后写入 submit 交易
// 3. SUBMITTED: 全部 submit 成功后收尾 (成交完结 + 托管余额对账)
// 任一链 prepare 失败或合约回报个别成交失败时转入
// ROLLING_BACK, 各链撤销已 prepare 的批次, 失败成交回报撮合器,
// 其余成交放回待结算队列。
//
// ## 单写者
// 每轮在事务内抢 pg_try_advisory_xact_lock, 抢不到说明其他实例
// 正在协调, 本轮直接跳过。同一时刻至多一个未完成批次。
//
// ## 轮询节奏
// 按上一轮结果调整间隔: 有推进用 active 间隔, 空转用 inactive
// 间隔, 出错用 failure 间隔退避。
//
// ========================================
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/contract"
	"github.com/helix-exchange/helix-chain/internal/metrics"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/internal/sequencer"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

var (
	ErrCoordinatorAlreadyRunning = errors.New("settlement coordinator already running")
	ErrCoordinatorNotRunning     = errors.New("settlement coordinator not running")
)

// settlementLockKey 协调器咨询锁键
const settlementLockKey int64 = 0x5e771e

// SettlementCoordinatorConfig 结算协调器配置
type SettlementCoordinatorConfig struct {
	BatchMinTrades   int
	BatchMaxWait     time.Duration
	BatchMaxTrades   int
	ActiveInterval   time.Duration
	InactiveInterval time.Duration
	FailureInterval  time.Duration
}

// SettlementCoordinatorService 结算协调器
type SettlementCoordinatorService struct {
	repo           *repository.Repository
	tradeRepo      repository.TradeRepository
	settlementRepo repository.SettlementRepository
	txRepo         repository.TransactionRepository
	balanceRepo    repository.BalanceRepository
	marketRepo     repository.MarketRepository
	reconRepo      repository.ReconciliationRepository
	marketCache    *MarketCache
	adapters       map[int64]blockchain.ChainAdapter
	custody        map[int64]*contract.CustodyContract
	seqClient      sequencer.Client
	notifier       Notifier

	batchMinTrades   int
	batchMaxWait     time.Duration
	batchMaxTrades   int
	activeInterval   time.Duration
	inactiveInterval time.Duration
	failureInterval  time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// NewSettlementCoordinatorService 创建结算协调器
func NewSettlementCoordinatorService(
	repo *repository.Repository,
	tradeRepo repository.TradeRepository,
	settlementRepo repository.SettlementRepository,
	txRepo repository.TransactionRepository,
	balanceRepo repository.BalanceRepository,
	marketRepo repository.MarketRepository,
	reconRepo repository.ReconciliationRepository,
	marketCache *MarketCache,
	adapters map[int64]blockchain.ChainAdapter,
	custody map[int64]*contract.CustodyContract,
	seqClient sequencer.Client,
	notifier Notifier,
	cfg *SettlementCoordinatorConfig,
) *SettlementCoordinatorService {
	s := &SettlementCoordinatorService{
		repo:             repo,
		tradeRepo:        tradeRepo,
		settlementRepo:   settlementRepo,
		txRepo:           txRepo,
		balanceRepo:      balanceRepo,
		marketRepo:       marketRepo,
		reconRepo:        reconRepo,
		marketCache:      marketCache,
		adapters:         adapters,
		custody:          custody,
		seqClient:        seqClient,
		notifier:         notifier,
		batchMinTrades:   cfg.BatchMinTrades,
		batchMaxWait:     cfg.BatchMaxWait,
		batchMaxTrades:   cfg.BatchMaxTrades,
		activeInterval:   cfg.ActiveInterval,
		inactiveInterval: cfg.InactiveInterval,
		failureInterval:  cfg.FailureInterval,
	}
	if s.batchMinTrades <= 0 {
		s.batchMinTrades = 1
	}
	if s.batchMaxTrades <= 0 {
		s.batchMaxTrades = 100
	}
	if s.batchMaxWait <= 0 {
		s.batchMaxWait = 5 * time.Second
	}
	if s.activeInterval <= 0 {
		s.activeInterval = 500 * time.Millisecond
	}
	if s.inactiveInterval <= 0 {
		s.inactiveInterval = 2 * time.Second
	}
	if s.failureInterval <= 0 {
		s.failureInterval = 10 * time.Second
	}
	return s
}

// Start 启动结算协调器
func (s *SettlementCoordinatorService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrCoordinatorAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("settlement coordinator starting",
		"batch_min_trades", s.batchMinTrades,
		"batch_max_trades", s.batchMaxTrades)

	go s.runLoop(ctx)

	return nil
}

// Stop 停止结算协调器
func (s *SettlementCoordinatorService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrCoordinatorNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("settlement coordinator stopped")

	return nil
}

// IsRunning 检查是否运行中
func (s *SettlementCoordinatorService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runLoop 主循环, 按上一轮结果调整下一轮间隔
func (s *SettlementCoordinatorService) runLoop(ctx context.Context) {
	timer := time.NewTimer(s.inactiveInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		active, err := s.Tick(ctx)
		switch {
		case err != nil:
			logger.Error("settlement tick failed", "error", err)
			timer.Reset(s.failureInterval)
		case active:
			timer.Reset(s.activeInterval)
		default:
			timer.Reset(s.inactiveInterval)
		}
	}
}

// Tick 单次协调轮询, 返回本轮是否有推进
//
// 整轮在同一事务内执行并持有咨询锁, 对撮合器和 Kafka 的外部
// 调用收集为回调, 事务提交后再执行。
func (s *SettlementCoordinatorService) Tick(ctx context.Context) (bool, error) {
	var (
		active bool
		after  []func()
	)
	err := s.repo.Transaction(ctx, func(txCtx context.Context) error {
		locked, err := s.repo.TryAdvisoryXactLock(txCtx, settlementLockKey)
		if err != nil {
			return err
		}
		if !locked {
			// 其他实例持有协调权
			return nil
		}
		active, after, err = s.processBatch(txCtx)
		return err
	})
	if err != nil {
		return false, err
	}
	for _, fn := range after {
		fn()
	}
	return active, nil
}

// processBatch 推进当前批次, 无未完成批次时尝试开新批次
func (s *SettlementCoordinatorService) processBatch(ctx context.Context) (bool, []func(), error) {
	batch, err := s.settlementRepo.FindInProgressBatch(ctx)
	if errors.Is(err, repository.ErrSettlementBatchNotFound) {
		return s.createNextBatch(ctx)
	}
	if err != nil {
		return false, nil, err
	}

	switch batch.Status {
	case model.SettlementBatchStatusPreparing:
		return s.advancePreparing(ctx, batch)
	case model.SettlementBatchStatusSubmitting:
		return s.advanceSubmitting(ctx, batch)
	case model.SettlementBatchStatusSubmitted:
		return s.completeBatch(ctx, batch)
	case model.SettlementBatchStatusRollingBack:
		return s.advanceRollingBack(ctx, batch)
	default:
		return false, nil, fmt.Errorf("settlement batch %s in unexpected status %s", batch.ID, batch.Status)
	}
}

// createNextBatch 攒批并写入各链 prepare 交易
func (s *SettlementCoordinatorService) createNextBatch(ctx context.Context) (bool, []func(), error) {
	// 运营标记的人工回滚优先处理, 不进入批次
	rollback, err := s.tradeRepo.ListPendingRollback(ctx)
	if err != nil {
		return false, nil, err
	}
	if len(rollback) > 0 {
		return s.failTrades(ctx, rollback, "Manually rolled back")
	}

	trades, err := s.tradeRepo.ListPending(ctx, s.batchMaxTrades)
	if err != nil {
		return false, nil, err
	}
	metrics.PendingTradesGauge.Set(float64(len(trades)))
	if len(trades) == 0 {
		return false, nil, nil
	}

	// 不足最小批量时等待凑批, 最早一笔等太久则直接开批
	if len(trades) < s.batchMinTrades {
		oldest, err := s.tradeRepo.OldestPendingCreatedAt(ctx)
		if errors.Is(err, repository.ErrTradeNotFound) {
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}
		if time.Since(time.UnixMilli(oldest)) < s.batchMaxWait {
			return false, nil, nil
		}
	}

	executions, err := s.executionsByTrade(ctx, trades)
	if err != nil {
		return false, nil, err
	}

	result, err := ComputeNetting(ctx, s.marketCache, trades, executions)
	if err != nil {
		var nettingErr *NettingError
		if errors.As(err, &nettingErr) {
			// 零和被破坏说明数据已不可信, 不开批不动成交, 等人工处理
			metrics.NettingFailuresTotal.Inc()
			logger.Error("netting invariant violated, awaiting manual intervention",
				"trade_ids", nettingErr.TradeIDs,
				"details", nettingErr.Details)
		}
		return false, nil, err
	}

	batchID := uuid.NewString()
	if err := s.settlementRepo.CreateBatch(ctx, &model.SettlementBatch{
		ID:     batchID,
		Status: model.SettlementBatchStatusPreparing,
	}); err != nil {
		return false, nil, err
	}

	chainIDs := make([]int64, 0, len(result.Batches))
	for chainID := range result.Batches {
		chainIDs = append(chainIDs, chainID)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	for _, chainID := range chainIDs {
		b := result.Batches[chainID]
		custody := s.custody[chainID]
		if custody == nil {
			return false, nil, fmt.Errorf("no custody contract for chain %d", chainID)
		}

		hash, err := contract.BatchHash(b)
		if err != nil {
			return false, nil, err
		}
		data, err := custody.PackPrepareSettlementBatch(b)
		if err != nil {
			return false, nil, err
		}

		tx := &model.BlockchainTransaction{
			ChainID:   chainID,
			ToAddress: custody.Address().Hex(),
			Data:      data,
			Value:     decimal.Zero,
			BatchHash: hash,
			Status:    model.BlockchainTransactionStatusPending,
		}
		if err := s.txRepo.Create(ctx, tx); err != nil {
			return false, nil, err
		}

		if err := s.settlementRepo.CreateChainBatch(ctx, &model.ChainSettlementBatch{
			SettlementBatchID: batchID,
			ChainID:           chainID,
			BatchHash:         hash,
			Status:            model.SettlementBatchStatusPreparing,
			PreparationTxID:   tx.ID,
		}); err != nil {
			return false, nil, err
		}
	}

	tradeIDs := make([]string, 0, len(trades))
	for _, trade := range trades {
		tradeIDs = append(tradeIDs, trade.TradeID)
	}
	moved, err := s.tradeRepo.MarkSettling(ctx, tradeIDs, batchID)
	if err != nil {
		return false, nil, err
	}
	if moved != int64(len(tradeIDs)) {
		// 有成交被并发改了状态, 整体回滚下一轮重试
		return false, nil, fmt.Errorf("assigned %d of %d trades to batch %s", moved, len(tradeIDs), batchID)
	}

	metrics.SettlementBatchesTotal.WithLabelValues("preparing").Inc()
	metrics.SettlementBatchSize.Observe(float64(len(trades)))
	logger.Info("settlement batch created",
		"batch_id", batchID,
		"trades", len(trades),
		"chains", len(chainIDs))

	after := make([]func(), 0, len(trades))
	for _, trade := range trades {
		trade.SettlementStatus = model.SettlementStatusSettling
		trade.SettlementBatchID = &batchID
		after = append(after, func() {
			notifyTradeSettlement(ctx, s.notifier, trade)
		})
	}
	return true, after, nil
}

// advancePreparing 推进 PREPARING 批次
func (s *SettlementCoordinatorService) advancePreparing(ctx context.Context, batch *model.SettlementBatch) (bool, []func(), error) {
	chainBatches, err := s.settlementRepo.ListChainBatches(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	anyFailed := false
	allResolved := true
	for _, cb := range chainBatches {
		switch cb.Status {
		case model.SettlementBatchStatusFailed:
			anyFailed = true
		case model.SettlementBatchStatusPrepared, model.SettlementBatchStatusCompleted:
		default:
			allResolved = false
		}
	}
	if !allResolved {
		// 等待交易驱动器把各链 prepare 推进到 Prepared 或 Failed,
		// 落定前不决定提交还是回滚
		return false, nil, nil
	}

	failedTrades, err := s.tradeRepo.ListByBatchIDAndStatus(ctx, batch.ID, model.SettlementStatusFailedSettling)
	if err != nil {
		return false, nil, err
	}

	if anyFailed || len(failedTrades) > 0 {
		return s.beginRollback(ctx, batch, chainBatches, anyFailed && len(failedTrades) == 0)
	}
	return s.beginSubmitting(ctx, batch, chainBatches)
}

// beginSubmitting 全部链 prepare 成功, 写入 submit 交易
func (s *SettlementCoordinatorService) beginSubmitting(ctx context.Context, batch *model.SettlementBatch, chainBatches []*model.ChainSettlementBatch) (bool, []func(), error) {
	result, _, err := s.nettingForBatch(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	for _, cb := range chainBatches {
		b := result.Batches[cb.ChainID]
		if b == nil {
			return false, nil, fmt.Errorf("batch %s has no payload for chain %d", batch.ID, cb.ChainID)
		}
		// 载荷从批内成交重算, 哈希必须和 prepare 时一致
		hash, err := contract.BatchHash(b)
		if err != nil {
			return false, nil, err
		}
		if hash != cb.BatchHash {
			return false, nil, fmt.Errorf("batch %s chain %d payload hash changed: %s != %s",
				batch.ID, cb.ChainID, hash, cb.BatchHash)
		}

		custody := s.custody[cb.ChainID]
		if custody == nil {
			return false, nil, fmt.Errorf("no custody contract for chain %d", cb.ChainID)
		}
		data, err := custody.PackSubmitSettlementBatch(b)
		if err != nil {
			return false, nil, err
		}

		tx := &model.BlockchainTransaction{
			ChainID:   cb.ChainID,
			ToAddress: custody.Address().Hex(),
			Data:      data,
			Value:     decimal.Zero,
			BatchHash: cb.BatchHash,
			Status:    model.BlockchainTransactionStatusPending,
		}
		if err := s.txRepo.Create(ctx, tx); err != nil {
			return false, nil, err
		}
		if err := s.settlementRepo.SetChainBatchSubmissionTx(ctx, cb.ID, tx.ID); err != nil {
			return false, nil, err
		}
		if err := s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusSubmitting); err != nil {
			return false, nil, err
		}
	}

	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusSubmitting); err != nil {
		return false, nil, err
	}

	metrics.SettlementBatchesTotal.WithLabelValues("submitting").Inc()
	logger.Info("settlement batch submitting", "batch_id", batch.ID)
	return true, nil, nil
}

// advanceSubmitting 推进 SUBMITTING 批次
func (s *SettlementCoordinatorService) advanceSubmitting(ctx context.Context, batch *model.SettlementBatch) (bool, []func(), error) {
	chainBatches, err := s.settlementRepo.ListChainBatches(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	var failed *model.ChainSettlementBatch
	allSubmitted := true
	for _, cb := range chainBatches {
		if cb.Status == model.SettlementBatchStatusFailed {
			failed = cb
		}
		if cb.Status != model.SettlementBatchStatusSubmitted {
			allSubmitted = false
		}
	}

	if failed != nil {
		// submit 阶段已过可撤销点, 部分链可能已生效, 批次置为失败待人工对账
		return s.failBatch(ctx, batch,
			fmt.Sprintf("submit failed on chain %d: %s", failed.ChainID, failed.Error))
	}
	if !allSubmitted {
		return false, nil, nil
	}

	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusSubmitted); err != nil {
		return false, nil, err
	}
	metrics.SettlementBatchesTotal.WithLabelValues("submitted").Inc()
	logger.Info("settlement batch submitted", "batch_id", batch.ID)
	return true, nil, nil
}

// completeBatch 收尾 SUBMITTED 批次: 成交完结 + 托管余额对账
func (s *SettlementCoordinatorService) completeBatch(ctx context.Context, batch *model.SettlementBatch) (bool, []func(), error) {
	result, trades, err := s.nettingForBatch(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}
	chainBatches, err := s.settlementRepo.ListChainBatches(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	after, err := s.reconcileCustodyBalances(ctx, batch, chainBatches, result)
	if err != nil {
		return false, nil, err
	}

	tradeIDs := make([]string, 0, len(trades))
	for _, trade := range trades {
		tradeIDs = append(tradeIDs, trade.TradeID)
	}
	if err := s.tradeRepo.MarkCompleted(ctx, tradeIDs); err != nil {
		return false, nil, err
	}

	for _, cb := range chainBatches {
		if err := s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusCompleted); err != nil {
			return false, nil, err
		}
	}
	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusCompleted); err != nil {
		return false, nil, err
	}

	metrics.SettlementBatchesTotal.WithLabelValues("completed").Inc()
	logger.Info("settlement batch completed",
		"batch_id", batch.ID,
		"trades", len(trades))

	for _, trade := range trades {
		trade.SettlementStatus = model.SettlementStatusCompleted
		after = append(after, func() {
			notifyTradeSettlement(ctx, s.notifier, trade)
		})
	}
	return true, after, nil
}

// reconcileCustodyBalances 结算后用链上托管余额覆盖本地镜像
//
// 预期值 = 本地镜像 + 本批净变化, 和链上实际值不一致时记录差异并
// 告警, 但不阻塞结算, 以链上数据为准。
func (s *SettlementCoordinatorService) reconcileCustodyBalances(
	ctx context.Context,
	batch *model.SettlementBatch,
	chainBatches []*model.ChainSettlementBatch,
	result *NettingResult,
) ([]func(), error) {
	var (
		changes       []model.BalanceChange
		discrepancies []*model.BalanceDiscrepancy
		after         []func()
	)

	for _, cb := range chainBatches {
		b := result.Batches[cb.ChainID]
		if b == nil {
			continue
		}
		adapter := s.adapters[cb.ChainID]
		if adapter == nil {
			return nil, fmt.Errorf("no adapter for chain %d", cb.ChainID)
		}

		type entry struct {
			walletAddress string
			tokenAddress  string
			symbol        *model.Symbol
			delta         decimal.Decimal
		}
		var entries []*entry
		index := make(map[string]*entry)

		for _, list := range b.TokenAdjustmentLists {
			tokenAddress := ""
			var symbol *model.Symbol
			var err error
			if contract.IsNativeToken(list.Token) {
				symbol, err = s.marketRepo.GetNativeSymbol(ctx, cb.ChainID)
			} else {
				tokenAddress = list.Token.Hex()
				symbol, err = s.marketRepo.GetSymbolByContract(ctx, cb.ChainID, tokenAddress)
			}
			if err != nil {
				return nil, err
			}

			add := func(walletIndex uint32, amount decimal.Decimal) {
				wallet := b.WalletAddresses[walletIndex].Hex()
				key := wallet + "|" + symbol.ID
				e, ok := index[key]
				if !ok {
					e = &entry{walletAddress: wallet, tokenAddress: tokenAddress, symbol: symbol}
					index[key] = e
					entries = append(entries, e)
				}
				e.delta = e.delta.Add(amount)
			}
			for _, adj := range list.Increments {
				add(adj.WalletIndex, decimal.NewFromBigInt(adj.Amount, 0))
			}
			for _, adj := range list.Decrements {
				add(adj.WalletIndex, decimal.NewFromBigInt(adj.Amount, 0).Neg())
			}
		}

		queries := make([]blockchain.BalanceQuery, 0, len(entries))
		for _, e := range entries {
			queries = append(queries, blockchain.BalanceQuery{
				WalletAddress: e.walletAddress,
				TokenAddress:  e.tokenAddress,
			})
		}
		actuals, err := adapter.GetCustodyBalances(ctx, queries)
		if err != nil {
			return nil, err
		}
		if len(actuals) != len(entries) {
			return nil, fmt.Errorf("custody balance query returned %d of %d results on chain %d",
				len(actuals), len(entries), cb.ChainID)
		}

		for i, e := range entries {
			wallet, err := s.marketRepo.GetWalletByAddress(ctx, e.walletAddress)
			if err != nil {
				return nil, err
			}

			mirror := decimal.Zero
			balance, err := s.balanceRepo.Get(ctx, wallet.ID, e.symbol.ID, model.BalanceTypeExchange)
			if err == nil {
				mirror = balance.Amount
			} else if !errors.Is(err, repository.ErrBalanceNotFound) {
				return nil, err
			}

			expected := mirror.Add(e.delta)
			actual := actuals[i].Amount
			if !expected.Equal(actual) {
				metrics.BalanceDiscrepanciesTotal.WithLabelValues(chainLabel(cb.ChainID)).Inc()
				logger.Error("custody balance discrepancy",
					"batch_id", batch.ID,
					"chain_id", cb.ChainID,
					"wallet_address", e.walletAddress,
					"symbol_id", e.symbol.ID,
					"expected", expected.String(),
					"actual", actual.String())
				discrepancies = append(discrepancies, &model.BalanceDiscrepancy{
					SettlementBatchID: batch.ID,
					ChainID:           cb.ChainID,
					WalletID:          wallet.ID,
					SymbolID:          e.symbol.ID,
					ExpectedAmount:    expected,
					ActualAmount:      actual,
				})
			}

			change := model.BalanceChange{
				WalletID: wallet.ID,
				SymbolID: e.symbol.ID,
				Type:     model.BalanceTypeExchange,
				Kind:     model.BalanceChangeKindReplace,
				Amount:   actual,
			}
			changes = append(changes, change)
			walletAddress := e.walletAddress
			after = append(after, func() {
				notifyBalanceChange(ctx, s.notifier, walletAddress, change)
			})
		}
	}

	if err := s.balanceRepo.ApplyChanges(ctx, changes); err != nil {
		return nil, err
	}
	if len(discrepancies) > 0 {
		if err := s.reconRepo.CreateDiscrepancies(ctx, discrepancies); err != nil {
			return nil, err
		}
	}
	return after, nil
}

// beginRollback 任一链失败, 各链撤销已 prepare 的批次
func (s *SettlementCoordinatorService) beginRollback(ctx context.Context, batch *model.SettlementBatch, chainBatches []*model.ChainSettlementBatch, markAll bool) (bool, []func(), error) {
	if markAll {
		// 链批次整体失败且事件未指明成交, 整批标记失败
		trades, err := s.tradeRepo.ListByBatchIDAndStatus(ctx, batch.ID, model.SettlementStatusSettling)
		if err != nil {
			return false, nil, err
		}
		hashes := make([]string, 0, len(trades))
		for _, trade := range trades {
			hashes = append(hashes, trade.TradeHash)
		}
		if _, err := s.tradeRepo.MarkFailedSettling(ctx, batch.ID, hashes, "Chain settlement batch failed"); err != nil {
			return false, nil, err
		}
	}

	// 只撤销 prepare 已生效的链, Failed 的链 prepare 从未生效
	for _, cb := range chainBatches {
		if cb.Status != model.SettlementBatchStatusPrepared {
			continue
		}

		custody := s.custody[cb.ChainID]
		if custody == nil {
			return false, nil, fmt.Errorf("no custody contract for chain %d", cb.ChainID)
		}
		data, err := custody.PackRollbackBatch()
		if err != nil {
			return false, nil, err
		}

		tx := &model.BlockchainTransaction{
			ChainID:   cb.ChainID,
			ToAddress: custody.Address().Hex(),
			Data:      data,
			Value:     decimal.Zero,
			BatchHash: cb.BatchHash,
			Status:    model.BlockchainTransactionStatusPending,
		}
		if err := s.txRepo.Create(ctx, tx); err != nil {
			return false, nil, err
		}
		if err := s.settlementRepo.SetChainBatchRollbackTx(ctx, cb.ID, tx.ID); err != nil {
			return false, nil, err
		}
		if err := s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusRollingBack); err != nil {
			return false, nil, err
		}
	}

	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusRollingBack); err != nil {
		return false, nil, err
	}

	metrics.SettlementBatchesTotal.WithLabelValues("rolling_back").Inc()
	logger.Warn("settlement batch rolling back", "batch_id", batch.ID)
	return true, nil, nil
}

// advanceRollingBack 推进 ROLLING_BACK 批次
func (s *SettlementCoordinatorService) advanceRollingBack(ctx context.Context, batch *model.SettlementBatch) (bool, []func(), error) {
	chainBatches, err := s.settlementRepo.ListChainBatches(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	var failed *model.ChainSettlementBatch
	allRolledBack := true
	for _, cb := range chainBatches {
		switch cb.Status {
		case model.SettlementBatchStatusRolledBack, model.SettlementBatchStatusFailed:
			// Failed 的链 prepare 从未生效, 视同已撤销
			if cb.RollbackTxID != nil && cb.Status == model.SettlementBatchStatusFailed {
				failed = cb
			}
		default:
			allRolledBack = false
		}
	}

	if failed != nil {
		// 撤销交易本身失败, 需人工介入
		return s.failBatch(ctx, batch,
			fmt.Sprintf("rollback failed on chain %d: %s", failed.ChainID, failed.Error))
	}
	if !allRolledBack {
		return false, nil, nil
	}

	failedTrades, err := s.tradeRepo.ListByBatchIDAndStatus(ctx, batch.ID, model.SettlementStatusFailedSettling)
	if err != nil {
		return false, nil, err
	}
	executions, err := s.executionsByTrade(ctx, failedTrades)
	if err != nil {
		return false, nil, err
	}

	failedIDs := make([]string, 0, len(failedTrades))
	for _, trade := range failedTrades {
		failedIDs = append(failedIDs, trade.TradeID)
	}
	if err := s.tradeRepo.MarkFailed(ctx, failedIDs, "Settlement failed on chain"); err != nil {
		return false, nil, err
	}

	// 未失败的成交放回待结算队列, 进入下一个批次
	requeued, err := s.tradeRepo.ResetToPending(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}

	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusCompleted); err != nil {
		return false, nil, err
	}

	metrics.SettlementBatchesTotal.WithLabelValues("rolled_back").Inc()
	logger.Info("settlement batch rolled back",
		"batch_id", batch.ID,
		"failed_trades", len(failedTrades),
		"requeued_trades", requeued)

	after := make([]func(), 0, len(failedTrades))
	for _, trade := range failedTrades {
		trade.SettlementStatus = model.SettlementStatusFailed
		after = append(after, func() {
			s.reportFailSettlement(ctx, trade, executions[trade.TradeID])
			notifyTradeSettlement(ctx, s.notifier, trade)
		})
	}
	return true, after, nil
}

// failBatch 批次不可恢复, 整批成交置为失败
func (s *SettlementCoordinatorService) failBatch(ctx context.Context, batch *model.SettlementBatch, reason string) (bool, []func(), error) {
	trades, err := s.tradeRepo.ListByBatchID(ctx, batch.ID)
	if err != nil {
		return false, nil, err
	}
	var open []*model.Trade
	for _, trade := range trades {
		if !trade.SettlementStatus.IsTerminal() {
			open = append(open, trade)
		}
	}

	active, after, err := s.failTrades(ctx, open, reason)
	if err != nil {
		return active, after, err
	}

	if err := s.settlementRepo.UpdateBatchStatus(ctx, batch.ID, model.SettlementBatchStatusFailed); err != nil {
		return false, nil, err
	}
	metrics.SettlementBatchesTotal.WithLabelValues("failed").Inc()
	logger.Error("settlement batch failed",
		"batch_id", batch.ID,
		"reason", reason)
	return true, after, nil
}

// failTrades 成交置为失败并回报撮合器
func (s *SettlementCoordinatorService) failTrades(ctx context.Context, trades []*model.Trade, reason string) (bool, []func(), error) {
	if len(trades) == 0 {
		return true, nil, nil
	}

	executions, err := s.executionsByTrade(ctx, trades)
	if err != nil {
		return false, nil, err
	}

	tradeIDs := make([]string, 0, len(trades))
	for _, trade := range trades {
		tradeIDs = append(tradeIDs, trade.TradeID)
	}
	if err := s.tradeRepo.MarkFailed(ctx, tradeIDs, reason); err != nil {
		return false, nil, err
	}

	logger.Warn("trades failed without settlement",
		"count", len(trades),
		"reason", reason)

	after := make([]func(), 0, len(trades))
	for _, trade := range trades {
		trade.SettlementStatus = model.SettlementStatusFailed
		trade.Error = reason
		after = append(after, func() {
			s.reportFailSettlement(ctx, trade, executions[trade.TradeID])
			notifyTradeSettlement(ctx, s.notifier, trade)
		})
	}
	return true, after, nil
}

// nettingForBatch 从批内仍在结算的成交重算净额
func (s *SettlementCoordinatorService) nettingForBatch(ctx context.Context, batchID string) (*NettingResult, []*model.Trade, error) {
	trades, err := s.tradeRepo.ListByBatchIDAndStatus(ctx, batchID, model.SettlementStatusSettling)
	if err != nil {
		return nil, nil, err
	}
	executions, err := s.executionsByTrade(ctx, trades)
	if err != nil {
		return nil, nil, err
	}
	result, err := ComputeNetting(ctx, s.marketCache, trades, executions)
	if err != nil {
		return nil, nil, err
	}
	return result, trades, nil
}

// executionsByTrade 批量加载成交的单边执行
func (s *SettlementCoordinatorService) executionsByTrade(ctx context.Context, trades []*model.Trade) (map[string][]*model.OrderExecution, error) {
	tradeIDs := make([]string, 0, len(trades))
	for _, trade := range trades {
		tradeIDs = append(tradeIDs, trade.TradeID)
	}
	executions, err := s.tradeRepo.ListExecutions(ctx, tradeIDs)
	if err != nil {
		return nil, err
	}
	byTrade := make(map[string][]*model.OrderExecution, len(trades))
	for _, e := range executions {
		byTrade[e.TradeID] = append(byTrade[e.TradeID], e)
	}
	return byTrade, nil
}

// reportFailSettlement 回报撮合器结算失败, 失败仅记录不重试
func (s *SettlementCoordinatorService) reportFailSettlement(ctx context.Context, trade *model.Trade, executions []*model.OrderExecution) {
	if s.seqClient == nil {
		return
	}

	var buy, sell *model.OrderExecution
	for _, e := range executions {
		switch e.Side {
		case model.OrderSideBuy:
			buy = e
		case model.OrderSideSell:
			sell = e
		}
	}
	if buy == nil || sell == nil {
		logger.Error("cannot report settlement failure, executions incomplete",
			"trade_id", trade.TradeID)
		return
	}

	data, err := s.marketCache.GetMarketData(ctx, trade.MarketID)
	if err != nil {
		logger.Error("cannot report settlement failure, market lookup failed",
			"trade_id", trade.TradeID,
			"error", err)
		return
	}
	levelIx := int64(0)
	if data.Market.TickSize.IsPositive() {
		levelIx = trade.Price.Div(data.Market.TickSize).IntPart()
	}

	err = s.seqClient.FailSettlement(ctx, &sequencer.FailSettlementParams{
		BuyerWalletID:  buy.WalletID,
		SellerWalletID: sell.WalletID,
		MarketID:       trade.MarketID,
		BuyOrderID:     buy.OrderID,
		SellOrderID:    sell.OrderID,
		Amount:         trade.Amount,
		LevelIx:        levelIx,
		BuyerFee:       buy.FeeAmount,
		SellerFee:      sell.FeeAmount,
	})
	if err != nil {
		metrics.SequencerCallFailuresTotal.WithLabelValues("fail_settlement").Inc()
		logger.Error("failed to report settlement failure to sequencer",
			"trade_id", trade.TradeID,
			"error", err)
	}
}
