// ========================================
// ChainTransactionHandlerService 链上交易驱动对接说明
// ========================================
//
// ## 功能概述
// 每条链一个实例, 驱动该链活跃链批次 (PREPARING / SUBMITTING /
// ROLLING_BACK) 对应的链上交易:
// - PENDING 交易签名广播, 广播即回滚的交易直接判失败
// - SUBMITTED 交易轮询回执, 成功则推进链批次状态,
//   失败则链批次判失败, 由结算协调器决定整批走向
//
// ## 与协调器的分工
// 协调器只写交易行和批次状态机, 本服务只和链交互。
// prepare 回执中 SettlementFailed 事件携带的成交哈希在这里
// 标记为 FAILED_SETTLING, 链批次仍推进到 PREPARED,
// 回滚决策留给协调器。
//
// ========================================
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/metrics"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

var (
	ErrTxHandlerAlreadyRunning = errors.New("transaction handler already running")
	ErrTxHandlerNotRunning     = errors.New("transaction handler not running")
)

// ChainTransactionHandlerService 链上交易驱动服务 (每链一个实例)
type ChainTransactionHandlerService struct {
	adapter        blockchain.ChainAdapter
	txRepo         repository.TransactionRepository
	tradeRepo      repository.TradeRepository
	settlementRepo repository.SettlementRepository

	chainID        int64
	pollInterval   time.Duration
	receiptMaxWait time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ChainTransactionHandlerConfig 链上交易驱动配置
type ChainTransactionHandlerConfig struct {
	PollInterval   time.Duration
	ReceiptMaxWait time.Duration
}

// NewChainTransactionHandlerService 创建链上交易驱动服务
func NewChainTransactionHandlerService(
	adapter blockchain.ChainAdapter,
	txRepo repository.TransactionRepository,
	tradeRepo repository.TradeRepository,
	settlementRepo repository.SettlementRepository,
	cfg *ChainTransactionHandlerConfig,
) *ChainTransactionHandlerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	receiptMaxWait := cfg.ReceiptMaxWait
	if receiptMaxWait == 0 {
		receiptMaxWait = 10 * time.Minute
	}

	return &ChainTransactionHandlerService{
		adapter:        adapter,
		txRepo:         txRepo,
		tradeRepo:      tradeRepo,
		settlementRepo: settlementRepo,
		chainID:        adapter.ChainID(),
		pollInterval:   pollInterval,
		receiptMaxWait: receiptMaxWait,
	}
}

// Start 启动链上交易驱动服务
func (s *ChainTransactionHandlerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrTxHandlerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("transaction handler starting", "chain_id", s.chainID)

	go s.runLoop(ctx)

	return nil
}

// Stop 停止链上交易驱动服务
func (s *ChainTransactionHandlerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrTxHandlerNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("transaction handler stopped", "chain_id", s.chainID)

	return nil
}

// IsRunning 检查是否运行中
func (s *ChainTransactionHandlerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runLoop 主循环
func (s *ChainTransactionHandlerService) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.Error("transaction handler tick failed",
					"chain_id", s.chainID,
					"error", err)
			}
		}
	}
}

// Tick 单次轮询, 逐个驱动本链活跃链批次
func (s *ChainTransactionHandlerService) Tick(ctx context.Context) error {
	chainBatches, err := s.settlementRepo.ListActiveChainBatches(ctx, s.chainID)
	if err != nil {
		return err
	}

	for _, cb := range chainBatches {
		if err := s.processChainBatch(ctx, cb); err != nil {
			// 单个批次失败不阻塞其余批次, 下一轮重试
			logger.Error("failed to process chain settlement batch",
				"chain_id", s.chainID,
				"batch_id", cb.SettlementBatchID,
				"status", cb.Status.String(),
				"error", err)
		}
	}
	return nil
}

// processChainBatch 驱动链批次当前阶段对应的交易
func (s *ChainTransactionHandlerService) processChainBatch(ctx context.Context, cb *model.ChainSettlementBatch) error {
	txID, err := currentTxID(cb)
	if err != nil {
		return err
	}

	tx, err := s.txRepo.GetByID(ctx, txID)
	if err != nil {
		return err
	}

	switch tx.Status {
	case model.BlockchainTransactionStatusPending:
		return s.submitTransaction(ctx, cb, tx)
	case model.BlockchainTransactionStatusSubmitted, model.BlockchainTransactionStatusConfirmed:
		// CONFIRMED 说明上次在推进批次前中断, 回执幂等重查补齐
		return s.checkReceipt(ctx, cb, tx)
	case model.BlockchainTransactionStatusFailed:
		// 交易已失败但批次还活跃, 补齐批次状态
		return s.failChainBatch(ctx, cb, tx.Error)
	default:
		return nil
	}
}

// currentTxID 链批次当前阶段对应的交易 ID
func currentTxID(cb *model.ChainSettlementBatch) (int64, error) {
	switch cb.Status {
	case model.SettlementBatchStatusPreparing:
		return cb.PreparationTxID, nil
	case model.SettlementBatchStatusSubmitting:
		if cb.SubmissionTxID == nil {
			return 0, errors.New("submitting chain batch has no submission tx")
		}
		return *cb.SubmissionTxID, nil
	case model.SettlementBatchStatusRollingBack:
		if cb.RollbackTxID == nil {
			return 0, errors.New("rolling back chain batch has no rollback tx")
		}
		return *cb.RollbackTxID, nil
	default:
		return 0, errors.New("chain batch not in a driveable status")
	}
}

// submitTransaction 签名并广播 PENDING 交易
func (s *ChainTransactionHandlerService) submitTransaction(ctx context.Context, cb *model.ChainSettlementBatch, tx *model.BlockchainTransaction) error {
	txHash, nonce, err := s.adapter.SubmitTransaction(ctx, tx.ToAddress, tx.Data, tx.Value.BigInt())
	if err != nil {
		if isSubmissionRevert(err) {
			// 预执行即回滚, 重试无意义
			if markErr := s.txRepo.MarkFailed(ctx, tx.ID, err.Error()); markErr != nil {
				return markErr
			}
			metrics.BlockchainTxTotal.WithLabelValues(chainLabel(s.chainID), "failed").Inc()
			return s.failChainBatch(ctx, cb, err.Error())
		}
		// 广播失败 (网络或 nonce 问题), 下一轮重试
		return err
	}

	if err := s.txRepo.MarkSubmitted(ctx, tx.ID, txHash, nonce); err != nil {
		return err
	}

	metrics.BlockchainTxTotal.WithLabelValues(chainLabel(s.chainID), "submitted").Inc()
	logger.Info("transaction submitted",
		"chain_id", s.chainID,
		"batch_id", cb.SettlementBatchID,
		"tx_hash", txHash,
		"nonce", nonce)
	return nil
}

// checkReceipt 轮询 SUBMITTED 交易的回执
func (s *ChainTransactionHandlerService) checkReceipt(ctx context.Context, cb *model.ChainSettlementBatch, tx *model.BlockchainTransaction) error {
	if tx.TxHash == nil {
		return errors.New("submitted transaction has no tx hash")
	}

	receipt, err := s.adapter.GetTransactionReceipt(ctx, *tx.TxHash)
	if errors.Is(err, blockchain.ErrTxNotFound) {
		age := time.Since(time.UnixMilli(tx.UpdatedAt))
		if age > s.receiptMaxWait {
			logger.Warn("transaction receipt still missing",
				"chain_id", s.chainID,
				"tx_hash", *tx.TxHash,
				"age", age.String())
		}
		return nil
	}
	if err != nil {
		return err
	}

	if !receipt.Success {
		reason := receipt.RevertReason
		if reason == "" {
			reason = "Transaction reverted"
		}
		if err := s.txRepo.MarkFailed(ctx, tx.ID, reason); err != nil {
			return err
		}
		metrics.BlockchainTxTotal.WithLabelValues(chainLabel(s.chainID), "failed").Inc()
		logger.Error("transaction reverted",
			"chain_id", s.chainID,
			"batch_id", cb.SettlementBatchID,
			"tx_hash", *tx.TxHash,
			"reason", reason)
		return s.failChainBatch(ctx, cb, reason)
	}

	if tx.Status != model.BlockchainTransactionStatusConfirmed {
		if err := s.txRepo.MarkConfirmed(ctx, tx.ID, receipt.BlockNumber, receipt.GasUsed); err != nil {
			return err
		}
		metrics.BlockchainTxTotal.WithLabelValues(chainLabel(s.chainID), "confirmed").Inc()
		metrics.BlockchainGasUsed.WithLabelValues(chainLabel(s.chainID)).Observe(float64(receipt.GasUsed))
	}

	if err := s.advanceChainBatch(ctx, cb, receipt); err != nil {
		return err
	}
	return s.txRepo.MarkCompleted(ctx, tx.ID)
}

// advanceChainBatch 交易确认后推进链批次状态
func (s *ChainTransactionHandlerService) advanceChainBatch(ctx context.Context, cb *model.ChainSettlementBatch, receipt *blockchain.TxReceipt) error {
	switch cb.Status {
	case model.SettlementBatchStatusPreparing:
		// 合约接受了批次但拒绝了个别成交, 拒绝的成交标记失败,
		// 链批次照常进入 PREPARED, 是否回滚由协调器定夺
		if len(receipt.FailedTradeHashes) > 0 {
			marked, err := s.tradeRepo.MarkFailedSettling(ctx, cb.SettlementBatchID,
				receipt.FailedTradeHashes, "Rejected by custody contract")
			if err != nil {
				return err
			}
			logger.Warn("custody contract rejected trades",
				"chain_id", s.chainID,
				"batch_id", cb.SettlementBatchID,
				"rejected", len(receipt.FailedTradeHashes),
				"marked", marked)
		}
		logger.Info("chain batch prepared",
			"chain_id", s.chainID,
			"batch_id", cb.SettlementBatchID)
		return s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusPrepared)

	case model.SettlementBatchStatusSubmitting:
		logger.Info("chain batch submitted",
			"chain_id", s.chainID,
			"batch_id", cb.SettlementBatchID)
		return s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusSubmitted)

	case model.SettlementBatchStatusRollingBack:
		logger.Info("chain batch rolled back",
			"chain_id", s.chainID,
			"batch_id", cb.SettlementBatchID)
		return s.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusRolledBack)

	default:
		return nil
	}
}

// failChainBatch 链批次判失败, 整批走向由协调器决定
func (s *ChainTransactionHandlerService) failChainBatch(ctx context.Context, cb *model.ChainSettlementBatch, reason string) error {
	logger.Error("chain settlement batch failed",
		"chain_id", s.chainID,
		"batch_id", cb.SettlementBatchID,
		"reason", reason)
	return s.settlementRepo.MarkChainBatchFailed(ctx, cb.ID, reason)
}

// isSubmissionRevert 判断广播错误是否为合约回滚类错误
func isSubmissionRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert")
}
