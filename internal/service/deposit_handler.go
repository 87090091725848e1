// ========================================
// DepositHandlerService 充值确认服务对接说明
// ========================================
//
// ## 功能概述
// 轮询推进充值状态机:
// - PENDING: 查回执。成功且确认数足够 -> 入账 + CONFIRMED;
//   回执失败 -> FAILED; 回执长期缺失 -> FAILED
// - CONFIRMED: 调撮合器 Deposit, 成功后条件更新到 SENT_TO_SEQUENCER
//
// ## 幂等性
// 推进到 SENT_TO_SEQUENCER 用条件更新 (WHERE status = CONFIRMED)。
// 撮合器可能先于本地更新回报 deposits-completed 把状态推到
// COMPLETE, 此时条件更新不命中, 直接放弃本次变更。
// 撮合器按 deposit_id 幂等去重, 重复调用无副作用。
//
// ========================================
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/metrics"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/internal/sequencer"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

var (
	ErrDepositHandlerAlreadyRunning = errors.New("deposit handler already running")
	ErrDepositHandlerNotRunning     = errors.New("deposit handler not running")
)

// DepositHandlerService 充值确认服务 (每链一个实例)
type DepositHandlerService struct {
	adapter     blockchain.ChainAdapter
	repo        *repository.Repository
	depositRepo repository.DepositRepository
	balanceRepo repository.BalanceRepository
	marketRepo  repository.MarketRepository
	seqClient   sequencer.Client
	notifier    Notifier

	chainID        int64
	pollInterval   time.Duration
	confirmations  int64
	receiptMaxWait time.Duration

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// DepositHandlerConfig 充值确认配置
type DepositHandlerConfig struct {
	PollInterval   time.Duration
	Confirmations  int
	ReceiptMaxWait time.Duration
}

// NewDepositHandlerService 创建充值确认服务
func NewDepositHandlerService(
	adapter blockchain.ChainAdapter,
	repo *repository.Repository,
	depositRepo repository.DepositRepository,
	balanceRepo repository.BalanceRepository,
	marketRepo repository.MarketRepository,
	seqClient sequencer.Client,
	notifier Notifier,
	cfg *DepositHandlerConfig,
) *DepositHandlerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 12
	}

	receiptMaxWait := cfg.ReceiptMaxWait
	if receiptMaxWait == 0 {
		receiptMaxWait = 10 * time.Minute
	}

	return &DepositHandlerService{
		adapter:        adapter,
		repo:           repo,
		depositRepo:    depositRepo,
		balanceRepo:    balanceRepo,
		marketRepo:     marketRepo,
		seqClient:      seqClient,
		notifier:       notifier,
		chainID:        adapter.ChainID(),
		pollInterval:   pollInterval,
		confirmations:  int64(confirmations),
		receiptMaxWait: receiptMaxWait,
	}
}

// Start 启动充值确认服务
func (s *DepositHandlerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrDepositHandlerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("deposit handler starting", "chain_id", s.chainID)

	go s.runLoop(ctx)

	return nil
}

// Stop 停止充值确认服务
func (s *DepositHandlerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrDepositHandlerNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("deposit handler stopped", "chain_id", s.chainID)

	return nil
}

// IsRunning 检查是否运行中
func (s *DepositHandlerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runLoop 主循环
func (s *DepositHandlerService) runLoop(ctx context.Context) {
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
				logger.Error("deposit handler tick failed",
					"chain_id", s.chainID,
					"error", err)
			}
		}
	}
}

// Tick 单次轮询
func (s *DepositHandlerService) Tick(ctx context.Context) error {
	if err := s.processPending(ctx); err != nil {
		return err
	}
	return s.processConfirmed(ctx)
}

// processPending 推进 PENDING 充值
func (s *DepositHandlerService) processPending(ctx context.Context) error {
	deposits, err := s.depositRepo.ListPending(ctx, s.chainID)
	if err != nil {
		return err
	}
	if len(deposits) == 0 {
		return nil
	}

	head, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		return err
	}

	for _, deposit := range deposits {
		if err := s.processPendingDeposit(ctx, deposit, head); err != nil {
			// 单笔失败不阻塞其余充值, 下一轮重试
			logger.Error("failed to process pending deposit",
				"chain_id", s.chainID,
				"deposit_id", deposit.DepositID,
				"error", err)
		}
	}
	return nil
}

// processPendingDeposit 推进单笔 PENDING 充值
func (s *DepositHandlerService) processPendingDeposit(ctx context.Context, deposit *model.Deposit, head int64) error {
	receipt, err := s.adapter.GetTransactionReceipt(ctx, deposit.TxHash)
	if err != nil {
		if errors.Is(err, blockchain.ErrTxNotFound) {
			age := time.Since(time.UnixMilli(deposit.CreatedAt))
			if age > s.receiptMaxWait {
				return s.failDeposit(ctx, deposit, "Transaction receipt not found")
			}
			return nil
		}
		return err
	}

	if !receipt.Success {
		reason := receipt.RevertReason
		if reason == "" {
			reason = "Unknown Error"
		}
		return s.failDeposit(ctx, deposit, reason)
	}

	confirmations := head - receipt.BlockNumber + 1
	if confirmations < 0 {
		confirmations = 0
	}
	if confirmations < s.confirmations {
		return nil
	}

	// 入账和状态推进在同一事务内, 保证恰好一次。
	// 只抬高托管镜像余额 (EXCHANGE), 结算对账以该镜像为预期值;
	// 可用余额由撮合器在收到充值通知后记账。
	changes := []model.BalanceChange{
		{
			WalletID: deposit.WalletID,
			SymbolID: deposit.SymbolID,
			Type:     model.BalanceTypeExchange,
			Kind:     model.BalanceChangeKindDelta,
			Amount:   deposit.Amount,
		},
	}
	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		// 重查状态, 防止与分叉回滚并发
		current, err := s.depositRepo.GetByDepositID(txCtx, deposit.DepositID)
		if err != nil {
			return err
		}
		if current.Status != model.DepositStatusPending {
			return nil
		}

		if err := s.balanceRepo.ApplyChanges(txCtx, changes); err != nil {
			return err
		}
		return s.depositRepo.MarkConfirmed(txCtx, deposit.ID, receipt.BlockNumber)
	})
	if err != nil {
		return err
	}

	deposit.Status = model.DepositStatusConfirmed
	deposit.BlockNumber = &receipt.BlockNumber
	metrics.DepositsTotal.WithLabelValues(chainLabel(s.chainID), "confirmed").Inc()
	logger.Info("deposit confirmed",
		"chain_id", s.chainID,
		"deposit_id", deposit.DepositID,
		"confirmations", confirmations)

	notifyDepositStatus(ctx, s.notifier, deposit)
	notifyBalanceChange(ctx, s.notifier, deposit.WalletAddress, changes[0])
	return nil
}

// processConfirmed 将 CONFIRMED 充值通知撮合器
func (s *DepositHandlerService) processConfirmed(ctx context.Context) error {
	deposits, err := s.depositRepo.ListConfirmed(ctx, s.chainID)
	if err != nil {
		return err
	}

	for _, deposit := range deposits {
		if err := s.sendToSequencer(ctx, deposit); err != nil {
			metrics.SequencerCallFailuresTotal.WithLabelValues("deposit").Inc()
			logger.Error("failed to send deposit to sequencer",
				"chain_id", s.chainID,
				"deposit_id", deposit.DepositID,
				"error", err)
		}
	}
	return nil
}

// sendToSequencer 通知撮合器单笔充值
func (s *DepositHandlerService) sendToSequencer(ctx context.Context, deposit *model.Deposit) error {
	wallet, err := s.marketRepo.GetWallet(ctx, deposit.WalletID)
	if err != nil {
		return err
	}

	if err := s.seqClient.Deposit(ctx, wallet.SequencerID, deposit.SymbolID, deposit.Amount, deposit.DepositID); err != nil {
		return err
	}

	updated, err := s.depositRepo.UpdateStatusIf(ctx, deposit.ID,
		model.DepositStatusConfirmed, model.DepositStatusSentToSequencer)
	if err != nil {
		return err
	}
	if !updated {
		// 撮合器回报已把状态推到 COMPLETE, 放弃本次变更
		logger.Debug("deposit status advanced concurrently",
			"deposit_id", deposit.DepositID)
		return nil
	}

	deposit.Status = model.DepositStatusSentToSequencer
	metrics.DepositsTotal.WithLabelValues(chainLabel(s.chainID), "sent_to_sequencer").Inc()
	logger.Info("deposit sent to sequencer",
		"chain_id", s.chainID,
		"deposit_id", deposit.DepositID)

	notifyDepositStatus(ctx, s.notifier, deposit)
	return nil
}

// failDeposit 标记充值失败
func (s *DepositHandlerService) failDeposit(ctx context.Context, deposit *model.Deposit, reason string) error {
	if err := s.depositRepo.MarkFailed(ctx, deposit.ID, reason); err != nil {
		return err
	}

	deposit.Status = model.DepositStatusFailed
	deposit.Error = reason
	metrics.DepositsTotal.WithLabelValues(chainLabel(s.chainID), "failed").Inc()
	logger.Warn("deposit failed",
		"chain_id", s.chainID,
		"deposit_id", deposit.DepositID,
		"reason", reason)

	notifyDepositStatus(ctx, s.notifier, deposit)
	return nil
}
