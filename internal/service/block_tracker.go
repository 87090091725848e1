// ========================================
// BlockTrackerService 区块跟踪服务对接说明
// ========================================
//
// ## 功能概述
// 按链逐块推进游标, 记录每个已处理区块的哈希, 解析托管合约
// Deposit 事件创建充值记录。父哈希不匹配时进入分叉处理。
//
// ## 分叉处理
// - 从 当前块 - (确认数 + 1) 起找出本地哈希与链上不一致的区块
// - 任一受影响区块内存在已入账充值 (CONFIRMED 及之后) 时拒绝
//   自动回滚, 只告警, 等待人工介入
// - 否则将受影响的 PENDING 充值标记为失败, 删除区块记录,
//   游标自然回退到分叉点重新扫描
//
// ## 起始区块
// 1. 本地有已处理区块 -> 最大区块号 + 1
// 2. 否则有带区块号的充值 -> 最大充值区块号 + 1
// 3. 否则 -> 当前链头 (不回填历史)
//
// ========================================
package service

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/metrics"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

var (
	ErrTrackerAlreadyRunning = errors.New("block tracker already running")
	ErrTrackerNotRunning     = errors.New("block tracker not running")
	// ErrRollbackRefused 分叉触及已入账充值, 拒绝自动回滚
	ErrRollbackRefused = errors.New("fork rollback refused: finalized deposits affected")
)

// maxBlocksPerTick 单次轮询最多推进的区块数
const maxBlocksPerTick = 100

// BlockTrackerService 区块跟踪服务 (每链一个实例)
type BlockTrackerService struct {
	adapter     blockchain.ChainAdapter
	repo        *repository.Repository
	blockRepo   repository.BlockRepository
	depositRepo repository.DepositRepository
	marketRepo  repository.MarketRepository
	notifier    Notifier

	chainID       int64
	pollInterval  time.Duration
	confirmations int64

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// BlockTrackerConfig 区块跟踪配置
type BlockTrackerConfig struct {
	PollInterval  time.Duration
	Confirmations int
}

// NewBlockTrackerService 创建区块跟踪服务
func NewBlockTrackerService(
	adapter blockchain.ChainAdapter,
	repo *repository.Repository,
	blockRepo repository.BlockRepository,
	depositRepo repository.DepositRepository,
	marketRepo repository.MarketRepository,
	notifier Notifier,
	cfg *BlockTrackerConfig,
) *BlockTrackerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 12
	}

	return &BlockTrackerService{
		adapter:       adapter,
		repo:          repo,
		blockRepo:     blockRepo,
		depositRepo:   depositRepo,
		marketRepo:    marketRepo,
		notifier:      notifier,
		chainID:       adapter.ChainID(),
		pollInterval:  pollInterval,
		confirmations: int64(confirmations),
	}
}

// Start 启动区块跟踪
func (s *BlockTrackerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrTrackerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	logger.Info("block tracker starting",
		"chain_id", s.chainID,
		"confirmations", s.confirmations)

	go s.runLoop(ctx)

	return nil
}

// Stop 停止区块跟踪
func (s *BlockTrackerService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrTrackerNotRunning
	}

	close(s.stopCh)
	s.running = false

	logger.Info("block tracker stopped", "chain_id", s.chainID)

	return nil
}

// IsRunning 检查是否运行中
func (s *BlockTrackerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runLoop 主循环
func (s *BlockTrackerService) runLoop(ctx context.Context) {
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
				logger.Error("block tracker tick failed",
					"chain_id", s.chainID,
					"error", err)
			}
		}
	}
}

// Tick 单次轮询: 从游标推进到链头
func (s *BlockTrackerService) Tick(ctx context.Context) error {
	head, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		return err
	}

	next, err := s.nextBlockNumber(ctx, head)
	if err != nil {
		return err
	}

	processed := 0
	for next <= head && processed < maxBlocksPerTick {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		forked, err := s.processBlock(ctx, next)
		if err != nil {
			return err
		}
		if forked {
			// 区块记录已回退, 下一轮从分叉点重扫
			return nil
		}

		metrics.BlocksProcessedTotal.WithLabelValues(chainLabel(s.chainID)).Inc()
		metrics.ChainHeadGauge.WithLabelValues(chainLabel(s.chainID)).Set(float64(next))
		next++
		processed++
	}

	return nil
}

// nextBlockNumber 计算下一个待处理区块号
func (s *BlockTrackerService) nextBlockNumber(ctx context.Context, head int64) (int64, error) {
	last, err := s.blockRepo.GetLatest(ctx, s.chainID)
	if err == nil {
		return last.BlockNumber + 1, nil
	}
	if !errors.Is(err, repository.ErrBlockNotFound) {
		return 0, err
	}

	maxDeposit, err := s.depositRepo.MaxBlockNumber(ctx, s.chainID)
	if err == nil {
		return maxDeposit + 1, nil
	}
	if !errors.Is(err, repository.ErrDepositNotFound) {
		return 0, err
	}

	return head, nil
}

// processBlock 处理单个区块, 返回是否检测到分叉
func (s *BlockTrackerService) processBlock(ctx context.Context, number int64) (bool, error) {
	header, err := s.adapter.GetBlockHeader(ctx, number)
	if err != nil {
		if errors.Is(err, blockchain.ErrBlockNotFound) {
			// 链头回退, 下一轮再看
			return false, nil
		}
		return false, err
	}

	last, err := s.blockRepo.GetLatest(ctx, s.chainID)
	if err != nil && !errors.Is(err, repository.ErrBlockNotFound) {
		return false, err
	}

	if last != nil && last.BlockNumber == number-1 && header.ParentHash != last.BlockHash {
		logger.Warn("fork detected",
			"chain_id", s.chainID,
			"block_number", number,
			"parent_hash", header.ParentHash,
			"recorded_hash", last.BlockHash)
		metrics.ForksDetectedTotal.WithLabelValues(chainLabel(s.chainID)).Inc()

		if err := s.handleFork(ctx, number); err != nil {
			return true, err
		}
		return true, nil
	}

	deposits, err := s.adapter.GetCustodyDeposits(ctx, header.Hash)
	if err != nil {
		return false, err
	}

	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.blockRepo.Create(txCtx, &model.ProcessedBlock{
			ChainID:     s.chainID,
			BlockNumber: header.Number,
			BlockHash:   header.Hash,
			ParentHash:  header.ParentHash,
		}); err != nil {
			return err
		}

		for _, log := range deposits {
			if err := s.recordDeposit(txCtx, log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	return false, nil
}

// recordDeposit 落库一笔链上观测到的充值
//
// 同一 (chain_id, tx_hash) 已存在时只更新区块号 (分叉后重扫会走到这里)。
func (s *BlockTrackerService) recordDeposit(ctx context.Context, log *blockchain.DepositLog) error {
	existing, err := s.depositRepo.GetByTxHash(ctx, s.chainID, log.TxHash)
	if err == nil {
		if existing.BlockNumber == nil || *existing.BlockNumber != log.BlockNumber {
			return s.depositRepo.UpdateBlockNumber(ctx, existing.ID, log.BlockNumber)
		}
		return nil
	}
	if !errors.Is(err, repository.ErrDepositNotFound) {
		return err
	}

	symbol, err := s.resolveSymbol(ctx, log.TokenAddress)
	if err != nil {
		if errors.Is(err, repository.ErrSymbolNotFound) {
			logger.Warn("deposit for unknown token ignored",
				"chain_id", s.chainID,
				"tx_hash", log.TxHash,
				"token_address", log.TokenAddress)
			return nil
		}
		return err
	}

	wallet, err := s.marketRepo.GetOrCreateWallet(ctx, log.WalletAddress, deriveSequencerID(log.WalletAddress))
	if err != nil {
		return err
	}

	blockNumber := log.BlockNumber
	deposit := &model.Deposit{
		DepositID:     uuid.New().String(),
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		SymbolID:      symbol.ID,
		TokenAddress:  log.TokenAddress,
		Amount:        log.Amount,
		ChainID:       s.chainID,
		TxHash:        log.TxHash,
		BlockNumber:   &blockNumber,
		Status:        model.DepositStatusPending,
	}

	if err := s.depositRepo.Create(ctx, deposit); err != nil {
		if errors.Is(err, repository.ErrDuplicateDeposit) {
			return nil
		}
		return err
	}

	metrics.DepositsTotal.WithLabelValues(chainLabel(s.chainID), "pending").Inc()
	logger.Info("deposit detected",
		"chain_id", s.chainID,
		"deposit_id", deposit.DepositID,
		"wallet", deposit.WalletAddress,
		"symbol_id", deposit.SymbolID,
		"amount", deposit.Amount.String(),
		"tx_hash", deposit.TxHash)

	notifyDepositStatus(ctx, s.notifier, deposit)
	return nil
}

// resolveSymbol 按 token 地址解析资产
func (s *BlockTrackerService) resolveSymbol(ctx context.Context, tokenAddress string) (*model.Symbol, error) {
	if tokenAddress == "" {
		return s.marketRepo.GetNativeSymbol(ctx, s.chainID)
	}
	return s.marketRepo.GetSymbolByContract(ctx, s.chainID, tokenAddress)
}

// handleFork 分叉回滚
func (s *BlockTrackerService) handleFork(ctx context.Context, forkPoint int64) error {
	// 只需检查确认窗口内的区块, 更早的区块已不可能被重组
	from := forkPoint - s.confirmations - 1
	if from < 0 {
		from = 0
	}

	recorded, err := s.blockRepo.ListFromNumber(ctx, s.chainID, from)
	if err != nil {
		return err
	}

	var staleNumbers []int64
	for _, block := range recorded {
		header, err := s.adapter.GetBlockHeader(ctx, block.BlockNumber)
		if err != nil {
			if errors.Is(err, blockchain.ErrBlockNotFound) {
				staleNumbers = append(staleNumbers, block.BlockNumber)
				continue
			}
			return err
		}
		if header.Hash != block.BlockHash {
			staleNumbers = append(staleNumbers, block.BlockNumber)
		}
	}

	if len(staleNumbers) == 0 {
		return nil
	}

	finalized, err := s.depositRepo.CountFinalizedInBlocks(ctx, s.chainID, staleNumbers)
	if err != nil {
		return err
	}
	if finalized > 0 {
		metrics.ForkRollbackRefusedTotal.WithLabelValues(chainLabel(s.chainID)).Inc()
		logger.Error("fork rollback refused, finalized deposits in reorged blocks",
			"chain_id", s.chainID,
			"stale_blocks", staleNumbers,
			"finalized_deposits", finalized)
		return ErrRollbackRefused
	}

	var failed []*model.Deposit
	err = s.repo.Transaction(ctx, func(txCtx context.Context) error {
		failed, err = s.depositRepo.MarkFailedByBlockNumbers(txCtx, s.chainID, staleNumbers, "Fork rollback")
		if err != nil {
			return err
		}
		return s.blockRepo.DeleteByNumbers(txCtx, s.chainID, staleNumbers)
	})
	if err != nil {
		return err
	}

	for _, deposit := range failed {
		deposit.Status = model.DepositStatusFailed
		deposit.Error = "Fork rollback"
		metrics.DepositsTotal.WithLabelValues(chainLabel(s.chainID), "failed").Inc()
		notifyDepositStatus(ctx, s.notifier, deposit)
	}

	logger.Warn("fork rollback applied",
		"chain_id", s.chainID,
		"stale_blocks", staleNumbers,
		"failed_deposits", len(failed))

	return nil
}

// deriveSequencerID 从钱包地址派生撮合器侧的稳定数字 ID
func deriveSequencerID(address string) int64 {
	hash := crypto.Keccak256([]byte(strings.ToLower(address)))
	id := int64(binary.BigEndian.Uint64(hash[:8]) &^ (uint64(1) << 63))
	return id
}

// chainLabel 指标标签
func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}
