package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
)

// 测试夹具与种子数据定义在 settlement_coordinator_test.go

func newBlockTracker(fx *coordinatorFixture) *BlockTrackerService {
	return NewBlockTrackerService(
		fx.baseAdapter,
		fx.repo,
		fx.blockRepo,
		fx.depositRepo,
		fx.marketRepo,
		fx.notifier,
		&BlockTrackerConfig{Confirmations: 3},
	)
}

func seedProcessedBlock(t *testing.T, fx *coordinatorFixture, number int64, hash, parentHash string) {
	err := fx.blockRepo.Create(context.Background(), &model.ProcessedBlock{
		ChainID:     baseChainID,
		BlockNumber: number,
		BlockHash:   hash,
		ParentHash:  parentHash,
	})
	if err != nil {
		t.Fatalf("seed processed block %d: %v", number, err)
	}
}

// TestBlockTracker_StartsAtHead 测试无历史时从链头起扫, 不回填
func TestBlockTracker_StartsAtHead(t *testing.T) {
	fx := newCoordinatorFixture(t)
	tracker := newBlockTracker(fx)
	ctx := context.Background()

	fx.baseAdapter.head = 100
	fx.baseAdapter.headers[100] = &blockchain.BlockHeader{
		Number: 100, Hash: "0xa100", ParentHash: "0xa99",
	}

	assert.NoError(t, tracker.Tick(ctx))

	latest, err := fx.blockRepo.GetLatest(ctx, baseChainID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), latest.BlockNumber)
	assert.Equal(t, "0xa100", latest.BlockHash)
}

// TestBlockTracker_RecordsDeposits 测试 Deposit 事件落库与未知 token 跳过
func TestBlockTracker_RecordsDeposits(t *testing.T) {
	fx := newCoordinatorFixture(t)
	tracker := newBlockTracker(fx)
	ctx := context.Background()

	depositor := "0x9999999999999999999999999999999999999999"
	seedProcessedBlock(t, fx, 100, "0xa100", "0xa99")
	fx.baseAdapter.head = 102
	fx.baseAdapter.headers[101] = &blockchain.BlockHeader{
		Number: 101, Hash: "0xa101", ParentHash: "0xa100",
	}
	fx.baseAdapter.headers[102] = &blockchain.BlockHeader{
		Number: 102, Hash: "0xa102", ParentHash: "0xa101",
	}
	fx.baseAdapter.deposits["0xa101"] = []*blockchain.DepositLog{
		{
			TxHash:        "0xd1",
			LogIndex:      0,
			BlockNumber:   101,
			WalletAddress: depositor,
			TokenAddress:  "",
			Amount:        decimal.NewFromInt(500),
		},
		{
			// 未接入的 token, 只告警不落库
			TxHash:        "0xd2",
			LogIndex:      1,
			BlockNumber:   101,
			WalletAddress: depositor,
			TokenAddress:  "0xdead00000000000000000000000000000000dead",
			Amount:        decimal.NewFromInt(42),
		},
	}

	assert.NoError(t, tracker.Tick(ctx))

	latest, err := fx.blockRepo.GetLatest(ctx, baseChainID)
	assert.NoError(t, err)
	assert.Equal(t, int64(102), latest.BlockNumber)

	deposit, err := fx.depositRepo.GetByTxHash(ctx, baseChainID, "0xd1")
	assert.NoError(t, err)
	assert.Equal(t, model.DepositStatusPending, deposit.Status)
	assert.Equal(t, baseSymbolID, deposit.SymbolID)
	assert.True(t, deposit.Amount.Equal(decimal.NewFromInt(500)))
	assert.NotEmpty(t, deposit.DepositID)

	// 钱包自动建档, 撮合器 ID 从地址派生
	wallet, err := fx.marketRepo.GetWalletByAddress(ctx, depositor)
	assert.NoError(t, err)
	assert.Equal(t, deriveSequencerID(depositor), wallet.SequencerID)
	assert.Equal(t, wallet.ID, deposit.WalletID)

	_, err = fx.depositRepo.GetByTxHash(ctx, baseChainID, "0xd2")
	assert.ErrorIs(t, err, repository.ErrDepositNotFound)

	// 重扫同一区块幂等
	assert.NoError(t, tracker.Tick(ctx))
}

// TestBlockTracker_ForkRollback 测试分叉回滚: 失效充值判失败, 区块记录回退
func TestBlockTracker_ForkRollback(t *testing.T) {
	fx := newCoordinatorFixture(t)
	tracker := newBlockTracker(fx)
	ctx := context.Background()

	seedProcessedBlock(t, fx, 100, "0xa100", "0xa99")
	seedProcessedBlock(t, fx, 101, "0xa101", "0xa100")

	blockNumber := int64(101)
	deposit := &model.Deposit{
		DepositID:     "D1",
		WalletID:      fx.buyer.ID,
		WalletAddress: fx.buyer.Address,
		SymbolID:      baseSymbolID,
		Amount:        decimal.NewFromInt(500),
		ChainID:       baseChainID,
		TxHash:        "0xd1",
		BlockNumber:   &blockNumber,
		Status:        model.DepositStatusPending,
	}
	assert.NoError(t, fx.depositRepo.Create(ctx, deposit))

	// 链上 101 已被重组, 102 的父哈希对不上本地记录
	fx.baseAdapter.head = 102
	fx.baseAdapter.headers[100] = &blockchain.BlockHeader{
		Number: 100, Hash: "0xa100", ParentHash: "0xa99",
	}
	fx.baseAdapter.headers[101] = &blockchain.BlockHeader{
		Number: 101, Hash: "0xb101", ParentHash: "0xa100",
	}
	fx.baseAdapter.headers[102] = &blockchain.BlockHeader{
		Number: 102, Hash: "0xb102", ParentHash: "0xb101",
	}

	assert.NoError(t, tracker.Tick(ctx))

	// 101 被删除, 游标回退到 100; 100 未受影响
	latest, err := fx.blockRepo.GetLatest(ctx, baseChainID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), latest.BlockNumber)

	failed := mustGetDeposit(t, fx, "D1")
	assert.Equal(t, model.DepositStatusFailed, failed.Status)
	assert.Equal(t, "Fork rollback", failed.Error)

	// 下一轮从分叉点重扫新分支
	assert.NoError(t, tracker.Tick(ctx))
	latest, err = fx.blockRepo.GetLatest(ctx, baseChainID)
	assert.NoError(t, err)
	assert.Equal(t, int64(102), latest.BlockNumber)
	assert.Equal(t, "0xb102", latest.BlockHash)
}

// TestBlockTracker_ForkRollbackRefused 测试分叉触及已入账充值时拒绝回滚
func TestBlockTracker_ForkRollbackRefused(t *testing.T) {
	fx := newCoordinatorFixture(t)
	tracker := newBlockTracker(fx)
	ctx := context.Background()

	seedProcessedBlock(t, fx, 100, "0xa100", "0xa99")
	seedProcessedBlock(t, fx, 101, "0xa101", "0xa100")

	blockNumber := int64(101)
	deposit := &model.Deposit{
		DepositID:     "D1",
		WalletID:      fx.buyer.ID,
		WalletAddress: fx.buyer.Address,
		SymbolID:      baseSymbolID,
		Amount:        decimal.NewFromInt(500),
		ChainID:       baseChainID,
		TxHash:        "0xd1",
		BlockNumber:   &blockNumber,
		Status:        model.DepositStatusConfirmed,
	}
	assert.NoError(t, fx.depositRepo.Create(ctx, deposit))

	fx.baseAdapter.head = 102
	fx.baseAdapter.headers[100] = &blockchain.BlockHeader{
		Number: 100, Hash: "0xa100", ParentHash: "0xa99",
	}
	fx.baseAdapter.headers[101] = &blockchain.BlockHeader{
		Number: 101, Hash: "0xb101", ParentHash: "0xa100",
	}
	fx.baseAdapter.headers[102] = &blockchain.BlockHeader{
		Number: 102, Hash: "0xb102", ParentHash: "0xb101",
	}

	err := tracker.Tick(ctx)
	assert.ErrorIs(t, err, ErrRollbackRefused)

	// 区块记录和充值保持原状, 等待人工介入
	latest, err := fx.blockRepo.GetLatest(ctx, baseChainID)
	assert.NoError(t, err)
	assert.Equal(t, int64(101), latest.BlockNumber)
	assert.Equal(t, model.DepositStatusConfirmed, mustGetDeposit(t, fx, "D1").Status)
}
