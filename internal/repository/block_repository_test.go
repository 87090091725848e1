package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/helix-exchange/helix-chain/internal/model"
)

// setupTestDB 定义在 trade_repository_test.go

func seedTestBlock(t *testing.T, repo BlockRepository, chainID, number int64) {
	err := repo.Create(context.Background(), &model.ProcessedBlock{
		ChainID:     chainID,
		BlockNumber: number,
		BlockHash:   fmt.Sprintf("0xhash-%d", number),
		ParentHash:  fmt.Sprintf("0xhash-%d", number-1),
	})
	if err != nil {
		t.Fatalf("seed block %d: %v", number, err)
	}
}

// TestBlockRepository_GetLatest 测试最新区块查询
func TestBlockRepository_GetLatest(t *testing.T) {
	repo := NewBlockRepository(setupTestDB(t))
	ctx := context.Background()

	_, err := repo.GetLatest(ctx, 900)
	assert.ErrorIs(t, err, ErrBlockNotFound)

	seedTestBlock(t, repo, 900, 100)
	seedTestBlock(t, repo, 900, 101)
	seedTestBlock(t, repo, 901, 200)

	latest, err := repo.GetLatest(ctx, 900)
	assert.NoError(t, err)
	assert.Equal(t, int64(101), latest.BlockNumber)
	assert.Equal(t, "0xhash-101", latest.BlockHash)

	block, err := repo.GetByNumber(ctx, 900, 100)
	assert.NoError(t, err)
	assert.Equal(t, "0xhash-100", block.BlockHash)

	_, err = repo.GetByNumber(ctx, 900, 99)
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

// TestBlockRepository_ListFromNumber 测试区间列出
func TestBlockRepository_ListFromNumber(t *testing.T) {
	repo := NewBlockRepository(setupTestDB(t))
	ctx := context.Background()

	for n := int64(100); n <= 103; n++ {
		seedTestBlock(t, repo, 900, n)
	}

	blocks, err := repo.ListFromNumber(ctx, 900, 102)
	assert.NoError(t, err)
	if assert.Len(t, blocks, 2) {
		assert.Equal(t, int64(102), blocks[0].BlockNumber)
		assert.Equal(t, int64(103), blocks[1].BlockNumber)
	}
}

// TestBlockRepository_DeleteByNumbers 测试分叉回退删除
func TestBlockRepository_DeleteByNumbers(t *testing.T) {
	repo := NewBlockRepository(setupTestDB(t))
	ctx := context.Background()

	for n := int64(100); n <= 102; n++ {
		seedTestBlock(t, repo, 900, n)
	}

	assert.NoError(t, repo.DeleteByNumbers(ctx, 900, []int64{101, 102}))

	latest, err := repo.GetLatest(ctx, 900)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), latest.BlockNumber)
}

// TestBlockRepository_PruneBefore 测试历史区块清理
func TestBlockRepository_PruneBefore(t *testing.T) {
	repo := NewBlockRepository(setupTestDB(t))
	ctx := context.Background()

	for n := int64(100); n <= 104; n++ {
		seedTestBlock(t, repo, 900, n)
	}

	pruned, err := repo.PruneBefore(ctx, 900, 103)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	blocks, err := repo.ListFromNumber(ctx, 900, 0)
	assert.NoError(t, err)
	assert.Len(t, blocks, 2)
}
