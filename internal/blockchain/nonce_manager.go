package blockchain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager 本地 nonce 管理
//
// 每条链只有一个提交者 (协调器持有存储级锁), 因此本地互斥即可,
// 不需要跨进程协调。广播失败时强制下次从链上重新同步。
type NonceManager struct {
	client *Client
	wallet common.Address

	mu         sync.Mutex
	nextNonce  uint64
	needsSync  bool
	everSynced bool
}

// NewNonceManager 创建 nonce 管理器
func NewNonceManager(client *Client, wallet common.Address) *NonceManager {
	return &NonceManager{
		client:    client,
		wallet:    wallet,
		needsSync: true,
	}
}

// Next 返回下一个可用 nonce 并预占
func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.needsSync || !m.everSynced {
		chainNonce, err := m.client.PendingNonceAt(ctx, m.wallet)
		if err != nil {
			return 0, err
		}
		m.nextNonce = chainNonce
		m.needsSync = false
		m.everSynced = true
	}

	nonce := m.nextNonce
	m.nextNonce++
	return nonce, nil
}

// Release 归还未广播的 nonce (仅当它仍是最高已分配 nonce 时回退)
func (m *NonceManager) Release(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextNonce == nonce+1 {
		m.nextNonce = nonce
	} else {
		m.needsSync = true
	}
}

// ReleaseAndResync 广播失败后归还 nonce 并强制重新同步
//
// 广播失败的原因可能是 nonce 冲突, 本地计数不再可信。
func (m *NonceManager) ReleaseAndResync(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsSync = true
}

// ForceSync 强制下次分配时从链上同步
func (m *NonceManager) ForceSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.needsSync = true
}
