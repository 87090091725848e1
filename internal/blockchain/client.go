package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/helix-exchange/helix-chain/internal/contract"
)

var (
	ErrNoHealthyRPC    = errors.New("no healthy RPC endpoint available")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBlockNotFound   = errors.New("block not found")
	ErrNoSubmitterKey  = errors.New("submitter key not configured")
	ErrUnknownContract = errors.New("custody contract not configured")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 基于 ethclient 的单链客户端, 实现 ChainAdapter
type Client struct {
	chainID    int64
	privateKey *ecdsa.PrivateKey
	address    common.Address
	custody    *contract.CustodyContract

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client
	nonces *NonceManager

	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
	gasLimit        uint64
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	SubmitterKey    string // 热钱包私钥 (hex)
	CustodyAddress  string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
	GasLimit        uint64
}

// NewClient 创建单链客户端
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}
	if cfg.CustodyAddress == "" {
		return nil, ErrUnknownContract
	}

	var privateKey *ecdsa.PrivateKey
	var address common.Address

	if cfg.SubmitterKey != "" {
		var err error
		privateKey, err = crypto.HexToECDSA(cfg.SubmitterKey)
		if err != nil {
			return nil, err
		}
		address = crypto.PubkeyToAddress(privateKey.PublicKey)
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 3_000_000
	}

	c := &Client{
		chainID:         cfg.ChainID,
		privateKey:      privateKey,
		address:         address,
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		healthCheckFreq: healthCheckFreq,
		gasLimit:        gasLimit,
	}

	custody, err := contract.NewCustodyContract(common.HexToAddress(cfg.CustodyAddress), c)
	if err != nil {
		return nil, err
	}
	c.custody = custody
	c.nonces = NewNonceManager(c, address)

	// 连接到第一个可用的 RPC
	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		// 检查连接
		_, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

// getClient 获取客户端, 不可用时尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// withRetry 带重试的操作
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			time.Sleep(c.retryInterval)
			continue
		}

		err = fn(client)
		if err == nil {
			return nil
		}

		lastErr = err

		// 业务性错误不换端点重试
		if errors.Is(err, ErrTxNotFound) || errors.Is(err, ErrBlockNotFound) {
			return err
		}

		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.endpoints[c.currentIdx].IsHealthy = false
			c.endpoints[c.currentIdx].ErrorCount++
		}
		c.mu.Unlock()

		if i < c.maxRetries-1 {
			c.connect(ctx)
			time.Sleep(c.retryInterval)
		}
	}
	return lastErr
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// CustodyAddress 返回托管合约地址
func (c *Client) CustodyAddress() string {
	return c.custody.Address().Hex()
}

// SubmitterAddress 返回热钱包地址
func (c *Client) SubmitterAddress() common.Address {
	return c.address
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return int64(blockNum), err
}

// GetBlockHeader 获取区块头摘要
func (c *Client) GetBlockHeader(ctx context.Context, number int64) (*BlockHeader, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, big.NewInt(number))
		if errors.Is(err, ethereum.NotFound) {
			return ErrBlockNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BlockHeader{
		Number:     header.Number.Int64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
	}, nil
}

// GetCustodyDeposits 按区块哈希过滤托管合约 Deposit 事件
func (c *Client) GetCustodyDeposits(ctx context.Context, blockHash string) ([]*DepositLog, error) {
	hash := common.HexToHash(blockHash)
	query := ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{c.custody.Address()},
		Topics:    [][]common.Hash{{c.custody.DepositEventTopic()}},
	}

	var logs []types.Log
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	deposits := make([]*DepositLog, 0, len(logs))
	for _, log := range logs {
		event, err := c.custody.ParseDeposit(log)
		if err != nil {
			continue
		}
		tokenAddress := ""
		if !contract.IsNativeToken(event.Token) {
			tokenAddress = event.Token.Hex()
		}
		deposits = append(deposits, &DepositLog{
			TxHash:        log.TxHash.Hex(),
			LogIndex:      log.Index,
			BlockNumber:   int64(log.BlockNumber),
			WalletAddress: event.From.Hex(),
			TokenAddress:  tokenAddress,
			Amount:        decimal.NewFromBigInt(event.Amount, 0),
		})
	}
	return deposits, nil
}

// GetTransactionReceipt 获取交易回执摘要
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &TxReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
		GasUsed:     int64(receipt.GasUsed),
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
	}

	for _, log := range receipt.Logs {
		if log.Address != c.custody.Address() {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != c.custody.SettlementFailedEventTopic() {
			continue
		}
		event, err := c.custody.ParseSettlementFailed(*log)
		if err != nil {
			continue
		}
		for _, h := range event.TradeHashes {
			result.FailedTradeHashes = append(result.FailedTradeHashes, common.BytesToHash(h[:]).Hex())
		}
	}

	if !result.Success {
		result.RevertReason = c.revertReason(ctx, hash, receipt)
	}

	return result, nil
}

// revertReason 重放失败交易获取回滚原因, 拿不到返回空串
func (c *Client) revertReason(ctx context.Context, txHash common.Hash, receipt *types.Receipt) string {
	client, err := c.getClient(ctx)
	if err != nil {
		return ""
	}

	tx, _, err := client.TransactionByHash(ctx, txHash)
	if err != nil {
		return ""
	}

	from := c.address
	msg := ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}

	_, err = client.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		return err.Error()
	}
	return ""
}

// SubmitTransaction 签名并广播交易
func (c *Client) SubmitTransaction(ctx context.Context, to string, data []byte, value *big.Int) (string, int64, error) {
	if c.privateKey == nil {
		return "", 0, ErrNoSubmitterKey
	}
	if value == nil {
		value = big.NewInt(0)
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return "", 0, err
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return "", 0, err
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		c.nonces.Release(nonce)
		return "", 0, err
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    value,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(big.NewInt(c.chainID))
	signed, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		c.nonces.Release(nonce)
		return "", 0, err
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		c.nonces.ReleaseAndResync(nonce)
		return "", 0, err
	}

	return signed.Hash().Hex(), int64(nonce), nil
}

// GetCustodyBalances 批量查询链上托管余额
func (c *Client) GetCustodyBalances(ctx context.Context, queries []BalanceQuery) ([]*CustodyBalance, error) {
	balances := make([]*CustodyBalance, 0, len(queries))
	for _, q := range queries {
		token := contract.NativeToken()
		if q.TokenAddress != "" {
			token = common.HexToAddress(q.TokenAddress)
		}
		amount, err := c.custody.GetBalance(ctx, common.HexToAddress(q.WalletAddress), token)
		if err != nil {
			return nil, err
		}
		balances = append(balances, &CustodyBalance{
			WalletAddress: q.WalletAddress,
			TokenAddress:  q.TokenAddress,
			Amount:        decimal.NewFromBigInt(amount, 0),
		})
	}
	return balances, nil
}

// PendingNonceAt 获取地址的待处理 nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// CallContract 调用合约 (实现 bind.ContractCaller)
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// CodeAt 获取合约代码 (实现 bind.ContractCaller)
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		code, err = client.CodeAt(ctx, account, blockNumber)
		return err
	})
	return code, err
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}
