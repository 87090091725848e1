package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/contract"
	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/internal/sequencer"
)

// 测试市场: ETH:900/USDC:901, base 为链 900 原生资产, quote 为链 901 ERC20
const (
	baseChainID  = int64(900)
	quoteChainID = int64(901)

	baseSymbolID  = "ETH:900"
	quoteSymbolID = "USDC:901"
	testMarketID  = "ETH:900/USDC:901"

	buyerAddress  = "0x1111111111111111111111111111111111111111"
	sellerAddress = "0x2222222222222222222222222222222222222222"
	usdcAddress   = "0x3333333333333333333333333333333333333333"

	baseCustodyAddress  = "0x4444444444444444444444444444444444444444"
	quoteCustodyAddress = "0x5555555555555555555555555555555555555555"
)

// 测试成交: amount 2e12 (base 最小单位), price 1.5, 买方手续费 1, 卖方手续费 2
// 名义金额 = 2e12 * 1.5 * 10^(6-18) = 3 (quote 最小单位)
var (
	testTradeAmount = decimal.NewFromInt(2_000_000_000_000)
	testTradePrice  = decimal.RequireFromString("1.5")
	testBuyerFee    = decimal.NewFromInt(1)
	testSellerFee   = decimal.NewFromInt(2)
)

// setupTestDB 创建内存数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	err = db.AutoMigrate(
		&model.ProcessedBlock{},
		&model.Deposit{},
		&model.Symbol{},
		&model.Market{},
		&model.Wallet{},
		&model.Trade{},
		&model.OrderExecution{},
		&model.SettlementBatch{},
		&model.ChainSettlementBatch{},
		&model.BlockchainTransaction{},
		&model.Balance{},
		&model.BalanceDiscrepancy{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return db
}

// fakeSubmission 一次广播记录
type fakeSubmission struct {
	To   string
	Data []byte
}

// fakeChainAdapter 可编程的链适配器
type fakeChainAdapter struct {
	chainID     int64
	custodyAddr string

	head      int64
	headers   map[int64]*blockchain.BlockHeader
	deposits  map[string][]*blockchain.DepositLog
	receipts  map[string]*blockchain.TxReceipt
	balances  map[string]decimal.Decimal
	submitErr error

	submitted []fakeSubmission
	nextNonce int64
}

func newFakeChainAdapter(chainID int64, custodyAddr string) *fakeChainAdapter {
	return &fakeChainAdapter{
		chainID:     chainID,
		custodyAddr: custodyAddr,
		headers:     make(map[int64]*blockchain.BlockHeader),
		deposits:    make(map[string][]*blockchain.DepositLog),
		receipts:    make(map[string]*blockchain.TxReceipt),
		balances:    make(map[string]decimal.Decimal),
	}
}

func balanceKey(wallet, token string) string {
	return strings.ToLower(wallet) + "|" + strings.ToLower(token)
}

func (f *fakeChainAdapter) setBalance(wallet, token string, amount decimal.Decimal) {
	f.balances[balanceKey(wallet, token)] = amount
}

func (f *fakeChainAdapter) ChainID() int64         { return f.chainID }
func (f *fakeChainAdapter) CustodyAddress() string { return f.custodyAddr }

func (f *fakeChainAdapter) BlockNumber(ctx context.Context) (int64, error) {
	return f.head, nil
}

func (f *fakeChainAdapter) GetBlockHeader(ctx context.Context, number int64) (*blockchain.BlockHeader, error) {
	header, ok := f.headers[number]
	if !ok {
		return nil, blockchain.ErrBlockNotFound
	}
	return header, nil
}

func (f *fakeChainAdapter) GetCustodyDeposits(ctx context.Context, blockHash string) ([]*blockchain.DepositLog, error) {
	return f.deposits[blockHash], nil
}

func (f *fakeChainAdapter) GetTransactionReceipt(ctx context.Context, txHash string) (*blockchain.TxReceipt, error) {
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, blockchain.ErrTxNotFound
	}
	return receipt, nil
}

func (f *fakeChainAdapter) SubmitTransaction(ctx context.Context, to string, data []byte, value *big.Int) (string, int64, error) {
	if f.submitErr != nil {
		return "", 0, f.submitErr
	}
	f.submitted = append(f.submitted, fakeSubmission{To: to, Data: data})
	nonce := f.nextNonce
	f.nextNonce++
	return fmt.Sprintf("0xsubmitted%d%d", f.chainID, nonce), nonce, nil
}

func (f *fakeChainAdapter) GetCustodyBalances(ctx context.Context, queries []blockchain.BalanceQuery) ([]*blockchain.CustodyBalance, error) {
	results := make([]*blockchain.CustodyBalance, 0, len(queries))
	for _, q := range queries {
		results = append(results, &blockchain.CustodyBalance{
			WalletAddress: q.WalletAddress,
			TokenAddress:  q.TokenAddress,
			Amount:        f.balances[balanceKey(q.WalletAddress, q.TokenAddress)],
		})
	}
	return results, nil
}

// mockSequencerClient 模拟撮合器客户端
type mockSequencerClient struct {
	mock.Mock
}

func (m *mockSequencerClient) Deposit(ctx context.Context, walletSequencerID int64, symbolID string, amount decimal.Decimal, depositID string) error {
	args := m.Called(ctx, walletSequencerID, symbolID, amount, depositID)
	return args.Error(0)
}

func (m *mockSequencerClient) FailSettlement(ctx context.Context, params *sequencer.FailSettlementParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *mockSequencerClient) Close() {
	m.Called()
}

// mockNotifier 模拟 Kafka 通知
type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) PublishDepositStatus(ctx context.Context, notification *model.DepositStatusNotification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

func (m *mockNotifier) PublishTradeSettlement(ctx context.Context, notification *model.TradeSettlementNotification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

func (m *mockNotifier) PublishBalanceChange(ctx context.Context, notification *model.BalanceChangeNotification) error {
	args := m.Called(ctx, notification)
	return args.Error(0)
}

// coordinatorFixture 结算协调器测试夹具
type coordinatorFixture struct {
	db             *gorm.DB
	repo           *repository.Repository
	tradeRepo      repository.TradeRepository
	depositRepo    repository.DepositRepository
	blockRepo      repository.BlockRepository
	settlementRepo repository.SettlementRepository
	txRepo         repository.TransactionRepository
	balanceRepo    repository.BalanceRepository
	marketRepo     repository.MarketRepository
	reconRepo      repository.ReconciliationRepository
	cache          *MarketCache

	baseAdapter  *fakeChainAdapter
	quoteAdapter *fakeChainAdapter
	seq          *mockSequencerClient
	notifier     *mockNotifier
	svc          *SettlementCoordinatorService

	buyer  *model.Wallet
	seller *model.Wallet

	failReports []*sequencer.FailSettlementParams
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	db := setupTestDB(t)

	fx := &coordinatorFixture{
		db:             db,
		repo:           repository.NewRepository(db),
		tradeRepo:      repository.NewTradeRepository(db),
		depositRepo:    repository.NewDepositRepository(db),
		blockRepo:      repository.NewBlockRepository(db),
		settlementRepo: repository.NewSettlementRepository(db),
		txRepo:         repository.NewTransactionRepository(db),
		balanceRepo:    repository.NewBalanceRepository(db),
		marketRepo:     repository.NewMarketRepository(db),
		reconRepo:      repository.NewReconciliationRepository(db),
		baseAdapter:    newFakeChainAdapter(baseChainID, baseCustodyAddress),
		quoteAdapter:   newFakeChainAdapter(quoteChainID, quoteCustodyAddress),
		seq:            new(mockSequencerClient),
		notifier:       new(mockNotifier),
	}
	fx.cache = NewMarketCache(fx.marketRepo)

	fx.seq.On("FailSettlement", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			fx.failReports = append(fx.failReports, args.Get(1).(*sequencer.FailSettlementParams))
		}).Return(nil)
	fx.notifier.On("PublishTradeSettlement", mock.Anything, mock.Anything).Return(nil)
	fx.notifier.On("PublishBalanceChange", mock.Anything, mock.Anything).Return(nil)
	fx.notifier.On("PublishDepositStatus", mock.Anything, mock.Anything).Return(nil)

	fx.svc = fx.newCoordinator(t, &SettlementCoordinatorConfig{BatchMinTrades: 1})
	fx.seedMarketData(t)

	return fx
}

func (fx *coordinatorFixture) newCoordinator(t *testing.T, cfg *SettlementCoordinatorConfig) *SettlementCoordinatorService {
	baseCustody, err := contract.NewCustodyContract(common.HexToAddress(baseCustodyAddress), nil)
	if err != nil {
		t.Fatalf("failed to create custody contract: %v", err)
	}
	quoteCustody, err := contract.NewCustodyContract(common.HexToAddress(quoteCustodyAddress), nil)
	if err != nil {
		t.Fatalf("failed to create custody contract: %v", err)
	}

	return NewSettlementCoordinatorService(
		fx.repo,
		fx.tradeRepo,
		fx.settlementRepo,
		fx.txRepo,
		fx.balanceRepo,
		fx.marketRepo,
		fx.reconRepo,
		fx.cache,
		map[int64]blockchain.ChainAdapter{
			baseChainID:  fx.baseAdapter,
			quoteChainID: fx.quoteAdapter,
		},
		map[int64]*contract.CustodyContract{
			baseChainID:  baseCustody,
			quoteChainID: quoteCustody,
		},
		fx.seq,
		fx.notifier,
		cfg,
	)
}

func (fx *coordinatorFixture) seedMarketData(t *testing.T) {
	ctx := context.Background()

	symbols := []*model.Symbol{
		{ID: baseSymbolID, Name: "ETH", ChainID: baseChainID, Decimals: 18},
		{ID: quoteSymbolID, Name: "USDC", ChainID: quoteChainID, ContractAddress: strPtr(usdcAddress), Decimals: 6},
	}
	for _, symbol := range symbols {
		if err := fx.marketRepo.UpsertSymbol(ctx, symbol); err != nil {
			t.Fatalf("seed symbol: %v", err)
		}
	}

	err := fx.marketRepo.UpsertMarket(ctx, &model.Market{
		ID:            testMarketID,
		BaseSymbolID:  baseSymbolID,
		QuoteSymbolID: quoteSymbolID,
		TickSize:      decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}

	fx.buyer, err = fx.marketRepo.GetOrCreateWallet(ctx, buyerAddress, 101)
	if err != nil {
		t.Fatalf("seed buyer wallet: %v", err)
	}
	fx.seller, err = fx.marketRepo.GetOrCreateWallet(ctx, sellerAddress, 102)
	if err != nil {
		t.Fatalf("seed seller wallet: %v", err)
	}
}

// seedTrade 落库一笔待结算成交及其买卖双边
func (fx *coordinatorFixture) seedTrade(t *testing.T, tradeID string, hashSeed byte) *model.Trade {
	trade := &model.Trade{
		TradeID:          tradeID,
		MarketID:         testMarketID,
		Amount:           testTradeAmount,
		Price:            testTradePrice,
		TradeHash:        common.BytesToHash([]byte{hashSeed}).Hex(),
		SettlementStatus: model.SettlementStatusPending,
	}
	executions := []*model.OrderExecution{
		{
			TradeID:       tradeID,
			OrderID:       "B-" + tradeID,
			WalletID:      fx.buyer.ID,
			WalletAddress: fx.buyer.Address,
			Side:          model.OrderSideBuy,
			FeeAmount:     testBuyerFee,
		},
		{
			TradeID:       tradeID,
			OrderID:       "S-" + tradeID,
			WalletID:      fx.seller.ID,
			WalletAddress: fx.seller.Address,
			Side:          model.OrderSideSell,
			FeeAmount:     testSellerFee,
		},
	}
	if err := fx.tradeRepo.CreateWithExecutions(context.Background(), trade, executions); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	return trade
}

// seedExchangeMirror 预置托管镜像余额
func (fx *coordinatorFixture) seedExchangeMirror(t *testing.T, walletID int64, symbolID string, amount int64) {
	err := fx.balanceRepo.ApplyChanges(context.Background(), []model.BalanceChange{{
		WalletID: walletID,
		SymbolID: symbolID,
		Type:     model.BalanceTypeExchange,
		Kind:     model.BalanceChangeKindDelta,
		Amount:   decimal.NewFromInt(amount),
	}})
	if err != nil {
		t.Fatalf("seed exchange mirror: %v", err)
	}
}

// run 执行一轮批次推进并触发事务后回调
func (fx *coordinatorFixture) run(t *testing.T) bool {
	active, after, err := fx.svc.processBatch(context.Background())
	if err != nil {
		t.Fatalf("processBatch failed: %v", err)
	}
	for _, fn := range after {
		fn()
	}
	return active
}

func (fx *coordinatorFixture) mustGetTrade(t *testing.T, tradeID string) *model.Trade {
	trade, err := fx.tradeRepo.GetByTradeID(context.Background(), tradeID)
	if err != nil {
		t.Fatalf("get trade %s: %v", tradeID, err)
	}
	return trade
}

func (fx *coordinatorFixture) mustGetBatch(t *testing.T) *model.SettlementBatch {
	batch, err := fx.settlementRepo.FindInProgressBatch(context.Background())
	if err != nil {
		t.Fatalf("find in-progress batch: %v", err)
	}
	return batch
}

func (fx *coordinatorFixture) mustListChainBatches(t *testing.T, batchID string) []*model.ChainSettlementBatch {
	chainBatches, err := fx.settlementRepo.ListChainBatches(context.Background(), batchID)
	if err != nil {
		t.Fatalf("list chain batches: %v", err)
	}
	return chainBatches
}

func strPtr(s string) *string {
	return &s
}

// TestSettlementCoordinator_CreateBatch 测试攒批与 prepare 交易写入
func TestSettlementCoordinator_CreateBatch(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.seedTrade(t, "T1", 0x01)

	active := fx.run(t)
	assert.True(t, active)

	batch := fx.mustGetBatch(t)
	assert.Equal(t, model.SettlementBatchStatusPreparing, batch.Status)

	// base 和 quote 各一条链批次, 按 chain_id 升序
	chainBatches := fx.mustListChainBatches(t, batch.ID)
	assert.Len(t, chainBatches, 2)
	assert.Equal(t, baseChainID, chainBatches[0].ChainID)
	assert.Equal(t, quoteChainID, chainBatches[1].ChainID)

	for _, cb := range chainBatches {
		assert.Equal(t, model.SettlementBatchStatusPreparing, cb.Status)
		assert.NotEmpty(t, cb.BatchHash)

		tx, err := fx.txRepo.GetByID(context.Background(), cb.PreparationTxID)
		assert.NoError(t, err)
		assert.Equal(t, model.BlockchainTransactionStatusPending, tx.Status)
		assert.Equal(t, cb.BatchHash, tx.BatchHash)
		assert.NotEmpty(t, tx.Data)
	}
	assert.Equal(t, common.HexToAddress(baseCustodyAddress).Hex(), mustGetTx(t, fx, chainBatches[0].PreparationTxID).ToAddress)
	assert.Equal(t, common.HexToAddress(quoteCustodyAddress).Hex(), mustGetTx(t, fx, chainBatches[1].PreparationTxID).ToAddress)

	trade := fx.mustGetTrade(t, "T1")
	assert.Equal(t, model.SettlementStatusSettling, trade.SettlementStatus)
	if assert.NotNil(t, trade.SettlementBatchID) {
		assert.Equal(t, batch.ID, *trade.SettlementBatchID)
	}

	fx.notifier.AssertCalled(t, "PublishTradeSettlement", mock.Anything,
		mock.MatchedBy(func(n *model.TradeSettlementNotification) bool {
			return n.TradeID == "T1" && n.SettlementStatus == "SETTLING"
		}))
}

func mustGetTx(t *testing.T, fx *coordinatorFixture, id int64) *model.BlockchainTransaction {
	tx, err := fx.txRepo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get tx %d: %v", id, err)
	}
	return tx
}

// TestSettlementCoordinator_BatchGating 测试最小批量与最长等待的组批条件
func TestSettlementCoordinator_BatchGating(t *testing.T) {
	fx := newCoordinatorFixture(t)
	fx.svc = fx.newCoordinator(t, &SettlementCoordinatorConfig{
		BatchMinTrades: 3,
		BatchMaxWait:   5 * time.Second,
	})
	trade := fx.seedTrade(t, "T1", 0x01)

	// 不足最小批量且等待未超时, 不开批
	active := fx.run(t)
	assert.False(t, active)
	assert.Equal(t, model.SettlementStatusPending, fx.mustGetTrade(t, "T1").SettlementStatus)

	// 最早一笔等待超时后直接开批
	err := fx.db.Model(&model.Trade{}).
		Where("trade_id = ?", trade.TradeID).
		Update("created_at", time.Now().Add(-time.Minute).UnixMilli()).Error
	assert.NoError(t, err)

	active = fx.run(t)
	assert.True(t, active)
	assert.Equal(t, model.SettlementStatusSettling, fx.mustGetTrade(t, "T1").SettlementStatus)
}

// TestSettlementCoordinator_HappyPath 测试两阶段结算直至完成与托管对账
func TestSettlementCoordinator_HappyPath(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)

	// 预置托管镜像: 买卖双方 base 5e12, quote 100
	fx.seedExchangeMirror(t, fx.buyer.ID, baseSymbolID, 5_000_000_000_000)
	fx.seedExchangeMirror(t, fx.seller.ID, baseSymbolID, 5_000_000_000_000)
	fx.seedExchangeMirror(t, fx.buyer.ID, quoteSymbolID, 100)
	fx.seedExchangeMirror(t, fx.seller.ID, quoteSymbolID, 100)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)
	chainBatches := fx.mustListChainBatches(t, batch.ID)

	// 链上 prepare 完成
	for _, cb := range chainBatches {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusPrepared))
	}

	// 写入 submit 交易
	assert.True(t, fx.run(t))
	assert.Equal(t, model.SettlementBatchStatusSubmitting, fx.mustGetBatch(t).Status)
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.Equal(t, model.SettlementBatchStatusSubmitting, cb.Status)
		if assert.NotNil(t, cb.SubmissionTxID) {
			tx := mustGetTx(t, fx, *cb.SubmissionTxID)
			assert.Equal(t, model.BlockchainTransactionStatusPending, tx.Status)
			// submit 载荷重算后哈希必须与 prepare 时一致
			assert.Equal(t, cb.BatchHash, tx.BatchHash)
		}
	}

	// 链上 submit 完成
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusSubmitted))
	}
	assert.True(t, fx.run(t))
	assert.Equal(t, model.SettlementBatchStatusSubmitted, fx.mustGetBatch(t).Status)

	// 链上实际余额与 镜像 + 净变化 一致
	fx.baseAdapter.setBalance(buyerAddress, "", decimal.NewFromInt(7_000_000_000_000))
	fx.baseAdapter.setBalance(sellerAddress, "", decimal.NewFromInt(3_000_000_000_000))
	fx.quoteAdapter.setBalance(buyerAddress, usdcAddress, decimal.NewFromInt(96))
	fx.quoteAdapter.setBalance(sellerAddress, usdcAddress, decimal.NewFromInt(101))

	// 收尾: 成交完结 + 对账
	assert.True(t, fx.run(t))

	finalBatch, err := fx.settlementRepo.GetBatch(ctx, batch.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.SettlementBatchStatusCompleted, finalBatch.Status)
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.Equal(t, model.SettlementBatchStatusCompleted, cb.Status)
	}
	assert.Equal(t, model.SettlementStatusCompleted, fx.mustGetTrade(t, "T1").SettlementStatus)

	// 镜像被链上值覆盖, 无差异记录
	assertExchangeBalance(t, fx, fx.buyer.ID, baseSymbolID, 7_000_000_000_000)
	assertExchangeBalance(t, fx, fx.seller.ID, baseSymbolID, 3_000_000_000_000)
	assertExchangeBalance(t, fx, fx.buyer.ID, quoteSymbolID, 96)
	assertExchangeBalance(t, fx, fx.seller.ID, quoteSymbolID, 101)

	discrepancies, err := fx.reconRepo.ListByBatch(ctx, batch.ID)
	assert.NoError(t, err)
	assert.Empty(t, discrepancies)

	fx.notifier.AssertCalled(t, "PublishTradeSettlement", mock.Anything,
		mock.MatchedBy(func(n *model.TradeSettlementNotification) bool {
			return n.TradeID == "T1" && n.SettlementStatus == "COMPLETED"
		}))
}

func assertExchangeBalance(t *testing.T, fx *coordinatorFixture, walletID int64, symbolID string, want int64) {
	balance, err := fx.balanceRepo.Get(context.Background(), walletID, symbolID, model.BalanceTypeExchange)
	if assert.NoError(t, err) {
		assert.True(t, balance.Amount.Equal(decimal.NewFromInt(want)),
			"wallet %d %s: want %d, got %s", walletID, symbolID, want, balance.Amount.String())
	}
}

// TestSettlementCoordinator_Reconciliation_RecordsDiscrepancy 测试对账差异记录
func TestSettlementCoordinator_Reconciliation_RecordsDiscrepancy(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)

	fx.seedExchangeMirror(t, fx.buyer.ID, baseSymbolID, 5_000_000_000_000)
	fx.seedExchangeMirror(t, fx.seller.ID, baseSymbolID, 5_000_000_000_000)
	fx.seedExchangeMirror(t, fx.buyer.ID, quoteSymbolID, 100)
	fx.seedExchangeMirror(t, fx.seller.ID, quoteSymbolID, 100)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusPrepared))
	}
	assert.True(t, fx.run(t))
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusSubmitted))
	}
	assert.True(t, fx.run(t))

	// 预期 买方 base = 5e12 + 2e12, 链上却多了 5
	fx.baseAdapter.setBalance(buyerAddress, "", decimal.NewFromInt(7_000_000_000_005))
	fx.baseAdapter.setBalance(sellerAddress, "", decimal.NewFromInt(3_000_000_000_000))
	fx.quoteAdapter.setBalance(buyerAddress, usdcAddress, decimal.NewFromInt(96))
	fx.quoteAdapter.setBalance(sellerAddress, usdcAddress, decimal.NewFromInt(101))

	assert.True(t, fx.run(t))

	discrepancies, err := fx.reconRepo.ListByBatch(ctx, batch.ID)
	assert.NoError(t, err)
	if assert.Len(t, discrepancies, 1) {
		d := discrepancies[0]
		assert.Equal(t, baseChainID, d.ChainID)
		assert.Equal(t, fx.buyer.ID, d.WalletID)
		assert.Equal(t, baseSymbolID, d.SymbolID)
		assert.True(t, d.ExpectedAmount.Equal(decimal.NewFromInt(7_000_000_000_000)))
		assert.True(t, d.ActualAmount.Equal(decimal.NewFromInt(7_000_000_000_005)))
	}

	// 以链上数据为准覆盖镜像
	assertExchangeBalance(t, fx, fx.buyer.ID, baseSymbolID, 7_000_000_000_005)
}

// TestSettlementCoordinator_PrepareFailure_RollsBack 测试 prepare 失败整批回滚
func TestSettlementCoordinator_PrepareFailure_RollsBack(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)
	chainBatches := fx.mustListChainBatches(t, batch.ID)

	// base 链 prepare 失败, quote 链已成功
	assert.NoError(t, fx.settlementRepo.MarkChainBatchFailed(ctx, chainBatches[0].ID, "execution reverted"))
	assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, chainBatches[1].ID, model.SettlementBatchStatusPrepared))

	assert.True(t, fx.run(t))
	assert.Equal(t, model.SettlementBatchStatusRollingBack, fx.mustGetBatch(t).Status)

	// 失败链的 prepare 从未生效, 不写回滚交易; 成功链写入回滚交易
	chainBatches = fx.mustListChainBatches(t, batch.ID)
	assert.Equal(t, model.SettlementBatchStatusFailed, chainBatches[0].Status)
	assert.Nil(t, chainBatches[0].RollbackTxID)
	assert.Equal(t, model.SettlementBatchStatusRollingBack, chainBatches[1].Status)
	assert.NotNil(t, chainBatches[1].RollbackTxID)

	// 整批成交已标记链上结算失败
	assert.Equal(t, model.SettlementStatusFailedSettling, fx.mustGetTrade(t, "T1").SettlementStatus)

	// quote 链回滚完成后批次收尾
	assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, chainBatches[1].ID, model.SettlementBatchStatusRolledBack))
	assert.True(t, fx.run(t))

	finalBatch, err := fx.settlementRepo.GetBatch(ctx, batch.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.SettlementBatchStatusCompleted, finalBatch.Status)
	assert.Equal(t, model.SettlementStatusFailed, fx.mustGetTrade(t, "T1").SettlementStatus)

	// 失败成交回报撮合器, level_ix = price / tick_size
	if assert.Len(t, fx.failReports, 1) {
		report := fx.failReports[0]
		assert.Equal(t, fx.buyer.ID, report.BuyerWalletID)
		assert.Equal(t, fx.seller.ID, report.SellerWalletID)
		assert.Equal(t, testMarketID, report.MarketID)
		assert.Equal(t, int64(3), report.LevelIx)
		assert.True(t, report.Amount.Equal(testTradeAmount))
	}
}

// TestSettlementCoordinator_PrepareFailure_WaitsForAllChains 测试回滚前等待
// 各链 prepare 落定
func TestSettlementCoordinator_PrepareFailure_WaitsForAllChains(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)
	chainBatches := fx.mustListChainBatches(t, batch.ID)

	// base 链 prepare 失败, quote 链仍在途
	assert.NoError(t, fx.settlementRepo.MarkChainBatchFailed(ctx, chainBatches[0].ID, "execution reverted"))

	// quote 链落定前不进入回滚
	assert.False(t, fx.run(t))
	assert.Equal(t, model.SettlementBatchStatusPreparing, fx.mustGetBatch(t).Status)
	chainBatches = fx.mustListChainBatches(t, batch.ID)
	assert.Equal(t, model.SettlementBatchStatusPreparing, chainBatches[1].Status)
	assert.Nil(t, chainBatches[1].RollbackTxID)
	assert.Equal(t, model.SettlementStatusSettling, fx.mustGetTrade(t, "T1").SettlementStatus)

	// quote 链 prepare 确认后才统一回滚
	assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, chainBatches[1].ID, model.SettlementBatchStatusPrepared))
	assert.True(t, fx.run(t))
	assert.Equal(t, model.SettlementBatchStatusRollingBack, fx.mustGetBatch(t).Status)
	chainBatches = fx.mustListChainBatches(t, batch.ID)
	assert.NotNil(t, chainBatches[1].RollbackTxID)
}

// TestSettlementCoordinator_PartialFailure_RequeuesRest 测试个别成交失败时其余成交重新排队
func TestSettlementCoordinator_PartialFailure_RequeuesRest(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	bad := fx.seedTrade(t, "T1", 0x01)
	fx.seedTrade(t, "T2", 0x02)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)

	// 合约拒绝了 T1 (交易驱动器按回执标记)
	marked, err := fx.tradeRepo.MarkFailedSettling(ctx, batch.ID, []string{bad.TradeHash}, "Rejected by custody contract")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusPrepared))
	}

	// 进入回滚, 两条链都写回滚交易
	assert.True(t, fx.run(t))
	chainBatches := fx.mustListChainBatches(t, batch.ID)
	for _, cb := range chainBatches {
		assert.Equal(t, model.SettlementBatchStatusRollingBack, cb.Status)
		assert.NotNil(t, cb.RollbackTxID)
	}

	for _, cb := range chainBatches {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusRolledBack))
	}
	assert.True(t, fx.run(t))

	// T1 终态失败, T2 放回待结算且解除批次分配
	assert.Equal(t, model.SettlementStatusFailed, fx.mustGetTrade(t, "T1").SettlementStatus)
	requeued := fx.mustGetTrade(t, "T2")
	assert.Equal(t, model.SettlementStatusPending, requeued.SettlementStatus)
	assert.Nil(t, requeued.SettlementBatchID)

	assert.Len(t, fx.failReports, 1)
}

// TestSettlementCoordinator_PendingRollback 测试运营人工回滚优先处理
func TestSettlementCoordinator_PendingRollback(t *testing.T) {
	fx := newCoordinatorFixture(t)
	trade := fx.seedTrade(t, "T1", 0x01)

	err := fx.db.Model(&model.Trade{}).
		Where("trade_id = ?", trade.TradeID).
		Update("settlement_status", model.SettlementStatusPendingRollback).Error
	assert.NoError(t, err)

	assert.True(t, fx.run(t))

	failed := fx.mustGetTrade(t, "T1")
	assert.Equal(t, model.SettlementStatusFailed, failed.SettlementStatus)
	assert.Equal(t, "Manually rolled back", failed.Error)
	assert.Len(t, fx.failReports, 1)

	// 没有开新批次
	_, err = fx.settlementRepo.FindInProgressBatch(context.Background())
	assert.ErrorIs(t, err, repository.ErrSettlementBatchNotFound)
}

// TestSettlementCoordinator_SubmitFailure_FailsBatch 测试 submit 阶段失败批次不可恢复
func TestSettlementCoordinator_SubmitFailure_FailsBatch(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)

	assert.True(t, fx.run(t))
	batch := fx.mustGetBatch(t)
	for _, cb := range fx.mustListChainBatches(t, batch.ID) {
		assert.NoError(t, fx.settlementRepo.UpdateChainBatchStatus(ctx, cb.ID, model.SettlementBatchStatusPrepared))
	}
	assert.True(t, fx.run(t))

	// base 链 submit 失败, 已过可撤销点
	chainBatches := fx.mustListChainBatches(t, batch.ID)
	assert.NoError(t, fx.settlementRepo.MarkChainBatchFailed(ctx, chainBatches[0].ID, "submit reverted"))

	assert.True(t, fx.run(t))

	finalBatch, err := fx.settlementRepo.GetBatch(ctx, batch.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.SettlementBatchStatusFailed, finalBatch.Status)
	assert.Equal(t, model.SettlementStatusFailed, fx.mustGetTrade(t, "T1").SettlementStatus)
	assert.Len(t, fx.failReports, 1)
}

// TestSettlementCoordinator_NoPendingTrades 测试空转
func TestSettlementCoordinator_NoPendingTrades(t *testing.T) {
	fx := newCoordinatorFixture(t)

	active := fx.run(t)
	assert.False(t, active)

	_, err := fx.settlementRepo.FindInProgressBatch(context.Background())
	assert.ErrorIs(t, err, repository.ErrSettlementBatchNotFound)
}

// TestSettlementCoordinator_NettingFailure_LeavesTradesUntouched 测试净额
// 计算失败时不开批不动成交, 留待人工处理
func TestSettlementCoordinator_NettingFailure_LeavesTradesUntouched(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	fx.seedTrade(t, "T1", 0x01)
	fx.seedTrade(t, "T2", 0x02)

	// 破坏 T1 的卖方执行, 使其买卖双边不完整
	err := fx.db.Model(&model.OrderExecution{}).
		Where("trade_id = ? AND side = ?", "T1", model.OrderSideSell).
		Update("side", model.OrderSideBuy).Error
	assert.NoError(t, err)

	_, _, err = fx.svc.processBatch(ctx)
	assert.ErrorContains(t, err, "missing buy or sell execution")

	// 未创建批次, 全部成交原样留在队列
	_, err = fx.settlementRepo.FindInProgressBatch(ctx)
	assert.ErrorIs(t, err, repository.ErrSettlementBatchNotFound)
	for _, tradeID := range []string{"T1", "T2"} {
		trade := fx.mustGetTrade(t, tradeID)
		assert.Equal(t, model.SettlementStatusPending, trade.SettlementStatus)
		assert.Nil(t, trade.SettlementBatchID)
	}
	assert.Empty(t, fx.failReports)
}
