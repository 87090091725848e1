// Package app 提供 helix-chain 服务的应用生命周期管理
//
// ========================================
// helix-chain 服务对接说明
// ========================================
//
// ## 服务职责
// helix-chain 是链上对账与结算服务, 负责:
// 1. 区块跟踪 (BlockTracker): 每链逐块跟进, 检测充值和分叉
// 2. 充值确认 (DepositHandler): 确认数足够后入账并通知撮合器
// 3. 结算协调 (SettlementCoordinator): 成交攒批, 跨链两阶段结算
// 4. 交易驱动 (ChainTransactionHandler): 每链签名广播并跟踪回执
//
// ## Kafka 对接 (参见 internal/kafka/consumer.go 和 producer.go)
//
// ### 消费的 Topic (来自撮合器)
// - trades-created: 撮合成交, 等待链上结算
// - deposits-completed: 撮合器充值入账完成回报
//
// ### 生产的 Topic
// - deposit-status: 充值状态推进
// - trade-updated: 成交结算状态推进
// - balance-changed: 余额变更
//
// ## NATS 对接
// 撮合器 request/reply: sequencer.deposit / sequencer.fail_settlement
//
// ## 数据库
// - 数据库名: helix_chain
// - 启动时 AutoMigrate (参见 migrate.go)
//
// ========================================
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helix-exchange/helix-chain/internal/blockchain"
	"github.com/helix-exchange/helix-chain/internal/config"
	"github.com/helix-exchange/helix-chain/internal/contract"
	"github.com/helix-exchange/helix-chain/internal/kafka"
	"github.com/helix-exchange/helix-chain/internal/repository"
	"github.com/helix-exchange/helix-chain/internal/sequencer"
	"github.com/helix-exchange/helix-chain/internal/service"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db *gorm.DB

	// 区块链 (每链一套)
	clients  map[int64]*blockchain.Client
	adapters map[int64]blockchain.ChainAdapter
	custody  map[int64]*contract.CustodyContract

	// 仓储
	baseRepo       *repository.Repository
	blockRepo      repository.BlockRepository
	depositRepo    repository.DepositRepository
	tradeRepo      repository.TradeRepository
	settlementRepo repository.SettlementRepository
	txRepo         repository.TransactionRepository
	balanceRepo    repository.BalanceRepository
	marketRepo     repository.MarketRepository
	reconRepo      repository.ReconciliationRepository

	// 服务
	marketCache    *service.MarketCache
	ingestionSvc   *service.IngestionService
	blockTrackers  map[int64]*service.BlockTrackerService
	depositSvcs    map[int64]*service.DepositHandlerService
	txHandlers     map[int64]*service.ChainTransactionHandlerService
	coordinatorSvc *service.SettlementCoordinatorService

	// 外部连接
	seqClient     sequencer.Client
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	// HTTP (metrics + 健康检查)
	httpServer *http.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:           cfg,
		clients:       make(map[int64]*blockchain.Client),
		adapters:      make(map[int64]blockchain.ChainAdapter),
		custody:       make(map[int64]*contract.CustodyContract),
		blockTrackers: make(map[int64]*service.BlockTrackerService),
		depositSvcs:   make(map[int64]*service.DepositHandlerService),
		txHandlers:    make(map[int64]*service.ChainTransactionHandlerService),
		stopCh:        make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()

	if err := app.initSequencer(); err != nil {
		return nil, fmt.Errorf("failed to init sequencer client: %w", err)
	}

	if err := app.initKafkaProducer(); err != nil {
		return nil, fmt.Errorf("failed to init kafka producer: %w", err)
	}

	app.initServices()

	if err := app.initKafkaConsumer(); err != nil {
		return nil, fmt.Errorf("failed to init kafka consumer: %w", err)
	}

	app.initHTTP()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", "host", a.cfg.Postgres.Host)

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	return nil
}

// initBlockchain 初始化各链客户端和托管合约
func (a *App) initBlockchain() error {
	for _, chainCfg := range a.cfg.Chains {
		rpcURLs := append([]string{chainCfg.RPCURL}, chainCfg.BackupRPCURLs...)

		client, err := blockchain.NewClient(&blockchain.ClientConfig{
			ChainID:         chainCfg.ChainID,
			SubmitterKey:    chainCfg.SubmitterKey,
			CustodyAddress:  chainCfg.CustodyAddress,
			RPCURLs:         rpcURLs,
			MaxRetries:      3,
			RetryInterval:   time.Second,
			HealthCheckFreq: 30 * time.Second,
			GasLimit:        chainCfg.GasLimit,
		})
		if err != nil {
			return fmt.Errorf("chain %d: %w", chainCfg.ChainID, err)
		}
		a.clients[chainCfg.ChainID] = client
		a.adapters[chainCfg.ChainID] = client

		custody, err := contract.NewCustodyContract(common.HexToAddress(chainCfg.CustodyAddress), client)
		if err != nil {
			return fmt.Errorf("chain %d custody contract: %w", chainCfg.ChainID, err)
		}
		a.custody[chainCfg.ChainID] = custody

		logger.Info("blockchain client initialized",
			"chain_id", chainCfg.ChainID,
			"name", chainCfg.Name,
			"custody_address", chainCfg.CustodyAddress)
	}
	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.baseRepo = repository.NewRepository(a.db)
	a.blockRepo = repository.NewBlockRepository(a.db)
	a.depositRepo = repository.NewDepositRepository(a.db)
	a.tradeRepo = repository.NewTradeRepository(a.db)
	a.settlementRepo = repository.NewSettlementRepository(a.db)
	a.txRepo = repository.NewTransactionRepository(a.db)
	a.balanceRepo = repository.NewBalanceRepository(a.db)
	a.marketRepo = repository.NewMarketRepository(a.db)
	a.reconRepo = repository.NewReconciliationRepository(a.db)

	logger.Info("repositories initialized")
}

// initSequencer 初始化撮合器客户端
func (a *App) initSequencer() error {
	client, err := sequencer.NewClient(&sequencer.Config{
		URL:     a.cfg.Sequencer.NatsURL,
		Timeout: time.Duration(a.cfg.Sequencer.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	a.seqClient = client

	logger.Info("sequencer client initialized", "nats_url", a.cfg.Sequencer.NatsURL)
	return nil
}

// initKafkaProducer 初始化 Kafka 生产者
func (a *App) initKafkaProducer() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return err
	}
	a.kafkaProducer = producer

	logger.Info("kafka producer initialized", "brokers", a.cfg.Kafka.Brokers)
	return nil
}

// initServices 初始化服务
func (a *App) initServices() {
	a.marketCache = service.NewMarketCache(a.marketRepo)

	a.ingestionSvc = service.NewIngestionService(
		a.tradeRepo,
		a.depositRepo,
		a.marketRepo,
		a.marketCache,
		a.kafkaProducer,
	)

	for _, chainCfg := range a.cfg.Chains {
		adapter := a.adapters[chainCfg.ChainID]
		pollInterval := time.Duration(chainCfg.PollIntervalMs) * time.Millisecond
		receiptMaxWait := time.Duration(chainCfg.ReceiptMaxWaitSeconds) * time.Second

		a.blockTrackers[chainCfg.ChainID] = service.NewBlockTrackerService(
			adapter,
			a.baseRepo,
			a.blockRepo,
			a.depositRepo,
			a.marketRepo,
			a.kafkaProducer,
			&service.BlockTrackerConfig{
				PollInterval:  pollInterval,
				Confirmations: chainCfg.Confirmations,
			},
		)

		a.depositSvcs[chainCfg.ChainID] = service.NewDepositHandlerService(
			adapter,
			a.baseRepo,
			a.depositRepo,
			a.balanceRepo,
			a.marketRepo,
			a.seqClient,
			a.kafkaProducer,
			&service.DepositHandlerConfig{
				PollInterval:   pollInterval,
				Confirmations:  chainCfg.Confirmations,
				ReceiptMaxWait: receiptMaxWait,
			},
		)

		a.txHandlers[chainCfg.ChainID] = service.NewChainTransactionHandlerService(
			adapter,
			a.txRepo,
			a.tradeRepo,
			a.settlementRepo,
			&service.ChainTransactionHandlerConfig{
				PollInterval:   pollInterval,
				ReceiptMaxWait: receiptMaxWait,
			},
		)
	}

	a.coordinatorSvc = service.NewSettlementCoordinatorService(
		a.baseRepo,
		a.tradeRepo,
		a.settlementRepo,
		a.txRepo,
		a.balanceRepo,
		a.marketRepo,
		a.reconRepo,
		a.marketCache,
		a.adapters,
		a.custody,
		a.seqClient,
		a.kafkaProducer,
		&service.SettlementCoordinatorConfig{
			BatchMinTrades:   a.cfg.Settlement.BatchMinTrades,
			BatchMaxWait:     time.Duration(a.cfg.Settlement.BatchMaxWaitMs) * time.Millisecond,
			BatchMaxTrades:   a.cfg.Settlement.BatchMaxTrades,
			ActiveInterval:   time.Duration(a.cfg.Settlement.ActivePollIntervalMs) * time.Millisecond,
			InactiveInterval: time.Duration(a.cfg.Settlement.InactivePollIntervalMs) * time.Millisecond,
			FailureInterval:  time.Duration(a.cfg.Settlement.FailurePollIntervalMs) * time.Millisecond,
		},
	)

	logger.Info("services initialized", "chains", len(a.cfg.Chains))
}

// initKafkaConsumer 初始化 Kafka 消费者
func (a *App) initKafkaConsumer() error {
	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:          a.cfg.Kafka.Brokers,
		GroupID:          a.cfg.Kafka.GroupID,
		IngestionService: a.ingestionSvc,
	})
	if err != nil {
		return err
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka consumer initialized", "group_id", a.cfg.Kafka.GroupID)
	return nil
}

// initHTTP 初始化 HTTP 服务 (metrics + 健康检查)
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.kafkaConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kafka consumer: %w", err)
	}

	for chainID, tracker := range a.blockTrackers {
		if err := tracker.Start(ctx); err != nil {
			return fmt.Errorf("failed to start block tracker for chain %d: %w", chainID, err)
		}
	}
	for chainID, svc := range a.depositSvcs {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start deposit handler for chain %d: %w", chainID, err)
		}
	}
	for chainID, handler := range a.txHandlers {
		if err := handler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start transaction handler for chain %d: %w", chainID, err)
		}
	}
	if err := a.coordinatorSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start settlement coordinator: %w", err)
	}

	go func() {
		logger.Info("http server listening", "port", a.cfg.Service.HTTPPort)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	// 先停消费和协调, 再停链上驱动, 避免半截批次
	if a.kafkaConsumer != nil {
		_ = a.kafkaConsumer.Stop()
	}
	if a.coordinatorSvc != nil {
		_ = a.coordinatorSvc.Stop()
	}
	for _, tracker := range a.blockTrackers {
		_ = tracker.Stop()
	}
	for _, svc := range a.depositSvcs {
		_ = svc.Stop()
	}
	for _, handler := range a.txHandlers {
		_ = handler.Stop()
	}

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}

	if a.kafkaProducer != nil {
		_ = a.kafkaProducer.Close()
	}
	if a.seqClient != nil {
		a.seqClient.Close()
	}
	for _, client := range a.clients {
		client.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
