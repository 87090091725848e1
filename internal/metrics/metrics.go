// Package metrics 提供 helix-chain 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "helix_chain"

// 区块处理指标
var (
	// BlocksProcessedTotal 已处理区块总数
	BlocksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "已处理区块总数",
		},
		[]string{"chain_id"},
	)

	// ForksDetectedTotal 检测到的分叉总数
	ForksDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_detected_total",
			Help:      "检测到的分叉总数",
		},
		[]string{"chain_id"},
	)

	// ForkRollbackRefusedTotal 因已入账充值拒绝回滚的次数
	ForkRollbackRefusedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fork_rollback_refused_total",
			Help:      "因已入账充值拒绝自动回滚的次数",
		},
		[]string{"chain_id"},
	)

	// ChainHeadGauge 各链最新已处理区块号
	ChainHeadGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "各链最新已处理区块号",
		},
		[]string{"chain_id"},
	)
)

// 充值指标
var (
	// DepositsTotal 充值状态推进总数
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "充值状态推进总数",
		},
		[]string{"chain_id", "status"}, // pending, confirmed, sent_to_sequencer, complete, failed
	)

	// SequencerCallFailuresTotal 撮合器调用失败总数
	SequencerCallFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequencer_call_failures_total",
			Help:      "撮合器调用失败总数",
		},
		[]string{"method"},
	)
)

// 结算指标
var (
	// SettlementBatchesTotal 结算批次状态推进总数
	SettlementBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_batches_total",
			Help:      "结算批次状态推进总数",
		},
		[]string{"status"},
	)

	// SettlementBatchSize 结算批次大小
	SettlementBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_batch_size",
			Help:      "结算批次包含的成交数量",
			Buckets:   []float64{1, 5, 10, 20, 50, 100, 200, 500},
		},
	)

	// NettingFailuresTotal 净额计算失败总数 (零和校验不通过)
	NettingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "netting_failures_total",
			Help:      "净额计算零和校验失败总数",
		},
	)

	// PendingTradesGauge 待结算成交数量
	PendingTradesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_trades_total",
			Help:      "当前待结算成交数量",
		},
	)

	// BalanceDiscrepanciesTotal 结算对账差异总数
	BalanceDiscrepanciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_discrepancies_total",
			Help:      "结算后链上对账差异总数",
		},
		[]string{"chain_id"},
	)
)

// 链上交易指标
var (
	// BlockchainTxTotal 链上交易总数
	BlockchainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blockchain_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"chain_id", "status"}, // submitted, confirmed, failed
	)

	// BlockchainGasUsed Gas 使用量
	BlockchainGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blockchain_gas_used",
			Help:      "链上交易 Gas 使用量",
			Buckets:   []float64{21000, 50000, 100000, 200000, 500000, 1000000, 2000000},
		},
		[]string{"chain_id"},
	)
)
