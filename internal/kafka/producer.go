// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: deposit-status
//    - 消费者: helix-api (充值状态推送)
//    - 消息内容: DepositStatusNotification (充值状态变更)
//    - 处理逻辑: 充值状态每次推进时发送
//
// 2. Topic: trade-updated
//    - 消费者: helix-api (成交状态推送)
//    - 消息内容: TradeSettlementNotification (成交结算状态变更)
//    - 处理逻辑: 成交结算状态每次推进时发送
//
// 3. Topic: balance-changed
//    - 消费者: helix-api (余额推送)
//    - 消息内容: BalanceChangeNotification (余额变更)
//    - 处理逻辑: 充值入账和结算对账后发送
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/helix-exchange/helix-chain/internal/model"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicDepositStatus 充值状态 Topic
	// 生产者: helix-chain
	// 消费者: helix-api
	// Partition Key: deposit_id
	// 消息格式: model.DepositStatusNotification
	TopicDepositStatus = "deposit-status"

	// TopicTradeUpdated 成交结算状态 Topic
	// 生产者: helix-chain
	// 消费者: helix-api
	// Partition Key: trade_id
	// 消息格式: model.TradeSettlementNotification
	TopicTradeUpdated = "trade-updated"

	// TopicBalanceChanged 余额变更 Topic
	// 生产者: helix-chain
	// 消费者: helix-api
	// Partition Key: wallet_address
	// 消息格式: model.BalanceChangeNotification
	TopicBalanceChanged = "balance-changed"
)

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			"topic", topic,
			"key", key,
			"error", err)
		return err
	}

	logger.Debug("kafka message sent",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset)

	return nil
}

// PublishDepositStatus 发送充值状态变更通知
func (p *Producer) PublishDepositStatus(ctx context.Context, notification *model.DepositStatusNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return p.send(TopicDepositStatus, notification.DepositID, data)
}

// PublishTradeSettlement 发送成交结算状态通知
func (p *Producer) PublishTradeSettlement(ctx context.Context, notification *model.TradeSettlementNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return p.send(TopicTradeUpdated, notification.TradeID, data)
}

// PublishBalanceChange 发送余额变更通知
func (p *Producer) PublishBalanceChange(ctx context.Context, notification *model.BalanceChangeNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return p.send(TopicBalanceChanged, notification.WalletAddress, data)
}
