// ========================================
// Kafka 消息流对接说明
// ========================================
//
// ## 消费者 (Consumer) - 本服务订阅的 Topic
//
// 1. Topic: trades-created
//    - 生产者: helix-sequencer (撮合器)
//    - 消息内容: TradeCreatedMessage (撮合成交, 待链上结算)
//    - 处理逻辑: 落库为待结算成交, 由结算协调器分批上链
//
// 2. Topic: deposits-completed
//    - 生产者: helix-sequencer (撮合器)
//    - 消息内容: DepositCompletedMessage (撮合器充值入账完成)
//    - 处理逻辑: 将充值从 SENT_TO_SEQUENCER 推进到 COMPLETE
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
	"github.com/helix-exchange/helix-chain/internal/service"
	"github.com/helix-exchange/helix-chain/pkg/logger"
)

// Kafka 消费者订阅的 Topic
const (
	// TopicTradesCreated 撮合成交 Topic
	// 生产者: helix-sequencer
	// 消费者: helix-chain
	// Partition Key: market_id
	// 消息格式: model.TradeCreatedMessage
	TopicTradesCreated = "trades-created"

	// TopicDepositsCompleted 充值入账完成 Topic
	// 生产者: helix-sequencer
	// 消费者: helix-chain
	// Partition Key: deposit_id
	// 消息格式: model.DepositCompletedMessage
	TopicDepositsCompleted = "deposits-completed"
)

// Consumer Kafka 消费者
type Consumer struct {
	client       sarama.ConsumerGroup
	ingestionSvc *service.IngestionService
	topics       []string
	groupID      string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	IngestionService *service.IngestionService
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:       client,
		ingestionSvc: cfg.IngestionService,
		topics:       []string{TopicTradesCreated, TopicDepositsCompleted},
		groupID:      cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &consumerGroupHandler{
		ingestionSvc: c.ingestionSvc,
	}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("kafka consume error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		"topics", c.topics,
		"group_id", c.groupID)

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	ingestionSvc *service.IngestionService
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := context.Background()

		switch msg.Topic {
		case TopicTradesCreated:
			if err := h.handleTradeCreated(ctx, msg.Value); err != nil {
				logger.Error("failed to handle trade created message",
					"topic", msg.Topic,
					"offset", msg.Offset,
					"error", err)
				continue // 继续处理下一条消息
			}

		case TopicDepositsCompleted:
			if err := h.handleDepositCompleted(ctx, msg.Value); err != nil {
				logger.Error("failed to handle deposit completed message",
					"topic", msg.Topic,
					"offset", msg.Offset,
					"error", err)
				continue
			}

		default:
			logger.Warn("unknown topic", "topic", msg.Topic)
		}

		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handleTradeCreated(ctx context.Context, data []byte) error {
	var msg model.TradeCreatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	logger.Debug("received trade created",
		"trade_id", msg.TradeID,
		"market_id", msg.MarketID)

	return h.ingestionSvc.HandleTradeCreated(ctx, &msg)
}

func (h *consumerGroupHandler) handleDepositCompleted(ctx context.Context, data []byte) error {
	var msg model.DepositCompletedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	logger.Debug("received deposit completed",
		"deposit_id", msg.DepositID)

	return h.ingestionSvc.HandleDepositCompleted(ctx, &msg)
}
