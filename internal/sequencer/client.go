// Package sequencer 封装与撮合器的 NATS request/reply 通信
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

const (
	subjectDeposit        = "sequencer.deposit"
	subjectFailSettlement = "sequencer.fail_settlement"
)

var (
	ErrSequencerUnavailable = errors.New("sequencer unavailable")
	ErrSequencerRejected    = errors.New("sequencer rejected request")
)

// FailSettlementParams 结算失败回报参数
type FailSettlementParams struct {
	BuyerWalletID  int64           `json:"buyer_wallet_id"`
	SellerWalletID int64           `json:"seller_wallet_id"`
	MarketID       string          `json:"market_id"`
	BuyOrderID     string          `json:"buy_order_id"`
	SellOrderID    string          `json:"sell_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	LevelIx        int64           `json:"level_ix"`
	BuyerFee       decimal.Decimal `json:"buyer_fee"`
	SellerFee      decimal.Decimal `json:"seller_fee"`
}

// Client 撮合器客户端接口
type Client interface {
	// Deposit 通知撮合器一笔已确认充值
	Deposit(ctx context.Context, walletSequencerID int64, symbolID string, amount decimal.Decimal, depositID string) error
	// FailSettlement 回报一笔链上结算失败的成交
	FailSettlement(ctx context.Context, params *FailSettlementParams) error
	Close()
}

type depositRequest struct {
	WalletID  int64           `json:"wallet_id"`
	SymbolID  string          `json:"symbol_id"`
	Amount    decimal.Decimal `json:"amount"`
	DepositID string          `json:"deposit_id"`
}

type sequencerReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// natsClient 基于 NATS request/reply 的实现
type natsClient struct {
	conn    *nats.Conn
	timeout time.Duration
}

// Config 撮合器客户端配置
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewClient 创建撮合器客户端
func NewClient(cfg *Config) (Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect sequencer nats: %w", err)
	}

	return &natsClient{
		conn:    conn,
		timeout: timeout,
	}, nil
}

func (c *natsClient) Deposit(ctx context.Context, walletSequencerID int64, symbolID string, amount decimal.Decimal, depositID string) error {
	return c.request(ctx, subjectDeposit, &depositRequest{
		WalletID:  walletSequencerID,
		SymbolID:  symbolID,
		Amount:    amount,
		DepositID: depositID,
	})
}

func (c *natsClient) FailSettlement(ctx context.Context, params *FailSettlementParams) error {
	return c.request(ctx, subjectFailSettlement, params)
}

func (c *natsClient) request(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSequencerUnavailable, err)
	}

	var reply sequencerReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode sequencer reply: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("%w: %s", ErrSequencerRejected, reply.Error)
	}
	return nil
}

func (c *natsClient) Close() {
	c.conn.Close()
}
