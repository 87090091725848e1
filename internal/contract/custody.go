// Package contract provides smart contract ABI bindings for the Helix custody layer.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Custody contract errors
var (
	ErrEmptyBatch          = errors.New("empty settlement batch")
	ErrInvalidDepositEvent = errors.New("invalid deposit event")
)

// CustodyABI is the ABI of the Custody smart contract.
// This matches the Solidity contract interface:
//
//	function prepareSettlementBatch(bytes data) external;
//	function submitSettlementBatch(bytes data) external;
//	function rollbackBatch() external;
//	function balances(address wallet, address token) external view returns (uint256);
//	event Deposit(address indexed from, address indexed token, uint256 amount);
//	event SettlementFailed(address indexed wallet, bytes32[] tradeHashes);
const CustodyABI = `[
	{
		"type": "function",
		"name": "prepareSettlementBatch",
		"inputs": [
			{"name": "data", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "submitSettlementBatch",
		"inputs": [
			{"name": "data", "type": "bytes"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "rollbackBatch",
		"inputs": [],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "balances",
		"inputs": [
			{"name": "wallet", "type": "address"},
			{"name": "token", "type": "address"}
		],
		"outputs": [
			{"name": "balance", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "Deposit",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "token", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "SettlementFailed",
		"inputs": [
			{"name": "wallet", "type": "address", "indexed": true},
			{"name": "tradeHashes", "type": "bytes32[]", "indexed": false}
		]
	}
]`

// Adjustment is a single balance adjustment addressed by wallet index
// into the batch wallet list.
type Adjustment struct {
	WalletIndex uint32   `abi:"walletIndex" json:"wallet_index"`
	Amount      *big.Int `abi:"amount" json:"amount"`
}

// WalletTradeList holds the trade hashes a wallet participates in,
// positionally aligned with BatchSettlement.WalletAddresses.
type WalletTradeList struct {
	TradeHashes [][32]byte `abi:"tradeHashes" json:"trade_hashes"`
}

// TokenAdjustmentList holds the netted balance movements for one token.
type TokenAdjustmentList struct {
	Token      common.Address `abi:"token" json:"token"`
	Increments []Adjustment   `abi:"increments" json:"increments"`
	Decrements []Adjustment   `abi:"decrements" json:"decrements"`
	FeeAmount  *big.Int       `abi:"feeAmount" json:"fee_amount"`
}

// BatchSettlement is the per-chain settlement payload passed to
// prepareSettlementBatch and submitSettlementBatch.
type BatchSettlement struct {
	WalletAddresses      []common.Address      `abi:"walletAddresses" json:"wallet_addresses"`
	WalletTradeLists     []WalletTradeList     `abi:"walletTradeLists" json:"wallet_trade_lists"`
	TokenAdjustmentLists []TokenAdjustmentList `abi:"tokenAdjustmentLists" json:"token_adjustment_lists"`
}

// DepositEvent represents the Deposit event from the Custody contract.
type DepositEvent struct {
	From   common.Address `json:"from"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
	Raw    types.Log
}

// SettlementFailedEvent represents the SettlementFailed event emitted
// when the contract rejects part of a prepared batch.
type SettlementFailedEvent struct {
	Wallet      common.Address `json:"wallet"`
	TradeHashes [][32]byte     `json:"trade_hashes"`
	Raw         types.Log
}

var batchSettlementArgs abi.Arguments

func init() {
	batchType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "walletAddresses", Type: "address[]"},
		{Name: "walletTradeLists", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "tradeHashes", Type: "bytes32[]"},
		}},
		{Name: "tokenAdjustmentLists", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "token", Type: "address"},
			{Name: "increments", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
				{Name: "walletIndex", Type: "uint32"},
				{Name: "amount", Type: "uint256"},
			}},
			{Name: "decrements", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
				{Name: "walletIndex", Type: "uint32"},
				{Name: "amount", Type: "uint256"},
			}},
			{Name: "feeAmount", Type: "uint256"},
		}},
	})
	if err != nil {
		panic(err)
	}
	batchSettlementArgs = abi.Arguments{{Type: batchType}}
}

// EncodeBatchSettlement ABI-encodes a settlement batch payload.
func EncodeBatchSettlement(batch *BatchSettlement) ([]byte, error) {
	if batch == nil || len(batch.WalletAddresses) == 0 {
		return nil, ErrEmptyBatch
	}
	return batchSettlementArgs.Pack(*batch)
}

// BatchHash computes the canonical hash of a settlement batch. Both the
// coordinator and the on-chain contract derive the same hash from the
// same encoded payload.
func BatchHash(batch *BatchSettlement) (string, error) {
	encoded, err := EncodeBatchSettlement(batch)
	if err != nil {
		return "", err
	}
	return common.BytesToHash(crypto.Keccak256(encoded)).Hex(), nil
}

// CustodyContract provides methods to interact with the Custody smart contract.
type CustodyContract struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
}

// NewCustodyContract creates a new Custody contract instance.
func NewCustodyContract(address common.Address, caller bind.ContractCaller) (*CustodyContract, error) {
	parsed, err := abi.JSON(strings.NewReader(CustodyABI))
	if err != nil {
		return nil, err
	}

	return &CustodyContract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the contract address.
func (c *CustodyContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *CustodyContract) ABI() abi.ABI {
	return c.abi
}

// PackPrepareSettlementBatch packs the prepareSettlementBatch call data.
func (c *CustodyContract) PackPrepareSettlementBatch(batch *BatchSettlement) ([]byte, error) {
	encoded, err := EncodeBatchSettlement(batch)
	if err != nil {
		return nil, err
	}
	return c.abi.Pack("prepareSettlementBatch", encoded)
}

// PackSubmitSettlementBatch packs the submitSettlementBatch call data.
func (c *CustodyContract) PackSubmitSettlementBatch(batch *BatchSettlement) ([]byte, error) {
	encoded, err := EncodeBatchSettlement(batch)
	if err != nil {
		return nil, err
	}
	return c.abi.Pack("submitSettlementBatch", encoded)
}

// PackRollbackBatch packs the rollbackBatch call data.
func (c *CustodyContract) PackRollbackBatch() ([]byte, error) {
	return c.abi.Pack("rollbackBatch")
}

// GetBalance queries the custody balance of a wallet for a specific token.
func (c *CustodyContract) GetBalance(ctx context.Context, wallet, token common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("balances", wallet, token)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	err = c.abi.UnpackIntoInterface(&balance, "balances", result)
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// ParseDeposit parses a Deposit event from a log.
func (c *CustodyContract) ParseDeposit(log types.Log) (*DepositEvent, error) {
	event := &DepositEvent{}
	event.Raw = log

	if len(log.Topics) < 3 {
		return nil, ErrInvalidDepositEvent
	}
	event.From = common.HexToAddress(log.Topics[1].Hex())
	event.Token = common.HexToAddress(log.Topics[2].Hex())

	if len(log.Data) >= 32 {
		event.Amount = new(big.Int).SetBytes(log.Data[:32])
	}

	return event, nil
}

// ParseSettlementFailed parses a SettlementFailed event from a log.
func (c *CustodyContract) ParseSettlementFailed(log types.Log) (*SettlementFailedEvent, error) {
	event := &SettlementFailedEvent{}
	event.Raw = log

	if len(log.Topics) < 2 {
		return nil, errors.New("not enough topics for SettlementFailed event")
	}
	event.Wallet = common.HexToAddress(log.Topics[1].Hex())

	var unpacked struct {
		TradeHashes [][32]byte
	}
	if err := c.abi.UnpackIntoInterface(&unpacked, "SettlementFailed", log.Data); err != nil {
		return nil, err
	}
	event.TradeHashes = unpacked.TradeHashes

	return event, nil
}

// DepositEventTopic returns the topic for Deposit events.
func (c *CustodyContract) DepositEventTopic() common.Hash {
	return c.abi.Events["Deposit"].ID
}

// SettlementFailedEventTopic returns the topic for SettlementFailed events.
func (c *CustodyContract) SettlementFailedEventTopic() common.Hash {
	return c.abi.Events["SettlementFailed"].ID
}

// NativeToken returns the zero address representing the chain native asset.
func NativeToken() common.Address {
	return common.Address{}
}

// IsNativeToken checks if an address represents the native asset.
func IsNativeToken(token common.Address) bool {
	return token == NativeToken()
}
