package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helix-exchange/helix-chain/internal/model"
	"gorm.io/gorm"
)

var (
	ErrMarketNotFound = errors.New("market not found")
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrWalletNotFound = errors.New("wallet not found")
)

// MarketRepository 市场 / 资产 / 钱包仓储接口
type MarketRepository interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]*model.Market, error)
	UpsertMarket(ctx context.Context, market *model.Market) error

	GetSymbol(ctx context.Context, id string) (*model.Symbol, error)
	GetSymbolByContract(ctx context.Context, chainID int64, contractAddress string) (*model.Symbol, error)
	GetNativeSymbol(ctx context.Context, chainID int64) (*model.Symbol, error)
	ListSymbols(ctx context.Context) ([]*model.Symbol, error)
	UpsertSymbol(ctx context.Context, symbol *model.Symbol) error

	GetWallet(ctx context.Context, id int64) (*model.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (*model.Wallet, error)
	GetOrCreateWallet(ctx context.Context, address string, sequencerID int64) (*model.Wallet, error)
	ListWalletsByIDs(ctx context.Context, ids []int64) ([]*model.Wallet, error)
}

// marketRepository 市场仓储实现
type marketRepository struct {
	*Repository
}

// NewMarketRepository 创建市场仓储
func NewMarketRepository(db *gorm.DB) MarketRepository {
	return &marketRepository{
		Repository: NewRepository(db),
	}
}

func (r *marketRepository) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var market model.Market
	err := r.DB(ctx).Where("id = ?", id).First(&market).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &market, nil
}

func (r *marketRepository) ListMarkets(ctx context.Context) ([]*model.Market, error) {
	var markets []*model.Market
	err := r.DB(ctx).Order("id ASC").Find(&markets).Error
	return markets, err
}

func (r *marketRepository) UpsertMarket(ctx context.Context, market *model.Market) error {
	if market.CreatedAt == 0 {
		market.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Save(market).Error
}

func (r *marketRepository) GetSymbol(ctx context.Context, id string) (*model.Symbol, error) {
	var symbol model.Symbol
	err := r.DB(ctx).Where("id = ?", id).First(&symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSymbolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &symbol, nil
}

func (r *marketRepository) GetSymbolByContract(ctx context.Context, chainID int64, contractAddress string) (*model.Symbol, error) {
	var symbol model.Symbol
	err := r.DB(ctx).
		Where("chain_id = ? AND LOWER(contract_address) = LOWER(?)", chainID, contractAddress).
		First(&symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSymbolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &symbol, nil
}

func (r *marketRepository) GetNativeSymbol(ctx context.Context, chainID int64) (*model.Symbol, error) {
	var symbol model.Symbol
	err := r.DB(ctx).
		Where("chain_id = ? AND contract_address IS NULL", chainID).
		First(&symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSymbolNotFound
	}
	if err != nil {
		return nil, err
	}
	return &symbol, nil
}

func (r *marketRepository) ListSymbols(ctx context.Context) ([]*model.Symbol, error) {
	var symbols []*model.Symbol
	err := r.DB(ctx).Order("id ASC").Find(&symbols).Error
	return symbols, err
}

func (r *marketRepository) UpsertSymbol(ctx context.Context, symbol *model.Symbol) error {
	if symbol.CreatedAt == 0 {
		symbol.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Save(symbol).Error
}

func (r *marketRepository) GetWallet(ctx context.Context, id int64) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.DB(ctx).Where("id = ?", id).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *marketRepository) GetWalletByAddress(ctx context.Context, address string) (*model.Wallet, error) {
	var wallet model.Wallet
	err := r.DB(ctx).Where("LOWER(address) = LOWER(?)", address).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *marketRepository) GetOrCreateWallet(ctx context.Context, address string, sequencerID int64) (*model.Wallet, error) {
	wallet, err := r.GetWalletByAddress(ctx, address)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	wallet = &model.Wallet{
		Address:     address,
		SequencerID: sequencerID,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := r.DB(ctx).Create(wallet).Error; err != nil {
		// 并发创建时回读既有行
		if isDuplicateKeyError(err) {
			return r.GetWalletByAddress(ctx, address)
		}
		return nil, err
	}
	return wallet, nil
}

func (r *marketRepository) ListWalletsByIDs(ctx context.Context, ids []int64) ([]*model.Wallet, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var wallets []*model.Wallet
	err := r.DB(ctx).Where("id IN ?", ids).Find(&wallets).Error
	return wallets, err
}
