package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/betpond/settlement/internal/cache"
	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// WalletService serves wallet reads and creation. Balance reads go through
// the Redis cache first; the wallet row is the fallback and refreshes the
// cache.
type WalletService struct {
	store    QueryStore
	balances *cache.BalanceCache
}

func NewWalletService(store QueryStore, balances *cache.BalanceCache) *WalletService {
	return &WalletService{store: store, balances: balances}
}

func (s *WalletService) CreateWallet(ctx context.Context, address string) (models.Wallet, error) {
	if address == "" {
		return models.Wallet{}, fmt.Errorf("address is required")
	}
	return s.store.Queries().CreateWallet(ctx, repository.CreateWalletParams{
		ID:      repository.ToPgUUID(uuid.New()),
		Address: address,
	})
}

func (s *WalletService) GetWallet(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	w, err := s.store.Queries().GetWallet(ctx, repository.ToPgUUID(id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Wallet{}, domain.ErrWalletNotFound
		}
		return models.Wallet{}, err
	}
	return w, nil
}

// GetBalances returns the balance for every kind, preferring the cache.
func (s *WalletService) GetBalances(ctx context.Context, id uuid.UUID) (map[string]int64, error) {
	out := make(map[string]int64, len(domain.BalanceKinds))
	missing := make([]string, 0, len(domain.BalanceKinds))
	for _, kind := range domain.BalanceKinds {
		if micros, ok := s.balances.Get(ctx, id, kind); ok {
			out[kind] = micros
		} else {
			missing = append(missing, kind)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	w, err := s.GetWallet(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, kind := range missing {
		micros := w.Balance(kind)
		out[kind] = micros
		s.balances.Set(ctx, id, kind, micros)
	}
	return out, nil
}

// Statement lists a wallet's ledger rows, newest first.
func (s *WalletService) Statement(ctx context.Context, id uuid.UUID, limit, offset int32) ([]models.LedgerTx, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.GetWallet(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Queries().ListLedgerTxs(ctx, repository.ListLedgerTxsParams{
		WalletID: repository.ToPgUUID(id),
		Limit:    limit,
		Offset:   offset,
	})
}

// GetSettlement returns a settlement with its paired ledger rows.
func (s *WalletService) GetSettlement(ctx context.Context, id int64) (models.Settlement, []models.LedgerTx, error) {
	settlement, err := s.store.Queries().GetSettlement(ctx, id)
	if err != nil {
		return models.Settlement{}, nil, err
	}
	rows, err := s.store.Queries().GetLedgerTxsBySettlement(ctx, id)
	if err != nil {
		return models.Settlement{}, nil, err
	}
	return settlement, rows, nil
}
