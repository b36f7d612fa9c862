package repository

import (
	"context"
	"fmt"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const walletColumns = `id, address, spendable, redeemable, credit, point, created_at, updated_at`

func scanWallet(row pgx.Row) (models.Wallet, error) {
	var (
		w  models.Wallet
		id pgtype.UUID
	)
	err := row.Scan(&id, &w.Address, &w.Spendable, &w.Redeemable, &w.Credit, &w.Point, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return models.Wallet{}, err
	}
	w.ID = FromPgUUID(id)
	return w, nil
}

type CreateWalletParams struct {
	ID      pgtype.UUID
	Address string
}

func (q *Queries) CreateWallet(ctx context.Context, arg CreateWalletParams) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO wallets (id, address, spendable, redeemable, credit, point, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, NOW(), NOW())
		RETURNING `+walletColumns,
		arg.ID, arg.Address)
	return scanWallet(row)
}

func (q *Queries) GetWallet(ctx context.Context, id pgtype.UUID) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	return scanWallet(row)
}

// GetWalletForUpdate locks the wallet row, serializing conflicting writers to
// the same wallet for the duration of the enclosing transaction.
func (q *Queries) GetWalletForUpdate(ctx context.Context, id pgtype.UUID) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	return scanWallet(row)
}

// balanceColumn maps a balance kind to its wallet column. Kinds are
// whitelisted before being interpolated into SQL.
func balanceColumn(kind string) (string, error) {
	if !domain.ValidBalanceKind(kind) {
		return "", fmt.Errorf("unknown balance kind %q", kind)
	}
	return kind, nil
}

type SetWalletBalanceParams struct {
	WalletID pgtype.UUID
	Kind     string
	Balance  int64
}

// SetWalletBalance overwrites the cached balance for one kind. Callers must
// hold the wallet row lock and derive Balance from the finalized ledger row.
func (q *Queries) SetWalletBalance(ctx context.Context, arg SetWalletBalanceParams) (int64, error) {
	col, err := balanceColumn(arg.Kind)
	if err != nil {
		return 0, err
	}
	tag, err := q.db.Exec(ctx,
		fmt.Sprintf(`UPDATE wallets SET %s = $1, updated_at = NOW() WHERE id = $2`, col),
		arg.Balance, arg.WalletID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
