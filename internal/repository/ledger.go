package repository

import (
	"context"

	"github.com/betpond/settlement/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const ledgerColumns = `id, wallet_id, balance_kind, type, amount_micros, starting_balance,
	ending_balance, status, external_ref, retry_count, sibling_id, settlement_id, note,
	created_at, updated_at`

func scanLedgerTx(row pgx.Row) (models.LedgerTx, error) {
	var (
		t        models.LedgerTx
		walletID pgtype.UUID
	)
	err := row.Scan(&t.ID, &walletID, &t.BalanceKind, &t.Type, &t.AmountMicros, &t.StartingBalance,
		&t.EndingBalance, &t.Status, &t.ExternalRef, &t.RetryCount, &t.SiblingID, &t.SettlementID,
		&t.Note, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return models.LedgerTx{}, err
	}
	t.WalletID = FromPgUUID(walletID)
	return t, nil
}

func scanLedgerTxs(rows pgx.Rows) ([]models.LedgerTx, error) {
	defer rows.Close()
	var out []models.LedgerTx
	for rows.Next() {
		t, err := scanLedgerTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type InsertLedgerTxParams struct {
	WalletID        pgtype.UUID
	BalanceKind     string
	Type            string
	AmountMicros    int64
	StartingBalance int64
	EndingBalance   int64
	SettlementID    *int64
	Note            *string
}

func (q *Queries) InsertLedgerTx(ctx context.Context, arg InsertLedgerTxParams) (models.LedgerTx, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO ledger_txs (wallet_id, balance_kind, type, amount_micros, starting_balance,
			ending_balance, status, retry_count, settlement_id, note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, $7, $8, NOW(), NOW())
		RETURNING `+ledgerColumns,
		arg.WalletID, arg.BalanceKind, arg.Type, arg.AmountMicros, arg.StartingBalance,
		arg.EndingBalance, arg.SettlementID, arg.Note)
	return scanLedgerTx(row)
}

type SetLedgerSiblingParams struct {
	ID        int64
	SiblingID int64
}

func (q *Queries) SetLedgerSibling(ctx context.Context, arg SetLedgerSiblingParams) error {
	_, err := q.db.Exec(ctx, `UPDATE ledger_txs SET sibling_id = $2, updated_at = NOW() WHERE id = $1`,
		arg.ID, arg.SiblingID)
	return err
}

func (q *Queries) GetLedgerTx(ctx context.Context, id int64) (models.LedgerTx, error) {
	row := q.db.QueryRow(ctx, `SELECT `+ledgerColumns+` FROM ledger_txs WHERE id = $1`, id)
	return scanLedgerTx(row)
}

func (q *Queries) GetLedgerTxsBySettlement(ctx context.Context, settlementID int64) ([]models.LedgerTx, error) {
	rows, err := q.db.Query(ctx, `SELECT `+ledgerColumns+` FROM ledger_txs WHERE settlement_id = $1 ORDER BY id`,
		settlementID)
	if err != nil {
		return nil, err
	}
	return scanLedgerTxs(rows)
}

type LatestSuccessEndingParams struct {
	WalletID    pgtype.UUID
	BalanceKind string
}

// LatestSuccessEnding returns the ending balance of the most recent SUCCESS
// row for the wallet/kind, or zero when the chain is empty. Callers needing a
// stable read must hold the wallet row lock.
func (q *Queries) LatestSuccessEnding(ctx context.Context, arg LatestSuccessEndingParams) (int64, error) {
	var ending int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT ending_balance FROM ledger_txs
			WHERE wallet_id = $1 AND balance_kind = $2 AND status = 'SUCCESS'
			ORDER BY id DESC LIMIT 1
		), 0)`,
		arg.WalletID, arg.BalanceKind).Scan(&ending)
	return ending, err
}

type SumPendingOutflowsParams struct {
	WalletID    pgtype.UUID
	BalanceKind string
}

// SumPendingOutflows totals the absolute value of PENDING debits, used to
// compute the available balance net of in-flight settlements.
func (q *Queries) SumPendingOutflows(ctx context.Context, arg SumPendingOutflowsParams) (int64, error) {
	var sum int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(-amount_micros), 0) FROM ledger_txs
		WHERE wallet_id = $1 AND balance_kind = $2 AND status = 'PENDING' AND amount_micros < 0`,
		arg.WalletID, arg.BalanceKind).Scan(&sum)
	return sum, err
}

type FinalizeLedgerTxParams struct {
	ID              int64
	Status          string
	StartingBalance int64
	EndingBalance   int64
	ExternalRef     *string
}

// FinalizeLedgerTx moves a row out of PENDING. The status guard makes the
// transition one-way; zero rows affected means the row was already finalized.
func (q *Queries) FinalizeLedgerTx(ctx context.Context, arg FinalizeLedgerTxParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE ledger_txs
		SET status = $2, starting_balance = $3, ending_balance = $4, external_ref = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		arg.ID, arg.Status, arg.StartingBalance, arg.EndingBalance, arg.ExternalRef)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IncrementLedgerRetries bumps the retry counter on every PENDING row tied to
// a settlement, mirroring the settlement's own attempt count.
func (q *Queries) IncrementLedgerRetries(ctx context.Context, settlementID int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE ledger_txs SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE settlement_id = $1 AND status = 'PENDING'`,
		settlementID)
	return err
}

type ListLedgerTxsParams struct {
	WalletID pgtype.UUID
	Limit    int32
	Offset   int32
}

func (q *Queries) ListLedgerTxs(ctx context.Context, arg ListLedgerTxsParams) ([]models.LedgerTx, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_txs
		WHERE wallet_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
		arg.WalletID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	return scanLedgerTxs(rows)
}

type GetSuccessChainParams struct {
	WalletID    pgtype.UUID
	BalanceKind string
}

// GetSuccessChain returns all SUCCESS rows for a wallet/kind in id order, for
// chain verification.
func (q *Queries) GetSuccessChain(ctx context.Context, arg GetSuccessChainParams) ([]models.LedgerTx, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_txs
		WHERE wallet_id = $1 AND balance_kind = $2 AND status = 'SUCCESS' ORDER BY id`,
		arg.WalletID, arg.BalanceKind)
	if err != nil {
		return nil, err
	}
	return scanLedgerTxs(rows)
}

// ListWalletIDs returns every wallet id, for reconciliation sweeps.
func (q *Queries) ListWalletIDs(ctx context.Context) ([]pgtype.UUID, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM wallets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pgtype.UUID
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
