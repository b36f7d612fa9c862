package repository

import (
	"context"
	"time"

	"github.com/betpond/settlement/internal/models"
	"github.com/jackc/pgx/v5"
)

const settlementColumns = `id, amount_micros, from_address, to_address, chain_id, tx_hash,
	status, retry_count, created_at, updated_at`

func scanSettlement(row pgx.Row) (models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(&s.ID, &s.AmountMicros, &s.FromAddress, &s.ToAddress, &s.ChainID, &s.TxHash,
		&s.Status, &s.RetryCount, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type InsertSettlementParams struct {
	AmountMicros int64
	FromAddress  string
	ToAddress    string
	ChainID      int64
}

func (q *Queries) InsertSettlement(ctx context.Context, arg InsertSettlementParams) (models.Settlement, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO settlements (amount_micros, from_address, to_address, chain_id, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, NOW(), NOW())
		RETURNING `+settlementColumns,
		arg.AmountMicros, arg.FromAddress, arg.ToAddress, arg.ChainID)
	return scanSettlement(row)
}

func (q *Queries) GetSettlement(ctx context.Context, id int64) (models.Settlement, error) {
	row := q.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
	return scanSettlement(row)
}

func (q *Queries) GetSettlementForUpdate(ctx context.Context, id int64) (models.Settlement, error) {
	row := q.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1 FOR UPDATE`, id)
	return scanSettlement(row)
}

type SetSettlementTxHashParams struct {
	ID     int64
	TxHash string
}

// SetSettlementTxHash records the submitted transfer reference as soon as it
// is known, so a redelivered job resumes at confirmation instead of
// resubmitting the transfer.
func (q *Queries) SetSettlementTxHash(ctx context.Context, arg SetSettlementTxHashParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE settlements SET tx_hash = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		arg.ID, arg.TxHash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type UpdateSettlementStatusParams struct {
	ID     int64
	Status string
	TxHash *string
}

// UpdateSettlementStatus finalizes a settlement. The PENDING guard keeps the
// transition one-way.
func (q *Queries) UpdateSettlementStatus(ctx context.Context, arg UpdateSettlementStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE settlements SET status = $2, tx_hash = COALESCE($3, tx_hash), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`,
		arg.ID, arg.Status, arg.TxHash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IncrementSettlementRetry counts one external-transfer attempt.
func (q *Queries) IncrementSettlementRetry(ctx context.Context, id int64) (int32, error) {
	var count int32
	err := q.db.QueryRow(ctx, `
		UPDATE settlements SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 RETURNING retry_count`, id).Scan(&count)
	return count, err
}

type GetStalePendingSettlementsParams struct {
	UpdatedBefore time.Time
	Limit         int32
}

// GetStalePendingSettlements finds settlements that committed but whose job
// may never have been enqueued (crash between commit and enqueue).
func (q *Queries) GetStalePendingSettlements(ctx context.Context, arg GetStalePendingSettlementsParams) ([]models.Settlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = 'PENDING' AND updated_at < $1
		ORDER BY id LIMIT $2`,
		arg.UpdatedBefore, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
