package repository

import (
	"context"
)

type InsertAuditLogParams struct {
	EntityType string
	EntityID   string
	Action     string
	PrevState  *string
	NextState  *string
	Metadata   []byte
}

// InsertAuditLog appends one immutable audit trail record.
func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, action, prev_state, next_state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		arg.EntityType, arg.EntityID, arg.Action, arg.PrevState, arg.NextState, arg.Metadata)
	return err
}
