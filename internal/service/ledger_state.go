package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/repository"
)

// Ledger rows and settlements share the same one-way lifecycle: PENDING is
// the only state with outgoing transitions.
var finalizeTransitions = map[string]map[string]struct{}{
	domain.StatusPending: {
		domain.StatusSuccess: {},
		domain.StatusFailed:  {},
	},
	domain.StatusSuccess: {},
	domain.StatusFailed:  {},
}

func canFinalize(current, next string) bool {
	nextStates, ok := finalizeTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// transitionSettlement finalizes a settlement under its row lock, writing the
// audit record in the same transaction. Finalizing an already terminal
// settlement is a no-op so redelivered jobs stay idempotent.
func transitionSettlement(ctx context.Context, qtx *repository.Queries, audit *AuditService, settlementID int64, nextState string, txHash *string, action string, metadata []byte) (bool, error) {
	current, err := qtx.GetSettlementForUpdate(ctx, settlementID)
	if err != nil {
		return false, fmt.Errorf("get settlement for update: %w", err)
	}
	if current.Status == nextState {
		return false, nil
	}
	if current.Status != domain.StatusPending {
		return false, nil
	}
	if !canFinalize(current.Status, nextState) {
		return false, fmt.Errorf("invalid settlement transition %s -> %s: %w", current.Status, nextState, domain.ErrAlreadyFinalized)
	}

	rows, err := qtx.UpdateSettlementStatus(ctx, repository.UpdateSettlementStatusParams{
		ID:     settlementID,
		Status: nextState,
		TxHash: txHash,
	})
	if err != nil {
		return false, fmt.Errorf("update settlement status: %w", err)
	}
	if err := requireExactlyOne(rows, "update settlement status"); err != nil {
		return false, err
	}

	if err := audit.Write(ctx, qtx, "settlement", strconv.FormatInt(settlementID, 10), action, current.Status, nextState, metadata); err != nil {
		return false, err
	}
	return true, nil
}
