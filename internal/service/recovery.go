package service

import (
	"context"
	"fmt"
	"time"

	"github.com/betpond/settlement/internal/queue"
	"github.com/betpond/settlement/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecoveryService re-enqueues settlements whose job was lost, typically to a
// crash between the ledger commit and the enqueue. Job-name deduplication
// makes the sweep safe to run against settlements that are merely slow.
type RecoveryService struct {
	store       QueryStore
	queue       *queue.Manager
	threshold   time.Duration
	batchSize   int32
	maxAttempts int32
}

func NewRecoveryService(store QueryStore, q *queue.Manager, threshold time.Duration, maxAttempts int32) *RecoveryService {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RecoveryService{
		store:       store,
		queue:       q,
		threshold:   threshold,
		batchSize:   100,
		maxAttempts: maxAttempts,
	}
}

// Sweep finds PENDING settlements untouched for longer than the threshold and
// resubmits their jobs. Returns the number of jobs actually created.
func (s *RecoveryService) Sweep(ctx context.Context) (int, error) {
	stale, err := s.store.Queries().GetStalePendingSettlements(ctx, repository.GetStalePendingSettlementsParams{
		UpdatedBefore: time.Now().Add(-s.threshold),
		Limit:         s.batchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale settlements: %w", err)
	}

	recovered := 0
	for _, settlement := range stale {
		senderID, err := s.senderWallet(ctx, settlement.ID)
		if err != nil {
			zap.L().Error("recovery sweep: resolve sender wallet",
				zap.Int64("settlement_id", settlement.ID), zap.Error(err))
			continue
		}
		created, err := enqueueSettlementJob(ctx, s.queue, senderID, settlement.ID, s.maxAttempts)
		if err != nil {
			zap.L().Error("recovery sweep: enqueue",
				zap.Int64("settlement_id", settlement.ID), zap.Error(err))
			continue
		}
		if created {
			recovered++
			zap.L().Warn("re-enqueued orphaned settlement",
				zap.Int64("settlement_id", settlement.ID),
				zap.Int32("retry_count", settlement.RetryCount))
		}
	}
	return recovered, nil
}

// senderWallet recovers the sending wallet id from the settlement's debit
// ledger row, since the settlement record itself only carries addresses.
func (s *RecoveryService) senderWallet(ctx context.Context, settlementID int64) (uuid.UUID, error) {
	rows, err := s.store.Queries().GetLedgerTxsBySettlement(ctx, settlementID)
	if err != nil {
		return uuid.Nil, err
	}
	for _, row := range rows {
		if row.AmountMicros < 0 {
			return row.WalletID, nil
		}
	}
	return uuid.Nil, fmt.Errorf("settlement %d has no debit ledger row", settlementID)
}
