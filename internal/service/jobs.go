package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/queue"
	"github.com/google/uuid"
)

// JobKindSettlement tags settlement jobs in the handler registry.
const JobKindSettlement = "settlement"

// settlementPayload carries only the ids needed to re-look-up state; never
// the mutable balances themselves.
type settlementPayload struct {
	SettlementID int64 `json:"settlement_id"`
}

// settlementQueue serializes settlement jobs per sender wallet, so one slow
// transfer never blocks other wallets' settlements.
func settlementQueue(senderWalletID uuid.UUID) string {
	return "settlement:" + senderWalletID.String()
}

func settlementJobName(settlementID int64) string {
	return fmt.Sprintf("settle-%d", settlementID)
}

// enqueueSettlementJob submits the settlement job for a committed
// settlement. Duplicate submissions (crash-recovery re-enqueues, retried
// calls) are silently deduplicated by job name.
func enqueueSettlementJob(ctx context.Context, q *queue.Manager, senderWalletID uuid.UUID, settlementID int64, maxAttempts int32) (bool, error) {
	payload, err := json.Marshal(settlementPayload{SettlementID: settlementID})
	if err != nil {
		return false, fmt.Errorf("marshal settlement payload: %w", err)
	}
	return q.Enqueue(ctx, queue.EnqueueParams{
		QueueName:   settlementQueue(senderWalletID),
		JobName:     settlementJobName(settlementID),
		Kind:        JobKindSettlement,
		Payload:     payload,
		MaxAttempts: maxAttempts,
	})
}

func parseSettlementPayload(job models.Job) (int64, error) {
	var p settlementPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return 0, fmt.Errorf("decode settlement payload for job %d: %w", job.ID, err)
	}
	if p.SettlementID == 0 {
		return 0, fmt.Errorf("settlement payload for job %d missing settlement_id", job.ID)
	}
	return p.SettlementID, nil
}
