package queue

import (
	"context"
	"time"

	"github.com/betpond/settlement/internal/models"
)

// Store is the durable job storage contract the manager runs against.
// Delivery is at-least-once: a job claimed by a crashed worker is requeued by
// the stale-active reset, so handlers must be idempotent.
type Store interface {
	// CreateJob inserts a job unless an incomplete job with the same
	// (queue, name) exists. Returns false on the silent-dedup path.
	CreateJob(ctx context.Context, arg CreateJobParams) (bool, error)

	// ClaimDueJob claims the oldest due job for a queue, or returns nil
	// when nothing is runnable right now.
	ClaimDueJob(ctx context.Context, queueName string) (*models.Job, error)

	// CompleteJob removes a successfully handled job.
	CompleteJob(ctx context.Context, id int64) error

	// RequeueJob schedules a retry at runAt and increments the attempt
	// counter.
	RequeueJob(ctx context.Context, id int64, runAt time.Time, lastError string) error

	// DeadLetterJob marks a job terminally failed.
	DeadLetterJob(ctx context.Context, id int64, lastError string) error

	// CountIncomplete counts queued, delayed, and active jobs for a queue.
	CountIncomplete(ctx context.Context, queueName string) (int64, error)

	// QueuesWithWork lists queues holding incomplete jobs.
	QueuesWithWork(ctx context.Context) ([]string, error)

	// ResetStaleActive requeues jobs stuck ACTIVE since before the cutoff.
	ResetStaleActive(ctx context.Context, updatedBefore time.Time) (int64, error)
}

// CreateJobParams describes one durable job submission.
type CreateJobParams struct {
	QueueName   string
	JobName     string
	Kind        string
	Payload     []byte
	Delay       time.Duration
	MaxAttempts int32
}
