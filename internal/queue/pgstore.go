package queue

import (
	"context"
	"errors"
	"time"

	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/repository"
	"github.com/jackc/pgx/v5"
)

// PgStore backs the queue with the jobs table.
type PgStore struct {
	queries *repository.Queries
}

func NewPgStore(queries *repository.Queries) *PgStore {
	return &PgStore{queries: queries}
}

func (s *PgStore) CreateJob(ctx context.Context, arg CreateJobParams) (bool, error) {
	return s.queries.InsertJob(ctx, repository.InsertJobParams{
		QueueName:   arg.QueueName,
		JobName:     arg.JobName,
		Kind:        arg.Kind,
		Payload:     arg.Payload,
		RunAt:       time.Now().Add(arg.Delay),
		MaxAttempts: arg.MaxAttempts,
	})
}

func (s *PgStore) ClaimDueJob(ctx context.Context, queueName string) (*models.Job, error) {
	job, err := s.queries.ClaimDueJob(ctx, queueName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (s *PgStore) CompleteJob(ctx context.Context, id int64) error {
	return s.queries.DeleteJob(ctx, id)
}

func (s *PgStore) RequeueJob(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	return s.queries.RequeueJob(ctx, repository.RequeueJobParams{
		ID:        id,
		RunAt:     runAt,
		LastError: lastError,
	})
}

func (s *PgStore) DeadLetterJob(ctx context.Context, id int64, lastError string) error {
	return s.queries.MarkJobDead(ctx, repository.MarkJobDeadParams{
		ID:        id,
		LastError: lastError,
	})
}

func (s *PgStore) CountIncomplete(ctx context.Context, queueName string) (int64, error) {
	return s.queries.CountIncompleteJobs(ctx, queueName)
}

func (s *PgStore) QueuesWithWork(ctx context.Context) ([]string, error) {
	return s.queries.QueuesWithWork(ctx)
}

func (s *PgStore) ResetStaleActive(ctx context.Context, updatedBefore time.Time) (int64, error) {
	return s.queries.ResetActiveJobs(ctx, updatedBefore)
}
