package repository

import (
	"context"
	"time"

	"github.com/betpond/settlement/internal/models"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, queue_name, job_name, kind, payload, run_at, attempts, max_attempts,
	status, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.QueueName, &j.JobName, &j.Kind, &j.Payload, &j.RunAt, &j.Attempts,
		&j.MaxAttempts, &j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

type InsertJobParams struct {
	QueueName   string
	JobName     string
	Kind        string
	Payload     []byte
	RunAt       time.Time
	MaxAttempts int32
}

// InsertJob creates a durable job. The partial unique index on
// (queue_name, job_name) over incomplete jobs makes duplicate submissions a
// silent no-op; the return value reports whether a row was created.
func (q *Queries) InsertJob(ctx context.Context, arg InsertJobParams) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO jobs (queue_name, job_name, kind, payload, run_at, attempts, max_attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 'QUEUED', NOW(), NOW())
		ON CONFLICT (queue_name, job_name) WHERE status IN ('QUEUED', 'ACTIVE') DO NOTHING`,
		arg.QueueName, arg.JobName, arg.Kind, arg.Payload, arg.RunAt, arg.MaxAttempts)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDueJob atomically claims the oldest due job for a queue. SKIP LOCKED
// keeps concurrent claimers from blocking on each other.
func (q *Queries) ClaimDueJob(ctx context.Context, queueName string) (models.Job, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE jobs SET status = 'ACTIVE', updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue_name = $1 AND status = 'QUEUED' AND run_at <= NOW()
			ORDER BY run_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		queueName)
	return scanJob(row)
}

// DeleteJob removes a completed job.
func (q *Queries) DeleteJob(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

type RequeueJobParams struct {
	ID        int64
	RunAt     time.Time
	LastError string
}

// RequeueJob returns a failed job to the queue with its next run time.
func (q *Queries) RequeueJob(ctx context.Context, arg RequeueJobParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'QUEUED', run_at = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
		WHERE id = $1`,
		arg.ID, arg.RunAt, arg.LastError)
	return err
}

type MarkJobDeadParams struct {
	ID        int64
	LastError string
}

// MarkJobDead dead-letters a job that exhausted its attempts.
func (q *Queries) MarkJobDead(ctx context.Context, arg MarkJobDeadParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'DEAD', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`,
		arg.ID, arg.LastError)
	return err
}

// CountIncompleteJobs counts queued, delayed, and active jobs for a queue.
func (q *Queries) CountIncompleteJobs(ctx context.Context, queueName string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE queue_name = $1 AND status IN ('QUEUED', 'ACTIVE')`,
		queueName).Scan(&count)
	return count, err
}

// QueuesWithWork lists distinct queues holding incomplete jobs, used to
// rebind workers after a restart.
func (q *Queries) QueuesWithWork(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT DISTINCT queue_name FROM jobs WHERE status IN ('QUEUED', 'ACTIVE') ORDER BY queue_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetJobByName looks a job up by its dedup key.
func (q *Queries) GetJobByName(ctx context.Context, queueName, jobName string) (models.Job, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE queue_name = $1 AND job_name = $2 ORDER BY id DESC LIMIT 1`,
		queueName, jobName)
	return scanJob(row)
}

// ResetActiveJobs requeues jobs left ACTIVE by a crashed worker process.
func (q *Queries) ResetActiveJobs(ctx context.Context, updatedBefore time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'QUEUED', updated_at = NOW()
		WHERE status = 'ACTIVE' AND updated_at < $1`,
		updatedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
