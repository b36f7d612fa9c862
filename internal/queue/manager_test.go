package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store used to exercise the pool semantics without
// a database.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[int64]*models.Job)}
}

func (s *memStore) CreateJob(ctx context.Context, arg CreateJobParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.QueueName == arg.QueueName && j.JobName == arg.JobName && j.Status != domain.JobStatusDead {
			return false, nil
		}
	}
	s.nextID++
	now := time.Now()
	s.jobs[s.nextID] = &models.Job{
		ID:          s.nextID,
		QueueName:   arg.QueueName,
		JobName:     arg.JobName,
		Kind:        arg.Kind,
		Payload:     arg.Payload,
		RunAt:       now.Add(arg.Delay),
		MaxAttempts: arg.MaxAttempts,
		Status:      domain.JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return true, nil
}

func (s *memStore) ClaimDueJob(ctx context.Context, queueName string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.Job
	now := time.Now()
	for _, j := range s.jobs {
		if j.QueueName != queueName || j.Status != domain.JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		if best == nil || j.RunAt.Before(best.RunAt) || (j.RunAt.Equal(best.RunAt) && j.ID < best.ID) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = domain.JobStatusActive
	best.UpdatedAt = now
	copied := *best
	return &copied, nil
}

func (s *memStore) CompleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) RequeueJob(ctx context.Context, id int64, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	j.Status = domain.JobStatusQueued
	j.RunAt = runAt
	j.Attempts++
	j.LastError = &lastError
	j.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) DeadLetterJob(ctx context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	j.Status = domain.JobStatusDead
	j.Attempts++
	j.LastError = &lastError
	j.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) CountIncomplete(ctx context.Context, queueName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.QueueName == queueName && j.Status != domain.JobStatusDead {
			n++
		}
	}
	return n, nil
}

func (s *memStore) QueuesWithWork(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusDead {
			continue
		}
		if _, ok := seen[j.QueueName]; !ok {
			seen[j.QueueName] = struct{}{}
			out = append(out, j.QueueName)
		}
	}
	return out, nil
}

func (s *memStore) ResetStaleActive(ctx context.Context, updatedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == domain.JobStatusActive && j.UpdatedAt.Before(updatedBefore) {
			j.Status = domain.JobStatusQueued
			n++
		}
	}
	return n, nil
}

func (s *memStore) jobByName(queueName, jobName string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.QueueName == queueName && j.JobName == jobName {
			copied := *j
			return &copied
		}
	}
	return nil
}

func newTestManager(t *testing.T, store Store, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithPollInterval(5 * time.Millisecond),
		WithBaseBackoff(time.Millisecond),
	}
	m := NewManager(store, append(base, opts...)...)
	t.Cleanup(m.Stop)
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}

func TestRegisterHandlerValidation(t *testing.T) {
	m := NewManager(newMemStore())
	require.Error(t, m.RegisterHandler("", func(ctx context.Context, job models.Job) error { return nil }))
	require.Error(t, m.RegisterHandler("settle", nil))
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error { return nil }))
	require.Error(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error { return nil }))
}

func TestEnqueueUnknownKind(t *testing.T) {
	m := newTestManager(t, newMemStore())
	require.NoError(t, m.Start(context.Background()))
	_, err := m.Enqueue(context.Background(), EnqueueParams{QueueName: "q", JobName: "j", Kind: "nope"})
	require.Error(t, err)
}

func TestEnqueueDeduplicates(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	var runs atomic.Int64
	release := make(chan struct{})
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		<-release
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	created, err := m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-1", Kind: "settle", MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.True(t, created)

	created, err = m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-1", Kind: "settle", MaxAttempts: 3,
	})
	require.NoError(t, err)
	require.False(t, created)

	close(release)
	eventually(t, func() bool { return runs.Load() == 1 })

	// Give a duplicate run a chance to show up.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), runs.Load())
}

func TestWorkerPoolBound(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, WithMaxWorkers(2))

	var done atomic.Int64
	release := make(chan struct{})
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		<-release
		done.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	for _, queue := range []string{"settlement:a", "settlement:b", "settlement:c"} {
		_, err := m.Enqueue(context.Background(), EnqueueParams{
			QueueName: queue, JobName: "settle-" + queue, Kind: "settle", MaxAttempts: 1,
		})
		require.NoError(t, err)
	}

	eventually(t, func() bool { return m.ActiveWorkers() == 2 && m.WaitingQueues() == 1 })

	close(release)
	eventually(t, func() bool { return done.Load() == 3 })
	eventually(t, func() bool { return m.ActiveWorkers() == 0 })
}

func TestRetryBackoffThenDeadLetter(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	var attempts atomic.Int64
	var compensated atomic.Int64
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		attempts.Add(1)
		return errors.New("rpc unavailable")
	}))
	require.NoError(t, m.RegisterFailureHandler("settle", func(ctx context.Context, job models.Job, handlerErr error) {
		compensated.Add(1)
	}))
	require.NoError(t, m.Start(context.Background()))

	_, err := m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-9", Kind: "settle", MaxAttempts: 3,
	})
	require.NoError(t, err)

	eventually(t, func() bool {
		j := store.jobByName("settlement:w1", "settle-9")
		return j != nil && j.Status == "DEAD"
	})
	require.Equal(t, int64(3), attempts.Load())
	require.Equal(t, int64(1), compensated.Load())

	j := store.jobByName("settlement:w1", "settle-9")
	require.Equal(t, int32(3), j.Attempts)
	require.NotNil(t, j.LastError)
}

func TestWorkerRebindsAfterDrain(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, WithMaxWorkers(1))

	var runs atomic.Int64
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	_, err := m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-1", Kind: "settle", MaxAttempts: 1,
	})
	require.NoError(t, err)
	eventually(t, func() bool { return runs.Load() == 1 })
	eventually(t, func() bool { return m.ActiveWorkers() == 0 })

	_, err = m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-2", Kind: "settle", MaxAttempts: 1,
	})
	require.NoError(t, err)
	eventually(t, func() bool { return runs.Load() == 2 })
}

func TestStartResumesPendingJobs(t *testing.T) {
	store := newMemStore()
	_, err := store.CreateJob(context.Background(), CreateJobParams{
		QueueName: "settlement:w1", JobName: "settle-1", Kind: "settle", MaxAttempts: 3,
	})
	require.NoError(t, err)

	m := newTestManager(t, store)
	var runs atomic.Int64
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	eventually(t, func() bool { return runs.Load() == 1 })
}

func TestDelayedJobWaitsForRunAt(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store)

	var runs atomic.Int64
	require.NoError(t, m.RegisterHandler("settle", func(ctx context.Context, job models.Job) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	_, err := m.Enqueue(context.Background(), EnqueueParams{
		QueueName: "settlement:w1", JobName: "settle-1", Kind: "settle",
		Delay: 100 * time.Millisecond, MaxAttempts: 1,
	})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int64(0), runs.Load())
	eventually(t, func() bool { return runs.Load() == 1 })
}
