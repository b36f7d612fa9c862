package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/observability"
	"go.uber.org/zap"
)

// Handler processes one job. Delivery is at-least-once, so handlers must be
// safe to invoke more than once for the same job.
type Handler func(ctx context.Context, job models.Job) error

// FailureHandler runs synchronously when a job is dead-lettered, for
// compensating action.
type FailureHandler func(ctx context.Context, job models.Job, handlerErr error)

// Option configures a Manager.
type Option func(*Manager)

func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxWorkers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithBaseBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.baseBackoff = d
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxBackoff = d
		}
	}
}

// Manager owns durable job intake and bounded concurrent execution. One
// worker goroutine serves each distinct queue, up to maxWorkers; further
// queues wait in a FIFO list until a worker unbinds.
type Manager struct {
	store        Store
	maxWorkers   int
	pollInterval time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration

	mu         sync.Mutex
	handlers   map[string]Handler
	failures   map[string]FailureHandler
	active     map[string]struct{}
	waiting    []string
	waitingSet map[string]struct{}
	started    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an unstarted manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		maxWorkers:   4,
		pollInterval: 500 * time.Millisecond,
		baseBackoff:  2 * time.Second,
		maxBackoff:   5 * time.Minute,
		handlers:     make(map[string]Handler),
		failures:     make(map[string]FailureHandler),
		active:       make(map[string]struct{}),
		waitingSet:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandler binds a job kind to its handler. Registration is validated
// here rather than at dispatch time.
func (m *Manager) RegisterHandler(kind string, h Handler) error {
	if kind == "" {
		return fmt.Errorf("register handler: empty kind")
	}
	if h == nil {
		return fmt.Errorf("register handler: nil handler for kind %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.handlers[kind]; exists {
		return fmt.Errorf("register handler: kind %q already registered", kind)
	}
	m.handlers[kind] = h
	return nil
}

// RegisterFailureHandler binds a compensating action to a job kind.
func (m *Manager) RegisterFailureHandler(kind string, fh FailureHandler) error {
	if kind == "" || fh == nil {
		return fmt.Errorf("register failure handler: invalid registration for kind %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.failures[kind]; exists {
		return fmt.Errorf("register failure handler: kind %q already registered", kind)
	}
	m.failures[kind] = fh
	return nil
}

// Start requeues jobs orphaned by a previous process and rebinds workers for
// every queue that still has work. The pool itself is not persisted.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("queue manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	m.mu.Unlock()

	if n, err := m.store.ResetStaleActive(m.ctx, time.Now()); err != nil {
		zap.L().Warn("reset stale active jobs failed", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("requeued jobs from previous run", zap.Int64("count", n))
	}

	queues, err := m.store.QueuesWithWork(m.ctx)
	if err != nil {
		return fmt.Errorf("load queues with work: %w", err)
	}
	for _, q := range queues {
		m.ensureWorker(q)
	}
	return nil
}

// Stop cancels all workers and waits for them to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// EnqueueParams describes one job submission.
type EnqueueParams struct {
	QueueName   string
	JobName     string
	Kind        string
	Payload     []byte
	Delay       time.Duration
	MaxAttempts int32
}

// Enqueue durably stores a job and makes sure a worker serves its queue.
// Submitting a job name that is already queued or active in the same queue is
// a silent no-op; the return value reports whether a job was created.
func (m *Manager) Enqueue(ctx context.Context, arg EnqueueParams) (bool, error) {
	if arg.QueueName == "" || arg.JobName == "" {
		return false, fmt.Errorf("enqueue: queue and job name are required")
	}
	m.mu.Lock()
	_, known := m.handlers[arg.Kind]
	m.mu.Unlock()
	if !known {
		return false, fmt.Errorf("enqueue: no handler registered for kind %q", arg.Kind)
	}
	if arg.MaxAttempts <= 0 {
		arg.MaxAttempts = 1
	}

	created, err := m.store.CreateJob(ctx, CreateJobParams{
		QueueName:   arg.QueueName,
		JobName:     arg.JobName,
		Kind:        arg.Kind,
		Payload:     arg.Payload,
		Delay:       arg.Delay,
		MaxAttempts: arg.MaxAttempts,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s/%s: %w", arg.QueueName, arg.JobName, err)
	}
	if created {
		observability.IncrementEnqueue("created")
	} else {
		observability.IncrementEnqueue("duplicate")
	}

	m.ensureWorker(arg.QueueName)
	return created, nil
}

// ActiveWorkers reports the number of bound workers.
func (m *Manager) ActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// WaitingQueues reports the number of queues waiting for a worker slot.
func (m *Manager) WaitingQueues() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

func (m *Manager) ensureWorker(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ctx.Err() != nil {
		return
	}
	if _, bound := m.active[queue]; bound {
		return
	}
	if _, queued := m.waitingSet[queue]; queued {
		return
	}
	if len(m.active) < m.maxWorkers {
		m.bindLocked(queue)
	} else {
		m.waiting = append(m.waiting, queue)
		m.waitingSet[queue] = struct{}{}
	}
	m.updateGaugesLocked()
}

func (m *Manager) bindLocked(queue string) {
	m.active[queue] = struct{}{}
	m.wg.Add(1)
	go m.runWorker(queue)
}

func (m *Manager) updateGaugesLocked() {
	observability.SetActiveWorkers(len(m.active))
	observability.SetWaitingQueues(len(m.waiting))
}

func (m *Manager) runWorker(queue string) {
	defer m.unbind(queue)

	for {
		if m.ctx.Err() != nil {
			return
		}

		job, err := m.store.ClaimDueJob(m.ctx, queue)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			zap.L().Error("claim job failed", zap.String("queue", queue), zap.Error(err))
			if !m.sleep(m.pollInterval) {
				return
			}
			continue
		}

		if job == nil {
			n, err := m.store.CountIncomplete(m.ctx, queue)
			if err == nil && n == 0 {
				// Queue drained: unbind so a waiting queue can take
				// the slot.
				return
			}
			if !m.sleep(m.pollInterval) {
				return
			}
			continue
		}

		m.dispatch(job)
	}
}

func (m *Manager) dispatch(job *models.Job) {
	m.mu.Lock()
	h := m.handlers[job.Kind]
	m.mu.Unlock()
	if h == nil {
		m.deadLetter(job, fmt.Errorf("no handler registered for kind %q", job.Kind))
		return
	}

	start := time.Now()
	err := h(m.ctx, *job)
	if err == nil {
		observability.ObserveHandler(job.Kind, "success", time.Since(start))
		if err := m.store.CompleteJob(m.ctx, job.ID); err != nil {
			zap.L().Error("complete job failed", zap.Int64("job_id", job.ID), zap.Error(err))
		}
		return
	}
	observability.ObserveHandler(job.Kind, "failure", time.Since(start))

	if job.Attempts+1 >= job.MaxAttempts {
		m.deadLetter(job, err)
		return
	}

	delay := m.backoff(job.Attempts)
	if requeueErr := m.store.RequeueJob(m.ctx, job.ID, time.Now().Add(delay), err.Error()); requeueErr != nil {
		zap.L().Error("requeue job failed", zap.Int64("job_id", job.ID), zap.Error(requeueErr))
		return
	}
	zap.L().Warn("job failed, retrying",
		zap.String("queue", job.QueueName),
		zap.String("job", job.JobName),
		zap.Int32("attempt", job.Attempts+1),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
}

func (m *Manager) deadLetter(job *models.Job, handlerErr error) {
	if err := m.store.DeadLetterJob(m.ctx, job.ID, handlerErr.Error()); err != nil {
		zap.L().Error("dead-letter job failed", zap.Int64("job_id", job.ID), zap.Error(err))
	}
	observability.IncrementDeadLetter(job.QueueName)
	zap.L().Error("job dead-lettered",
		zap.String("queue", job.QueueName),
		zap.String("job", job.JobName),
		zap.Int32("attempts", job.Attempts+1),
		zap.Error(handlerErr),
	)

	m.mu.Lock()
	fh := m.failures[job.Kind]
	m.mu.Unlock()
	if fh != nil {
		fh(m.ctx, *job, handlerErr)
	}
}

// backoff grows exponentially with the attempt count, capped at maxBackoff.
func (m *Manager) backoff(attempts int32) time.Duration {
	d := m.baseBackoff
	for i := int32(0); i < attempts && d < m.maxBackoff; i++ {
		d *= 2
	}
	if d > m.maxBackoff {
		d = m.maxBackoff
	}
	return d
}

func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (m *Manager) unbind(queue string) {
	m.mu.Lock()
	delete(m.active, queue)
	if m.ctx.Err() == nil && len(m.waiting) > 0 && len(m.active) < m.maxWorkers {
		next := m.waiting[0]
		m.waiting = m.waiting[1:]
		delete(m.waitingSet, next)
		m.bindLocked(next)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	// An enqueue that raced the drain check would have seen this worker as
	// still bound; re-check before giving up the queue.
	if m.ctx.Err() == nil {
		if n, err := m.store.CountIncomplete(m.ctx, queue); err == nil && n > 0 {
			m.ensureWorker(queue)
		}
	}

	m.wg.Done()
}
