package worker

import (
	"context"
	"sync"
	"time"

	"github.com/betpond/settlement/internal/observability"
	"github.com/betpond/settlement/internal/service"
	"go.uber.org/zap"
)

// RecoveryWorker periodically re-enqueues settlements whose jobs were lost.
type RecoveryWorker struct {
	svc      *service.RecoveryService
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRecoveryWorker(svc *service.RecoveryService) *RecoveryWorker {
	return &RecoveryWorker{
		svc:      svc,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the sweep interval.
func (w *RecoveryWorker) WithInterval(interval time.Duration) *RecoveryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *RecoveryWorker) Start(ctx context.Context) {
	zap.L().Info("recovery worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup to pick up jobs orphaned by the
	// previous process.
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("recovery worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("recovery worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *RecoveryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RecoveryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *RecoveryWorker) runOnce(ctx context.Context) {
	recovered, err := w.svc.Sweep(ctx)
	if err != nil {
		observability.IncrementWorkerRun("recovery", "failed")
		zap.L().Error("recovery sweep failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("recovery", "success")
	if recovered > 0 {
		zap.L().Info("recovery sweep re-enqueued settlements", zap.Int("count", recovered))
	}
}
