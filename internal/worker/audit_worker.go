package worker

import (
	"context"
	"sync"
	"time"

	"github.com/betpond/settlement/internal/observability"
	"github.com/betpond/settlement/internal/service"
	"go.uber.org/zap"
)

// AuditWorker runs periodic ledger chain verification.
type AuditWorker struct {
	svc      *service.ChainAuditService
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAuditWorker constructs a worker with a default daily interval.
func NewAuditWorker(svc *service.ChainAuditService) *AuditWorker {
	return &AuditWorker{
		svc:      svc,
		interval: 24 * time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *AuditWorker) WithInterval(interval time.Duration) *AuditWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and runs verification at the configured interval.
func (w *AuditWorker) Start(ctx context.Context) {
	zap.L().Info("chain audit worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("chain audit worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("chain audit worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *AuditWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *AuditWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *AuditWorker) runOnce(ctx context.Context) {
	violations, err := w.svc.Verify(ctx)
	if err != nil {
		observability.IncrementWorkerRun("chain_audit", "failed")
		zap.L().Error("chain audit run failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("chain_audit", "success")
	if violations > 0 {
		zap.L().Error("chain audit found violations", zap.Int("violations", violations))
	}
}
