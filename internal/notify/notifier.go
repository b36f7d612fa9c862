package notify

import (
	"context"

	"go.uber.org/zap"
)

// AdminNotifier delivers operator alerts. Calls are fire-and-forget; the
// settlement engine never depends on delivery for correctness.
type AdminNotifier interface {
	Notify(ctx context.Context, code, message string)
}

// LogNotifier writes alerts to the structured log, standing in for the
// Telegram/FCM delivery pipeline which lives outside this service.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.L()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, code, message string) {
	n.logger.Warn("admin notification", zap.String("code", code), zap.String("message", message))
}

// NopNotifier discards alerts.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, code, message string) {}
