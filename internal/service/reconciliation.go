package service

import (
	"context"
	"fmt"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/notify"
	"github.com/betpond/settlement/internal/observability"
	"github.com/betpond/settlement/internal/repository"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// ChainAuditService verifies the balance chain invariant offline: for every
// wallet and balance kind, each SUCCESS row must satisfy
// ending = starting + amount, each row's starting must equal the previous
// row's ending, and the wallet's cached balance must equal the last ending.
type ChainAuditService struct {
	store    QueryStore
	notifier notify.AdminNotifier
}

func NewChainAuditService(store QueryStore, notifier notify.AdminNotifier) *ChainAuditService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &ChainAuditService{store: store, notifier: notifier}
}

// Verify walks every wallet's SUCCESS chains and reports the number of
// violations found. Violations are alerted but never repaired automatically.
func (s *ChainAuditService) Verify(ctx context.Context) (int, error) {
	q := s.store.Queries()
	walletIDs, err := q.ListWalletIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list wallets: %w", err)
	}

	violations := 0
	for _, pgID := range walletIDs {
		wallet, err := q.GetWallet(ctx, pgID)
		if err != nil {
			return violations, fmt.Errorf("load wallet: %w", err)
		}
		for _, kind := range domain.BalanceKinds {
			n, err := s.verifyChain(ctx, q, pgID, kind, wallet.Balance(kind))
			if err != nil {
				return violations, err
			}
			violations += n
		}
	}

	if violations > 0 {
		s.notifier.Notify(ctx, "chain_violation",
			fmt.Sprintf("ledger chain audit found %d violation(s)", violations))
	}
	return violations, nil
}

func (s *ChainAuditService) verifyChain(ctx context.Context, q *repository.Queries, walletID pgtype.UUID, kind string, cachedBalance int64) (int, error) {
	rows, err := q.GetSuccessChain(ctx, repository.GetSuccessChainParams{
		WalletID:    walletID,
		BalanceKind: kind,
	})
	if err != nil {
		return 0, fmt.Errorf("load success chain: %w", err)
	}

	violations := 0
	report := func(violationKind string, fields ...zap.Field) {
		violations++
		observability.IncrementChainViolation(violationKind)
		zap.L().Error("ledger chain violation",
			append([]zap.Field{
				zap.String("violation", violationKind),
				zap.String("wallet_id", repository.FromPgUUID(walletID).String()),
				zap.String("balance_kind", kind),
			}, fields...)...)
	}

	prevEnding := int64(0)
	for _, row := range rows {
		if row.EndingBalance != row.StartingBalance+row.AmountMicros {
			report("row_arithmetic", zap.Int64("ledger_tx_id", row.ID))
		}
		if row.StartingBalance != prevEnding {
			report("broken_chain",
				zap.Int64("ledger_tx_id", row.ID),
				zap.Int64("starting_balance", row.StartingBalance),
				zap.Int64("prev_ending", prevEnding))
		}
		prevEnding = row.EndingBalance
	}

	if cachedBalance != prevEnding {
		report("cached_balance_drift",
			zap.Int64("cached", cachedBalance),
			zap.Int64("chain_head", prevEnding))
	}
	return violations, nil
}
