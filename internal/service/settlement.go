package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/betpond/settlement/internal/cache"
	"github.com/betpond/settlement/internal/chain"
	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/notify"
	"github.com/betpond/settlement/internal/observability"
	"github.com/betpond/settlement/internal/queue"
	"github.com/betpond/settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SettlementService drives a pending settlement to a terminal state: submit
// the external transfer, poll for confirmation, then finalize the ledger rows
// and wallet balances in one transaction. Every step tolerates redelivery.
type SettlementService struct {
	store    QueryStore
	client   chain.TransferClient
	keys     chain.Keystore
	notifier notify.AdminNotifier
	balances *cache.BalanceCache
	audit    *AuditService

	confirmTimeout time.Duration
	confirmPoll    time.Duration
}

func NewSettlementService(store QueryStore, client chain.TransferClient, keys chain.Keystore, notifier notify.AdminNotifier, balances *cache.BalanceCache) *SettlementService {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &SettlementService{
		store:          store,
		client:         client,
		keys:           keys,
		notifier:       notifier,
		balances:       balances,
		audit:          NewAuditService(),
		confirmTimeout: 90 * time.Second,
		confirmPoll:    3 * time.Second,
	}
}

// WithConfirmWindow overrides the confirmation polling budget.
func (s *SettlementService) WithConfirmWindow(timeout, poll time.Duration) *SettlementService {
	if timeout > 0 {
		s.confirmTimeout = timeout
	}
	if poll > 0 {
		s.confirmPoll = poll
	}
	return s
}

// Register binds the service to the queue manager's settlement kind.
func (s *SettlementService) Register(q *queue.Manager) error {
	if err := q.RegisterHandler(JobKindSettlement, s.HandleJob); err != nil {
		return err
	}
	return q.RegisterFailureHandler(JobKindSettlement, s.HandleFailure)
}

// HandleJob is the queue entrypoint. A returned error sends the job through
// the queue's backoff; nil consumes it.
func (s *SettlementService) HandleJob(ctx context.Context, job models.Job) error {
	settlementID, err := parseSettlementPayload(job)
	if err != nil {
		return err
	}
	if err := s.Process(ctx, settlementID); err != nil {
		if domain.Transient(err) {
			zap.L().Warn("settlement attempt hit transient failure, backing off",
				zap.Int64("settlement_id", settlementID), zap.Error(err))
		}
		return err
	}
	return nil
}

// HandleFailure runs when the retry budget is exhausted. The settlement and
// its ledger rows are marked FAILED so the held funds are released.
func (s *SettlementService) HandleFailure(ctx context.Context, job models.Job, handlerErr error) {
	settlementID, err := parseSettlementPayload(job)
	if err != nil {
		zap.L().Error("dead-lettered settlement job has unreadable payload", zap.Int64("job_id", job.ID), zap.Error(err))
		return
	}
	if err := s.MarkFailed(ctx, settlementID, fmt.Errorf("retry budget exhausted: %w", handlerErr)); err != nil {
		zap.L().Error("mark settlement failed after dead-letter", zap.Int64("settlement_id", settlementID), zap.Error(err))
	}
}

// Process runs one settlement attempt. Redelivered jobs resume where the
// previous attempt left off: an already terminal settlement is a no-op and a
// recorded tx hash skips straight to confirmation polling.
func (s *SettlementService) Process(ctx context.Context, settlementID int64) error {
	settlement, err := s.store.Queries().GetSettlement(ctx, settlementID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("settlement %d not found", settlementID)
		}
		return fmt.Errorf("load settlement %d: %w", settlementID, err)
	}
	if settlement.Status != domain.StatusPending {
		zap.L().Info("settlement already finalized, skipping",
			zap.Int64("settlement_id", settlementID), zap.String("status", settlement.Status))
		return nil
	}

	if err := s.countAttempt(ctx, settlementID); err != nil {
		return err
	}

	txHash, err := s.ensureSubmitted(ctx, settlement)
	if err != nil {
		if errors.Is(err, domain.ErrTransferRejected) {
			return s.MarkFailed(ctx, settlementID, err)
		}
		return err
	}

	conf, err := s.awaitConfirmation(ctx, txHash)
	if err != nil {
		return err
	}
	switch conf.Status {
	case chain.ConfirmationConfirmed:
		return s.finalizeSuccess(ctx, settlementID, txHash, conf.BlockRef)
	case chain.ConfirmationFailed:
		return s.MarkFailed(ctx, settlementID, fmt.Errorf("transfer %s reverted on chain: %w", txHash, domain.ErrTransferRejected))
	default:
		return fmt.Errorf("transfer %s still unconfirmed after %s: %w", txHash, s.confirmTimeout, domain.ErrTransferUnconfirmed)
	}
}

func (s *SettlementService) countAttempt(ctx context.Context, settlementID int64) error {
	return s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		if _, err := qtx.IncrementSettlementRetry(ctx, settlementID); err != nil {
			return fmt.Errorf("increment settlement retry: %w", err)
		}
		if err := qtx.IncrementLedgerRetries(ctx, settlementID); err != nil {
			return fmt.Errorf("increment ledger retries: %w", err)
		}
		return nil
	})
}

// ensureSubmitted broadcasts the transfer unless a previous attempt already
// recorded a tx hash. The hash is persisted before confirmation starts so a
// crash here never causes a double spend.
func (s *SettlementService) ensureSubmitted(ctx context.Context, settlement models.Settlement) (string, error) {
	if settlement.TxHash != nil && *settlement.TxHash != "" {
		return *settlement.TxHash, nil
	}

	signing, err := s.keys.SigningContext(ctx, settlement.FromAddress)
	if err != nil {
		return "", fmt.Errorf("signing context for %s: %w", settlement.FromAddress, err)
	}
	txHash, err := s.client.SubmitTransfer(ctx, signing, settlement.ToAddress, settlement.AmountMicros, settlement.ChainID)
	if err != nil {
		return "", fmt.Errorf("submit transfer for settlement %d: %w", settlement.ID, err)
	}

	rows, err := s.store.Queries().SetSettlementTxHash(ctx, repository.SetSettlementTxHashParams{
		ID:     settlement.ID,
		TxHash: txHash,
	})
	if err != nil {
		return "", fmt.Errorf("record tx hash for settlement %d: %w", settlement.ID, err)
	}
	if rows == 0 {
		// Finalized out from under us between the status read and the
		// submit; the confirmation poll will see the terminal state.
		zap.L().Warn("settlement finalized during submit", zap.Int64("settlement_id", settlement.ID))
	}
	zap.L().Info("transfer submitted",
		zap.Int64("settlement_id", settlement.ID),
		zap.String("tx_hash", txHash),
		zap.Int64("amount_micros", settlement.AmountMicros))
	return txHash, nil
}

// awaitConfirmation polls the external ledger until the transfer resolves or
// the budget runs out, then takes one last look before giving up.
func (s *SettlementService) awaitConfirmation(ctx context.Context, txHash string) (chain.Confirmation, error) {
	deadline := time.Now().Add(s.confirmTimeout)
	for time.Now().Before(deadline) {
		conf, err := s.client.GetConfirmation(ctx, txHash)
		if err != nil {
			zap.L().Warn("confirmation poll failed", zap.String("tx_hash", txHash), zap.Error(err))
		} else if conf.Status == chain.ConfirmationConfirmed || conf.Status == chain.ConfirmationFailed {
			return conf, nil
		}

		select {
		case <-ctx.Done():
			return chain.Confirmation{}, ctx.Err()
		case <-time.After(s.confirmPoll):
		}
	}
	return s.client.GetConfirmation(ctx, txHash)
}

// finalizeSuccess moves the settlement and both ledger rows to SUCCESS and
// overwrites the wallet balances, all under the settlement and wallet locks.
// Starting balances are rebased onto the current chain head: settlements for
// the same wallet admitted concurrently share a provisional head, and only
// finalization order decides the real one.
func (s *SettlementService) finalizeSuccess(ctx context.Context, settlementID int64, txHash, blockRef string) error {
	type balanceUpdate struct {
		walletID uuid.UUID
		kind     string
		micros   int64
	}
	var updates []balanceUpdate

	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		current, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("lock settlement %d: %w", settlementID, err)
		}
		if current.Status != domain.StatusPending {
			return nil
		}

		ledgerRows, err := qtx.GetLedgerTxsBySettlement(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("load ledger rows for settlement %d: %w", settlementID, err)
		}
		if err := lockRowWallets(ctx, qtx, ledgerRows); err != nil {
			return err
		}

		for _, row := range ledgerRows {
			head, err := qtx.LatestSuccessEnding(ctx, repository.LatestSuccessEndingParams{
				WalletID:    repository.ToPgUUID(row.WalletID),
				BalanceKind: row.BalanceKind,
			})
			if err != nil {
				return fmt.Errorf("read chain head for wallet %s: %w", row.WalletID, err)
			}
			ending := head + row.AmountMicros
			ref := txHash
			rows, err := qtx.FinalizeLedgerTx(ctx, repository.FinalizeLedgerTxParams{
				ID:              row.ID,
				Status:          domain.StatusSuccess,
				StartingBalance: head,
				EndingBalance:   ending,
				ExternalRef:     &ref,
			})
			if err != nil {
				return fmt.Errorf("finalize ledger row %d: %w", row.ID, err)
			}
			if err := requireExactlyOne(rows, "finalize ledger row"); err != nil {
				return fmt.Errorf("ledger row %d: %w: %v", row.ID, domain.ErrAlreadyFinalized, err)
			}

			rows, err = qtx.SetWalletBalance(ctx, repository.SetWalletBalanceParams{
				WalletID: repository.ToPgUUID(row.WalletID),
				Kind:     row.BalanceKind,
				Balance:  ending,
			})
			if err != nil {
				return fmt.Errorf("set wallet balance for %s: %w", row.WalletID, err)
			}
			if err := requireExactlyOne(rows, "set wallet balance"); err != nil {
				return err
			}
			updates = append(updates, balanceUpdate{walletID: row.WalletID, kind: row.BalanceKind, micros: ending})
		}

		metadata, _ := json.Marshal(map[string]string{"tx_hash": txHash, "block_ref": blockRef})
		finalized, err := transitionSettlement(ctx, qtx, s.audit, settlementID, domain.StatusSuccess, &txHash, "confirmed", metadata)
		if err != nil {
			return err
		}
		if !finalized {
			return fmt.Errorf("settlement %d: %w", settlementID, domain.ErrAlreadyFinalized)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, u := range updates {
		s.balances.Set(ctx, u.walletID, u.kind, u.micros)
	}
	if len(updates) > 0 {
		observability.IncrementSettlement("success")
		zap.L().Info("settlement finalized",
			zap.Int64("settlement_id", settlementID),
			zap.String("tx_hash", txHash))
	}
	return nil
}

// MarkFailed finalizes the settlement and its ledger rows as FAILED, leaving
// balances untouched so the held funds become available again. Safe to call
// for an already terminal settlement.
func (s *SettlementService) MarkFailed(ctx context.Context, settlementID int64, cause error) error {
	var finalized bool
	err := s.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		current, err := qtx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("lock settlement %d: %w", settlementID, err)
		}
		if current.Status != domain.StatusPending {
			return nil
		}

		ledgerRows, err := qtx.GetLedgerTxsBySettlement(ctx, settlementID)
		if err != nil {
			return fmt.Errorf("load ledger rows for settlement %d: %w", settlementID, err)
		}
		if err := lockRowWallets(ctx, qtx, ledgerRows); err != nil {
			return err
		}
		for _, row := range ledgerRows {
			rows, err := qtx.FinalizeLedgerTx(ctx, repository.FinalizeLedgerTxParams{
				ID:              row.ID,
				Status:          domain.StatusFailed,
				StartingBalance: row.StartingBalance,
				EndingBalance:   row.StartingBalance,
				ExternalRef:     current.TxHash,
			})
			if err != nil {
				return fmt.Errorf("fail ledger row %d: %w", row.ID, err)
			}
			if err := requireExactlyOne(rows, "fail ledger row"); err != nil {
				return err
			}
		}

		metadata, _ := json.Marshal(map[string]string{"cause": cause.Error()})
		finalized, err = transitionSettlement(ctx, qtx, s.audit, settlementID, domain.StatusFailed, nil, "failed", metadata)
		return err
	})
	if err != nil {
		return err
	}

	if finalized {
		observability.IncrementSettlement("failed")
		s.notifier.Notify(ctx, "settlement_failed",
			fmt.Sprintf("settlement %d failed permanently: %v", settlementID, cause))
		zap.L().Error("settlement failed permanently",
			zap.Int64("settlement_id", settlementID), zap.Error(cause))
	}
	return nil
}

// lockRowWallets locks every wallet referenced by the rows in a deterministic
// order, matching the lock order used at admission.
func lockRowWallets(ctx context.Context, qtx *repository.Queries, rows []models.LedgerTx) error {
	seen := make(map[uuid.UUID]struct{}, len(rows))
	ids := make([]uuid.UUID, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.WalletID]; ok {
			continue
		}
		seen[row.WalletID] = struct{}{}
		ids = append(ids, row.WalletID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if _, err := qtx.GetWalletForUpdate(ctx, repository.ToPgUUID(id)); err != nil {
			return fmt.Errorf("lock wallet %s: %w", id, err)
		}
	}
	return nil
}
