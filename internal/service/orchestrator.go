package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/queue"
	"github.com/betpond/settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Orchestrator is the only component that creates PENDING ledger rows for a
// logical financial action. It writes paired debit/credit rows and the
// settlement record in one transaction, then hands the settlement to the
// queue.
type Orchestrator struct {
	store       QueryStore
	queue       *queue.Manager
	audit       *AuditService
	treasuryID  uuid.UUID
	chainID     int64
	maxAttempts int32
}

func NewOrchestrator(store QueryStore, q *queue.Manager, treasuryID uuid.UUID, chainID int64, maxAttempts int32) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Orchestrator{
		store:       store,
		queue:       q,
		audit:       NewAuditService(),
		treasuryID:  treasuryID,
		chainID:     chainID,
		maxAttempts: maxAttempts,
	}
}

// Action describes one balance-affecting event requested by a higher-level
// service (internal transfer, campaign payout, cashback run, claim).
type Action struct {
	Type           string
	WalletID       uuid.UUID
	CounterpartyID uuid.UUID // required for internal transfers
	AmountMicros   int64     // positive
	BalanceKind    string
	Note           string
}

// Result correlates the committed action with its asynchronous settlement.
type Result struct {
	SettlementID int64 `json:"settlement_id"`
	DebitTxID    int64 `json:"debit_tx_id"`
	CreditTxID   int64 `json:"credit_tx_id"`
}

// legs resolves the sending and receiving wallet plus per-leg ledger types.
// Credits to a user (campaign, cashback, claim, jackpot, referral, deposit)
// are funded from the treasury wallet; plays and redemptions flow back to it.
func (o *Orchestrator) legs(a Action) (from, to uuid.UUID, debitType, creditType string, err error) {
	switch a.Type {
	case domain.LedgerTypeTransferOut, "transfer":
		if a.CounterpartyID == uuid.Nil {
			return uuid.Nil, uuid.Nil, "", "", domain.ErrUnknownCounterparty
		}
		return a.WalletID, a.CounterpartyID, domain.LedgerTypeTransferOut, domain.LedgerTypeTransferIn, nil
	case domain.LedgerTypeCampaign, domain.LedgerTypeCashback, domain.LedgerTypeClaim,
		domain.LedgerTypeJackpot, domain.LedgerTypeReferral, domain.LedgerTypeDeposit:
		return o.treasuryID, a.WalletID, a.Type, a.Type, nil
	case domain.LedgerTypePlay, domain.LedgerTypeRedeem:
		return a.WalletID, o.treasuryID, a.Type, a.Type, nil
	default:
		return uuid.Nil, uuid.Nil, "", "", fmt.Errorf("unknown action type %q", a.Type)
	}
}

// Execute validates the action inside a transaction, appends the paired
// PENDING ledger rows with chained balances, creates the settlement record,
// commits, and enqueues exactly one settlement job. Callers observe the
// final outcome asynchronously.
func (o *Orchestrator) Execute(ctx context.Context, a Action) (*Result, error) {
	if a.AmountMicros <= 0 {
		return nil, fmt.Errorf("invalid amount: %d", a.AmountMicros)
	}
	if a.BalanceKind == "" {
		a.BalanceKind = domain.BalanceRedeemable
	}
	if !domain.ValidBalanceKind(a.BalanceKind) {
		return nil, fmt.Errorf("invalid balance kind %q", a.BalanceKind)
	}
	fromID, toID, debitType, creditType, err := o.legs(a)
	if err != nil {
		return nil, err
	}
	if fromID == toID {
		return nil, fmt.Errorf("cannot settle a wallet against itself")
	}

	var res Result
	err = o.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		fromWallet, toWallet, err := lockWalletPair(ctx, qtx, fromID, toID)
		if err != nil {
			return err
		}

		// Re-validate the precondition inside the transaction: the
		// sender must cover the amount net of other pending outflows.
		fromEnding, err := chainHead(ctx, qtx, fromWallet, a.BalanceKind)
		if err != nil {
			return err
		}
		pendingOut, err := qtx.SumPendingOutflows(ctx, repository.SumPendingOutflowsParams{
			WalletID:    repository.ToPgUUID(fromID),
			BalanceKind: a.BalanceKind,
		})
		if err != nil {
			return fmt.Errorf("sum pending outflows: %w", err)
		}
		if a.AmountMicros > fromEnding-pendingOut {
			return domain.ErrInsufficientBalance
		}

		toEnding, err := chainHead(ctx, qtx, toWallet, a.BalanceKind)
		if err != nil {
			return err
		}

		settlement, err := qtx.InsertSettlement(ctx, repository.InsertSettlementParams{
			AmountMicros: a.AmountMicros,
			FromAddress:  fromWallet.Address,
			ToAddress:    toWallet.Address,
			ChainID:      o.chainID,
		})
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}

		note := textParam(a.Note)
		debit, err := qtx.InsertLedgerTx(ctx, repository.InsertLedgerTxParams{
			WalletID:        repository.ToPgUUID(fromID),
			BalanceKind:     a.BalanceKind,
			Type:            debitType,
			AmountMicros:    -a.AmountMicros,
			StartingBalance: fromEnding,
			EndingBalance:   fromEnding - a.AmountMicros,
			SettlementID:    &settlement.ID,
			Note:            note,
		})
		if err != nil {
			return fmt.Errorf("insert debit ledger row: %w", err)
		}
		credit, err := qtx.InsertLedgerTx(ctx, repository.InsertLedgerTxParams{
			WalletID:        repository.ToPgUUID(toID),
			BalanceKind:     a.BalanceKind,
			Type:            creditType,
			AmountMicros:    a.AmountMicros,
			StartingBalance: toEnding,
			EndingBalance:   toEnding + a.AmountMicros,
			SettlementID:    &settlement.ID,
			Note:            note,
		})
		if err != nil {
			return fmt.Errorf("insert credit ledger row: %w", err)
		}

		if err := qtx.SetLedgerSibling(ctx, repository.SetLedgerSiblingParams{ID: debit.ID, SiblingID: credit.ID}); err != nil {
			return fmt.Errorf("link debit sibling: %w", err)
		}
		if err := qtx.SetLedgerSibling(ctx, repository.SetLedgerSiblingParams{ID: credit.ID, SiblingID: debit.ID}); err != nil {
			return fmt.Errorf("link credit sibling: %w", err)
		}

		if err := o.audit.Write(ctx, qtx, "settlement", strconv.FormatInt(settlement.ID, 10),
			"created", "", domain.StatusPending, nil); err != nil {
			return err
		}

		res = Result{SettlementID: settlement.ID, DebitTxID: debit.ID, CreditTxID: credit.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The ledger is committed; if the enqueue is lost here the recovery
	// sweep re-enqueues the pending settlement.
	created, err := enqueueSettlementJob(ctx, o.queue, fromID, res.SettlementID, o.maxAttempts)
	if err != nil {
		zap.L().Error("settlement job enqueue failed, relying on recovery sweep",
			zap.Error(err), zap.Int64("settlement_id", res.SettlementID))
	} else if !created {
		zap.L().Error("settlement job name already taken for fresh settlement",
			zap.Error(domain.ErrDuplicateJob), zap.Int64("settlement_id", res.SettlementID))
	}

	return &res, nil
}

// lockWalletPair locks both wallets in a deterministic order to prevent
// deadlocks between concurrent actions touching the same pair.
func lockWalletPair(ctx context.Context, qtx *repository.Queries, fromID, toID uuid.UUID) (from, to models.Wallet, err error) {
	first, second := fromID, toID
	if first.String() > second.String() {
		first, second = second, first
	}

	wallets := make(map[uuid.UUID]models.Wallet, 2)
	for _, id := range []uuid.UUID{first, second} {
		w, err := qtx.GetWalletForUpdate(ctx, repository.ToPgUUID(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				if id == toID {
					return models.Wallet{}, models.Wallet{}, domain.ErrUnknownCounterparty
				}
				return models.Wallet{}, models.Wallet{}, domain.ErrWalletNotFound
			}
			return models.Wallet{}, models.Wallet{}, fmt.Errorf("lock wallet %s: %w", id, err)
		}
		wallets[id] = w
	}
	return wallets[fromID], wallets[toID], nil
}

// chainHead returns the latest SUCCESS ending balance for a wallet/kind and
// cross-checks it against the wallet's cached balance. A mismatch means a
// writer bypassed the settlement path and must abort the transaction.
func chainHead(ctx context.Context, qtx *repository.Queries, w models.Wallet, kind string) (int64, error) {
	ending, err := qtx.LatestSuccessEnding(ctx, repository.LatestSuccessEndingParams{
		WalletID:    repository.ToPgUUID(w.ID),
		BalanceKind: kind,
	})
	if err != nil {
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	if cached := w.Balance(kind); cached != ending {
		return 0, fmt.Errorf("wallet %s %s: cached balance %d != chain head %d: %w",
			w.ID, kind, cached, ending, domain.ErrStaleBalance)
	}
	return ending, nil
}
