package service

import (
	"context"
	"testing"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/queue"
	"github.com/betpond/settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newIdleQueue builds a manager whose jobs stay QUEUED, so tests can assert
// on the durable job rows without workers consuming them.
func newIdleQueue(t *testing.T, db *pgxpool.Pool) *queue.Manager {
	t.Helper()
	m := queue.NewManager(queue.NewPgStore(repository.New(db)))
	require.NoError(t, m.RegisterHandler(JobKindSettlement, func(ctx context.Context, job models.Job) error {
		return nil
	}))
	return m
}

func TestTransferCreatesPairedPendingRows(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)
	queries := repository.New(db)

	sender := createTestWallet(t, db, "0xSENDER", 100_000_000)
	receiver := createTestWallet(t, db, "0xRECEIVER", 0)

	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)
	res, err := orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   40_000_000,
		BalanceKind:    domain.BalanceRedeemable,
		Note:           "test transfer",
	})
	require.NoError(t, err)
	require.NotZero(t, res.SettlementID)

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, settlement.Status)
	require.Equal(t, int64(40_000_000), settlement.AmountMicros)
	require.Equal(t, "0xSENDER", settlement.FromAddress)
	require.Equal(t, "0xRECEIVER", settlement.ToAddress)
	require.Nil(t, settlement.TxHash)

	debit, err := queries.GetLedgerTx(ctx, res.DebitTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, debit.Status)
	require.Equal(t, domain.LedgerTypeTransferOut, debit.Type)
	require.Equal(t, int64(-40_000_000), debit.AmountMicros)
	require.Equal(t, int64(100_000_000), debit.StartingBalance)
	require.Equal(t, int64(60_000_000), debit.EndingBalance)

	credit, err := queries.GetLedgerTx(ctx, res.CreditTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, credit.Status)
	require.Equal(t, domain.LedgerTypeTransferIn, credit.Type)
	require.Equal(t, int64(40_000_000), credit.AmountMicros)
	require.Equal(t, int64(0), credit.StartingBalance)
	require.Equal(t, int64(40_000_000), credit.EndingBalance)

	require.NotNil(t, debit.SiblingID)
	require.NotNil(t, credit.SiblingID)
	require.Equal(t, credit.ID, *debit.SiblingID)
	require.Equal(t, debit.ID, *credit.SiblingID)

	// Wallet balances do not move until the settlement finalizes.
	walletRow, err := queries.GetWallet(ctx, repository.ToPgUUID(sender.ID))
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), walletRow.Redeemable)

	// The job is durably queued for the sender's settlement queue.
	job, err := queries.GetJobByName(ctx, "settlement:"+sender.ID.String(), settlementJobName(res.SettlementID))
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, job.Status)
	require.Equal(t, int32(3), job.MaxAttempts)
}

func TestTransferHeldFundsReduceAvailableBalance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)

	sender := createTestWallet(t, db, "0xSENDER", 100_000_000)
	receiver := createTestWallet(t, db, "0xRECEIVER", 0)

	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)

	_, err := orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   60_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.NoError(t, err)

	// 60 of 100 is held by the pending settlement; 50 must not fit.
	_, err = orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   50_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// 40 still fits.
	_, err = orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   40_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.NoError(t, err)
}

func TestTransferUnknownCounterparty(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)
	sender := createTestWallet(t, db, "0xSENDER", 100_000_000)

	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)

	_, err := orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: uuid.New(),
		AmountMicros:   10_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.ErrorIs(t, err, domain.ErrUnknownCounterparty)

	_, err = orch.Execute(ctx, Action{
		Type:         domain.LedgerTypeTransferOut,
		WalletID:     sender.ID,
		AmountMicros: 10_000_000,
		BalanceKind:  domain.BalanceRedeemable,
	})
	require.ErrorIs(t, err, domain.ErrUnknownCounterparty)
}

func TestCampaignCreditsFromTreasury(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)
	queries := repository.New(db)

	player := createTestWallet(t, db, "0xPLAYER", 0)

	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)
	res, err := orch.Execute(ctx, Action{
		Type:         domain.LedgerTypeCampaign,
		WalletID:     player.ID,
		AmountMicros: 5_000_000,
		BalanceKind:  domain.BalanceRedeemable,
	})
	require.NoError(t, err)

	debit, err := queries.GetLedgerTx(ctx, res.DebitTxID)
	require.NoError(t, err)
	require.Equal(t, treasuryID, debit.WalletID)
	require.Equal(t, domain.LedgerTypeCampaign, debit.Type)
	require.Equal(t, int64(-5_000_000), debit.AmountMicros)

	credit, err := queries.GetLedgerTx(ctx, res.CreditTxID)
	require.NoError(t, err)
	require.Equal(t, player.ID, credit.WalletID)
	require.Equal(t, int64(5_000_000), credit.AmountMicros)
}

func TestStaleCachedBalanceAborts(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)
	queries := repository.New(db)

	sender := createTestWallet(t, db, "0xSENDER", 100_000_000)
	receiver := createTestWallet(t, db, "0xRECEIVER", 0)

	// Corrupt the cached balance without a matching ledger row.
	_, err := queries.SetWalletBalance(ctx, repository.SetWalletBalanceParams{
		WalletID: repository.ToPgUUID(sender.ID),
		Kind:     domain.BalanceRedeemable,
		Balance:  999_000_000,
	})
	require.NoError(t, err)

	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)
	_, err = orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   10_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.ErrorIs(t, err, domain.ErrStaleBalance)
}

func TestActionValidation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := repository.NewStore(db)
	sender := createTestWallet(t, db, "0xSENDER", 100_000_000)
	orch := NewOrchestrator(store, newIdleQueue(t, db), treasuryID, 1, 3)

	_, err := orch.Execute(ctx, Action{
		Type:         domain.LedgerTypeCampaign,
		WalletID:     sender.ID,
		AmountMicros: -5,
	})
	require.Error(t, err)

	_, err = orch.Execute(ctx, Action{
		Type:         domain.LedgerTypeCampaign,
		WalletID:     sender.ID,
		AmountMicros: 5,
		BalanceKind:  "bogus",
	})
	require.Error(t, err)

	_, err = orch.Execute(ctx, Action{
		Type:         "withdraw-to-mars",
		WalletID:     sender.ID,
		AmountMicros: 5,
	})
	require.Error(t, err)
}
