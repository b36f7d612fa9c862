package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/betpond/settlement/internal/chain"
	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/notify"
	"github.com/betpond/settlement/internal/repository"
	"github.com/stretchr/testify/require"
)

type stubChain struct {
	mu            sync.Mutex
	submits       int
	polls         int
	submitErr     error
	failRemaining int
	confirm       chain.Confirmation
}

func (s *stubChain) SubmitTransfer(ctx context.Context, from chain.SigningContext, to string, amountMicros int64, chainID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if s.failRemaining > 0 {
		s.failRemaining--
		return "", s.submitErr
	}
	return fmt.Sprintf("0xstub%04d", s.submits), nil
}

func (s *stubChain) GetConfirmation(ctx context.Context, txRef string) (chain.Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.confirm, nil
}

func (s *stubChain) setConfirmation(c chain.Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirm = c
}

func (s *stubChain) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func newTestSettlementService(store QueryStore, client chain.TransferClient) *SettlementService {
	return NewSettlementService(store, client, chain.NewMockKeystore(), notify.NopNotifier{}, nil).
		WithConfirmWindow(50*time.Millisecond, 5*time.Millisecond)
}

func settlementJob(settlementID int64) models.Job {
	return models.Job{
		ID:      settlementID,
		Payload: []byte(fmt.Sprintf(`{"settlement_id":%d}`, settlementID)),
	}
}

func TestSettlementSuccessFinalizesLedger(t *testing.T) {
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
	})
	require.NoError(t, err)

	client := &stubChain{confirm: chain.Confirmation{Status: chain.ConfirmationConfirmed, BlockRef: "block-1"}}
	svc := newTestSettlementService(store, client)

	require.NoError(t, svc.Process(ctx, res.SettlementID))

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, settlement.Status)
	require.NotNil(t, settlement.TxHash)
	require.Equal(t, int32(1), settlement.RetryCount)

	debit, err := queries.GetLedgerTx(ctx, res.DebitTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, debit.Status)
	require.Equal(t, int64(100_000_000), debit.StartingBalance)
	require.Equal(t, int64(60_000_000), debit.EndingBalance)
	require.NotNil(t, debit.ExternalRef)
	require.Equal(t, *settlement.TxHash, *debit.ExternalRef)

	credit, err := queries.GetLedgerTx(ctx, res.CreditTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, credit.Status)
	require.Equal(t, int64(0), credit.StartingBalance)
	require.Equal(t, int64(40_000_000), credit.EndingBalance)

	senderRow, err := queries.GetWallet(ctx, repository.ToPgUUID(sender.ID))
	require.NoError(t, err)
	require.Equal(t, int64(60_000_000), senderRow.Redeemable)

	receiverRow, err := queries.GetWallet(ctx, repository.ToPgUUID(receiver.ID))
	require.NoError(t, err)
	require.Equal(t, int64(40_000_000), receiverRow.Redeemable)
}

func TestSettlementRejectionFailsImmediately(t *testing.T) {
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
	})
	require.NoError(t, err)

	client := &stubChain{
		failRemaining: 1,
		submitErr:     fmt.Errorf("invalid recipient: %w", domain.ErrTransferRejected),
	}
	svc := newTestSettlementService(store, client)

	// A rejection is terminal: the job completes without retrying.
	require.NoError(t, svc.Process(ctx, res.SettlementID))

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, settlement.Status)

	debit, err := queries.GetLedgerTx(ctx, res.DebitTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, debit.Status)

	senderRow, err := queries.GetWallet(ctx, repository.ToPgUUID(sender.ID))
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), senderRow.Redeemable)

	// The held funds are released, so the full balance is spendable again.
	_, err = orch.Execute(ctx, Action{
		Type:           domain.LedgerTypeTransferOut,
		WalletID:       sender.ID,
		CounterpartyID: receiver.ID,
		AmountMicros:   100_000_000,
		BalanceKind:    domain.BalanceRedeemable,
	})
	require.NoError(t, err)
}

func TestSettlementTransientFailuresExhaustRetryBudget(t *testing.T) {
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
	})
	require.NoError(t, err)

	client := &stubChain{
		failRemaining: 100,
		submitErr:     fmt.Errorf("rpc node down: %w", domain.ErrTransferUnavailable),
	}
	svc := newTestSettlementService(store, client)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = svc.Process(ctx, res.SettlementID)
		require.ErrorIs(t, lastErr, domain.ErrTransferUnavailable)

		settlement, err := queries.GetSettlement(ctx, res.SettlementID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusPending, settlement.Status)
		require.Equal(t, int32(attempt+1), settlement.RetryCount)
	}

	// The queue dead-letters the job after the third failure and invokes the
	// failure handler, which releases the held funds.
	svc.HandleFailure(ctx, settlementJob(res.SettlementID), lastErr)

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, settlement.Status)
	require.Equal(t, int32(3), settlement.RetryCount)

	debit, err := queries.GetLedgerTx(ctx, res.DebitTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, debit.Status)
	require.Equal(t, int32(3), debit.RetryCount)

	credit, err := queries.GetLedgerTx(ctx, res.CreditTxID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, credit.Status)

	senderRow, err := queries.GetWallet(ctx, repository.ToPgUUID(sender.ID))
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), senderRow.Redeemable)
}

func TestSettlementResumesAtConfirmationOnRedelivery(t *testing.T) {
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
	})
	require.NoError(t, err)

	client := &stubChain{confirm: chain.Confirmation{Status: chain.ConfirmationPending}}
	svc := newTestSettlementService(store, client)

	// First attempt submits but times out waiting for confirmation.
	err = svc.Process(ctx, res.SettlementID)
	require.ErrorIs(t, err, domain.ErrTransferUnconfirmed)
	require.Equal(t, 1, client.submitCount())

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, settlement.Status)
	require.NotNil(t, settlement.TxHash)

	// The redelivered job must not submit a second transfer.
	client.setConfirmation(chain.Confirmation{Status: chain.ConfirmationConfirmed})
	require.NoError(t, svc.Process(ctx, res.SettlementID))
	require.Equal(t, 1, client.submitCount())

	settlement, err = queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, settlement.Status)
}

func TestSettlementProcessIdempotentAfterFinalize(t *testing.T) {
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
	})
	require.NoError(t, err)

	client := &stubChain{confirm: chain.Confirmation{Status: chain.ConfirmationConfirmed}}
	svc := newTestSettlementService(store, client)

	require.NoError(t, svc.Process(ctx, res.SettlementID))
	require.NoError(t, svc.Process(ctx, res.SettlementID))
	require.Equal(t, 1, client.submitCount())

	senderRow, err := queries.GetWallet(ctx, repository.ToPgUUID(sender.ID))
	require.NoError(t, err)
	require.Equal(t, int64(60_000_000), senderRow.Redeemable)

	settlement, err := queries.GetSettlement(ctx, res.SettlementID)
	require.NoError(t, err)
	require.Equal(t, int32(1), settlement.RetryCount)
}

func TestHandleJobRejectsBadPayload(t *testing.T) {
	svc := newTestSettlementService(nil, &stubChain{})

	err := svc.HandleJob(context.Background(), models.Job{ID: 7, Payload: []byte(`{`)})
	require.Error(t, err)

	err = svc.HandleJob(context.Background(), models.Job{ID: 7, Payload: []byte(`{}`)})
	require.Error(t, err)
}
