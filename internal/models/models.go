package models

import (
	"time"

	"github.com/google/uuid"
)

// Wallet holds the cached current balance per kind. Balances are mutated only
// by the settlement finalize transaction; every other reader treats them as
// the ending balance of the latest SUCCESS ledger row.
type Wallet struct {
	ID         uuid.UUID `json:"id"`
	Address    string    `json:"address"`
	Spendable  int64     `json:"spendable"`
	Redeemable int64     `json:"redeemable"`
	Credit     int64     `json:"credit"`
	Point      int64     `json:"point"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Balance returns the cached balance for a kind.
func (w Wallet) Balance(kind string) int64 {
	switch kind {
	case "spendable":
		return w.Spendable
	case "redeemable":
		return w.Redeemable
	case "credit":
		return w.Credit
	case "point":
		return w.Point
	}
	return 0
}

// LedgerTx is one immutable accounting entry. Rows are created PENDING with
// provisional chained balances and finalized exactly once.
type LedgerTx struct {
	ID              int64     `json:"id"`
	WalletID        uuid.UUID `json:"wallet_id"`
	BalanceKind     string    `json:"balance_kind"`
	Type            string    `json:"type"`
	AmountMicros    int64     `json:"amount_micros"` // signed
	StartingBalance int64     `json:"starting_balance"`
	EndingBalance   int64     `json:"ending_balance"`
	Status          string    `json:"status"`
	ExternalRef     *string   `json:"external_ref,omitempty"`
	RetryCount      int32     `json:"retry_count"`
	SiblingID       *int64    `json:"sibling_id,omitempty"`
	SettlementID    *int64    `json:"settlement_id,omitempty"`
	Note            *string   `json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Settlement records one logical external transfer. Attempts are tracked via
// RetryCount on the same row to keep the audit trail linear.
type Settlement struct {
	ID           int64     `json:"id"`
	AmountMicros int64     `json:"amount_micros"`
	FromAddress  string    `json:"from_address"`
	ToAddress    string    `json:"to_address"`
	ChainID      int64     `json:"chain_id"`
	TxHash       *string   `json:"tx_hash,omitempty"`
	Status       string    `json:"status"`
	RetryCount   int32     `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Job is one durable queue entry. JobName deduplicates submissions within a
// queue while an incomplete job with the same name exists.
type Job struct {
	ID          int64     `json:"id"`
	QueueName   string    `json:"queue_name"`
	JobName     string    `json:"job_name"`
	Kind        string    `json:"kind"`
	Payload     []byte    `json:"payload"`
	RunAt       time.Time `json:"run_at"`
	Attempts    int32     `json:"attempts"`
	MaxAttempts int32     `json:"max_attempts"`
	Status      string    `json:"status"`
	LastError   *string   `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
