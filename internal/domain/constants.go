package domain

// Balance kinds held by a wallet. Each kind forms its own ledger chain.
const (
	BalanceSpendable  = "spendable"
	BalanceRedeemable = "redeemable"
	BalanceCredit     = "credit"
	BalancePoint      = "point"
)

// Ledger entry types.
const (
	LedgerTypeDeposit     = "deposit"
	LedgerTypePlay        = "play"
	LedgerTypeClaim       = "claim"
	LedgerTypeRedeem      = "redeem"
	LedgerTypeReferral    = "referral"
	LedgerTypeTransferOut = "transfer_out"
	LedgerTypeTransferIn  = "transfer_in"
	LedgerTypeCampaign    = "campaign"
	LedgerTypeCashback    = "cashback"
	LedgerTypeJackpot     = "jackpot"
)

// Ledger row and settlement statuses. Transitions are one-way out of PENDING.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Job statuses. Completed jobs are deleted, so no terminal success status.
const (
	JobStatusQueued = "QUEUED"
	JobStatusActive = "ACTIVE"
	JobStatusDead   = "DEAD"
)

// BalanceKinds lists every valid balance kind.
var BalanceKinds = []string{BalanceSpendable, BalanceRedeemable, BalanceCredit, BalancePoint}

// ValidBalanceKind reports whether kind names a wallet balance column.
func ValidBalanceKind(kind string) bool {
	for _, k := range BalanceKinds {
		if k == kind {
			return true
		}
	}
	return false
}
