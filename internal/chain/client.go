package chain

import (
	"context"
)

// ConfirmationStatus is the externally observed state of a submitted transfer.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationFailed    ConfirmationStatus = "failed"
	ConfirmationUnknown   ConfirmationStatus = "unknown"
)

// Confirmation is the result of polling the external ledger for a transfer.
type Confirmation struct {
	Status   ConfirmationStatus
	BlockRef string
}

// SigningContext is an opaque credential handle for a source address. The
// engine never sees key material; KeyRef identifies the credential inside the
// custody service.
type SigningContext struct {
	Address string
	KeyRef  string
}

// TransferClient abstracts the blockchain client. The engine depends only on
// this contract, never on a chain SDK.
type TransferClient interface {
	// SubmitTransfer broadcasts a transfer and returns its transaction
	// reference. Rejections map to domain.ErrTransferRejected; everything
	// else is treated as transient.
	SubmitTransfer(ctx context.Context, from SigningContext, to string, amountMicros int64, chainID int64) (string, error)

	// GetConfirmation polls the external ledger for the transfer outcome.
	GetConfirmation(ctx context.Context, txRef string) (Confirmation, error)
}

// Keystore abstracts private-key custody.
type Keystore interface {
	SigningContext(ctx context.Context, address string) (SigningContext, error)
}
