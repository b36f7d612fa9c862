package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActionHandler accepts balance-affecting actions and returns the settlement
// id the caller can poll. The settlement itself runs asynchronously.
type ActionHandler struct {
	svc *service.Orchestrator
}

func NewActionHandler(svc *service.Orchestrator) *ActionHandler {
	return &ActionHandler{svc: svc}
}

func (h *ActionHandler) CreateAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type           string `json:"type"`
		WalletID       string `json:"wallet_id"`
		CounterpartyID string `json:"counterparty_id"`
		Amount         string `json:"amount"`
		BalanceKind    string `json:"balance_kind"`
		Note           string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	walletID, err := uuid.Parse(req.WalletID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-wallet-id", "Invalid wallet_id")
		return
	}
	var counterpartyID uuid.UUID
	if req.CounterpartyID != "" {
		counterpartyID, err = uuid.Parse(req.CounterpartyID)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-counterparty-id", "Invalid counterparty_id")
			return
		}
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "Amount must be a positive decimal")
		return
	}

	result, err := h.svc.Execute(r.Context(), service.Action{
		Type:           req.Type,
		WalletID:       walletID,
		CounterpartyID: counterpartyID,
		AmountMicros:   domain.FromDecimal(amount),
		BalanceKind:    req.BalanceKind,
		Note:           req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientBalance):
			RespondError(w, r, http.StatusUnprocessableEntity, "action/insufficient-balance", "Insufficient available balance")
		case errors.Is(err, domain.ErrWalletNotFound):
			RespondError(w, r, http.StatusNotFound, "wallet/not-found", "Wallet not found")
		case errors.Is(err, domain.ErrUnknownCounterparty):
			RespondError(w, r, http.StatusNotFound, "action/unknown-counterparty", "Counterparty wallet not found")
		case errors.Is(err, domain.ErrStaleBalance):
			RespondError(w, r, http.StatusConflict, "action/stale-balance", "Wallet balance is inconsistent, action aborted")
		default:
			zap.L().Error("execute action failed", zap.Error(err), zap.String("type", req.Type))
			RespondError(w, r, http.StatusInternalServerError, "action/execute-failed", "Failed to execute action")
		}
		return
	}

	RespondJSON(w, http.StatusAccepted, result)
}
