package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/betpond/settlement/internal/models"
	"github.com/betpond/settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type SettlementHandler struct {
	svc *service.WalletService
}

func NewSettlementHandler(svc *service.WalletService) *SettlementHandler {
	return &SettlementHandler{svc: svc}
}

func (h *SettlementHandler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-settlement-id", "Invalid settlement ID")
		return
	}

	settlement, ledgerRows, err := h.svc.GetSettlement(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			RespondError(w, r, http.StatusNotFound, "settlement/not-found", "Settlement not found")
			return
		}
		zap.L().Error("get settlement failed", zap.Error(err), zap.Int64("settlement_id", id))
		RespondError(w, r, http.StatusInternalServerError, "settlement/read-failed", "Failed to get settlement")
		return
	}

	RespondJSON(w, http.StatusOK, struct {
		models.Settlement
		LedgerTxs []models.LedgerTx `json:"ledger_txs"`
	}{Settlement: settlement, LedgerTxs: ledgerRows})
}
