package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/betpond/settlement/internal/domain"
	"github.com/betpond/settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type WalletHandler struct {
	svc *service.WalletService
}

func NewWalletHandler(svc *service.WalletService) *WalletHandler {
	return &WalletHandler{svc: svc}
}

func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	wallet, err := h.svc.CreateWallet(r.Context(), req.Address)
	if err != nil {
		if status, problemType, message, ok := mapDBError(err); ok {
			RespondError(w, r, status, problemType, message)
			return
		}
		zap.L().Error("create wallet failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "wallet/create-failed", "Failed to create wallet")
		return
	}
	RespondJSON(w, http.StatusCreated, wallet)
}

func (h *WalletHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-wallet-id", "Invalid wallet ID")
		return
	}

	balances, err := h.svc.GetBalances(r.Context(), walletID)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			RespondError(w, r, http.StatusNotFound, "wallet/not-found", "Wallet not found")
			return
		}
		zap.L().Error("get balances failed", zap.Error(err), zap.String("wallet_id", walletID.String()))
		RespondError(w, r, http.StatusInternalServerError, "wallet/balance-read-failed", "Failed to get balances")
		return
	}

	type entry struct {
		AmountMicros int64  `json:"amount_micros"`
		Amount       string `json:"amount"`
	}
	out := make(map[string]entry, len(balances))
	for kind, micros := range balances {
		out[kind] = entry{
			AmountMicros: micros,
			Amount:       domain.NewMoney(micros, kind).ToDecimal().StringFixed(2),
		}
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_id": walletID,
		"balances":  out,
	})
}

func (h *WalletHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	walletID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-wallet-id", "Invalid wallet ID")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.svc.Statement(r.Context(), walletID, int32(limit), int32(offset))
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) {
			RespondError(w, r, http.StatusNotFound, "wallet/not-found", "Wallet not found")
			return
		}
		zap.L().Error("get statement failed", zap.Error(err), zap.String("wallet_id", walletID.String()))
		RespondError(w, r, http.StatusInternalServerError, "wallet/statement-read-failed", "Failed to get statement")
		return
	}
	RespondJSON(w, http.StatusOK, entries)
}
