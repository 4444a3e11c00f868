package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// LedgerHandler exposes balances and allowances of the asset ledger.
type LedgerHandler struct {
	ledger domain.AccountLedger
	pair   PairInfo
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger domain.AccountLedger, pair PairInfo, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, pair: pair, logger: logger.With(slog.String("handler", "ledger"))}
}

type balanceResponse struct {
	Asset  string     `json:"asset"`
	Owner  string     `json:"owner"`
	Amount AmountView `json:"amount"`
}

// Balance returns one account balance.
// GET /api/ledger/balances/{asset}/{owner}
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(r.PathValue("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(r.PathValue("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bal, err := h.ledger.BalanceOf(r.Context(), asset, owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "balance", err)
		return
	}
	a, _ := h.pair.asset(asset)
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.Hex(), Owner: owner.Hex(), Amount: amountView(a, bal)})
}

// Allowance returns what owner allowed custody to pull.
// GET /api/ledger/allowances/{asset}/{owner}
func (h *LedgerHandler) Allowance(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(r.PathValue("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseAddress(r.PathValue("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := h.ledger.Allowance(r.Context(), asset, owner, h.pair.Custody)
	if err != nil {
		writeDomainError(w, r, h.logger, "allowance", err)
		return
	}
	a, _ := h.pair.asset(asset)
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.Hex(), Owner: owner.Hex(), Amount: amountView(a, amt)})
}

type approveRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Approve sets the signed caller's allowance for custody. The amount
// replaces the previous allowance.
// POST /api/ledger/approve
func (h *LedgerHandler) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := parseAmount(req.Amount, nil)
	if err != nil || amt.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := h.ledger.Approve(r.Context(), asset, caller, h.pair.Custody, amt); err != nil {
		writeDomainError(w, r, h.logger, "approve", err)
		return
	}
	a, _ := h.pair.asset(asset)
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.Hex(), Owner: caller.Hex(), Amount: amountView(a, amt)})
}

type mintRequest struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// Mint credits an account out of thin air. Operator only.
// POST /api/admin/mint
func (h *LedgerHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amt, err := parseAmount(req.Amount, nil)
	if err != nil || amt.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := h.ledger.Mint(r.Context(), asset, to, amt); err != nil {
		writeDomainError(w, r, h.logger, "mint", err)
		return
	}
	h.logger.InfoContext(r.Context(), "minted",
		slog.String("asset", asset.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amt.String()),
	)
	a, _ := h.pair.asset(asset)
	writeJSON(w, http.StatusOK, balanceResponse{Asset: asset.Hex(), Owner: to.Hex(), Amount: amountView(a, amt)})
}
