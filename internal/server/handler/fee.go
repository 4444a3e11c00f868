package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/alanyoungcy/optionbook/internal/units"
)

// FeeAdmin changes the fee policy. Every setter is owner-gated.
type FeeAdmin interface {
	SetFeeRate(ctx context.Context, caller, asset common.Address, rate *big.Int) error
	SetSupported(ctx context.Context, caller, asset common.Address, supported bool) error
	SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error
}

// FeeHandler quotes and administers premium fees.
type FeeHandler struct {
	policy domain.FeePolicy
	admin  FeeAdmin // nil when the policy is read-only
	pair   PairInfo
	logger *slog.Logger
}

// NewFeeHandler creates a FeeHandler. admin may be nil.
func NewFeeHandler(policy domain.FeePolicy, admin FeeAdmin, pair PairInfo, logger *slog.Logger) *FeeHandler {
	return &FeeHandler{policy: policy, admin: admin, pair: pair, logger: logger.With(slog.String("handler", "fees"))}
}

type quoteResponse struct {
	Premium   AmountView `json:"premium"`
	Fee       AmountView `json:"fee"`
	Net       AmountView `json:"net"`
	Recipient string     `json:"recipient"`
}

// Quote returns the fee and seller proceeds for a premium.
// GET /api/fees/quote?premium=10000000 or ?premium=10&decimal=true
func (h *FeeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var asset *units.Asset
	if r.URL.Query().Get("decimal") == "true" {
		asset = &h.pair.Strike
	}
	premium, err := parseAmount(r.URL.Query().Get("premium"), asset)
	if err != nil || premium.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "premium must be a positive amount")
		return
	}

	fee, err := h.policy.GetFee(r.Context(), h.pair.Strike.Address, premium)
	if err != nil {
		writeDomainError(w, r, h.logger, "fee quote", err)
		return
	}
	recipient, err := h.policy.FeeRecipient(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "fee quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		Premium:   amountView(h.pair.Strike, premium),
		Fee:       amountView(h.pair.Strike, fee),
		Net:       amountView(h.pair.Strike, new(big.Int).Sub(premium, fee)),
		Recipient: recipient.Hex(),
	})
}

type setRateRequest struct {
	Asset string `json:"asset"`
	Rate  string `json:"rate"` // decimal fraction, e.g. "0.01"
}

type setSupportedRequest struct {
	Asset     string `json:"asset"`
	Supported bool   `json:"supported"`
}

type setRecipientRequest struct {
	Recipient string `json:"recipient"`
}

// SetRate changes an asset's fee rate.
// PUT /api/fees/rate
func (h *FeeHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.adminCaller(w, r)
	if !ok {
		return
	}
	var req setRateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rate, err := units.Parse(req.Rate, fixedpoint.Decimals)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetFeeRate(r.Context(), caller, asset, rate); err != nil {
		writeDomainError(w, r, h.logger, "set fee rate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset.Hex(), "rate": req.Rate})
}

// SetSupported toggles whether an asset can be quoted.
// PUT /api/fees/supported
func (h *FeeHandler) SetSupported(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.adminCaller(w, r)
	if !ok {
		return
	}
	var req setSupportedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	asset, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetSupported(r.Context(), caller, asset, req.Supported); err != nil {
		writeDomainError(w, r, h.logger, "set supported", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": asset.Hex(), "supported": req.Supported})
}

// SetRecipient changes who receives fees.
// PUT /api/fees/recipient
func (h *FeeHandler) SetRecipient(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.adminCaller(w, r)
	if !ok {
		return
	}
	var req setRecipientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.SetFeeRecipient(r.Context(), caller, recipient); err != nil {
		writeDomainError(w, r, h.logger, "set fee recipient", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recipient": recipient.Hex()})
}

func (h *FeeHandler) adminCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	if h.admin == nil {
		writeError(w, http.StatusNotImplemented, "fee policy is read-only")
		return common.Address{}, false
	}
	return requireCaller(w, r)
}
