package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/engine"
)

// OptionEngine is the slice of the engine the option routes need.
type OptionEngine interface {
	Get(ctx context.Context, id uint64) (domain.Option, error)
	List(ctx context.Context, filter domain.OptionFilter) []domain.Option
	ClosingFee(ctx context.Context, id uint64) (*big.Int, error)
	CustodyReport(ctx context.Context) domain.CustodyReport
	VerifyCustody(ctx context.Context) (domain.CustodyReport, error)

	CreateAsk(ctx context.Context, caller common.Address, terms engine.OrderTerms) (domain.Option, error)
	CreateBid(ctx context.Context, caller common.Address, terms engine.OrderTerms) (domain.Option, error)
	FillAsk(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
	FillBid(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
	CancelOrder(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
	ExerciseOption(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
	ClaimUnderlyingOnExpiration(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
	CloseOption(ctx context.Context, caller common.Address, id uint64) (domain.Option, error)
}

// OptionHandler serves the order book and option lifecycle routes.
type OptionHandler struct {
	engine OptionEngine
	pair   PairInfo
	logger *slog.Logger
}

// NewOptionHandler creates an OptionHandler.
func NewOptionHandler(e OptionEngine, pair PairInfo, logger *slog.Logger) *OptionHandler {
	return &OptionHandler{engine: e, pair: pair, logger: logger.With(slog.String("handler", "options"))}
}

type pairResponse struct {
	Underlying assetView `json:"underlying"`
	Strike     assetView `json:"strike"`
	Custody    string    `json:"custody"`
}

type assetView struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

// Pair describes the traded assets and the custody principal.
// GET /api/pair
func (h *OptionHandler) Pair(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pairResponse{
		Underlying: assetView{h.pair.Underlying.Address.Hex(), h.pair.Underlying.Symbol, h.pair.Underlying.Decimals},
		Strike:     assetView{h.pair.Strike.Address.Hex(), h.pair.Strike.Symbol, h.pair.Strike.Decimals},
		Custody:    h.pair.Custody.Hex(),
	})
}

type listOptionsResponse struct {
	Options []OptionView `json:"options"`
}

// List returns records matching the query filters.
// GET /api/options?state=open&order_type=ask&principal=0x...&limit=50&offset=0
func (h *OptionHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := parseListOpts(r)
	filter := domain.OptionFilter{
		State:     domain.OptionState(strings.ToLower(q.Get("state"))),
		OrderType: domain.OrderType(strings.ToLower(q.Get("order_type"))),
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}
	if filter.State != "" && !filter.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state")
		return
	}
	if filter.OrderType != "" && !filter.OrderType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown order_type")
		return
	}
	if p := q.Get("principal"); p != "" {
		addr, err := parseAddress(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Principal = addr
	}

	records := h.engine.List(r.Context(), filter)
	out := make([]OptionView, 0, len(records))
	for _, o := range records {
		out = append(out, h.pair.optionView(o))
	}
	writeJSON(w, http.StatusOK, listOptionsResponse{Options: out})
}

// Get returns one record.
// GET /api/options/{id}
func (h *OptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get option", err)
		return
	}
	writeJSON(w, http.StatusOK, h.pair.optionView(o))
}

// ClosingFee quotes what the seller would pay to close right now.
// GET /api/options/{id}/closing-fee
func (h *OptionHandler) ClosingFee(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fee, err := h.engine.ClosingFee(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "closing fee", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"option_id":   id,
		"closing_fee": amountView(h.pair.Strike, fee),
	})
}

type custodyResponse struct {
	Underlying     AmountView `json:"underlying"`
	LockedPremiums AmountView `json:"locked_premiums"`
	Consistent     bool       `json:"consistent"`
	Busy           bool       `json:"busy,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Custody reports what custody should hold and whether the ledger agrees.
// GET /api/custody
func (h *OptionHandler) Custody(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.VerifyCustody(r.Context())
	if report.Underlying == nil {
		report = h.engine.CustodyReport(r.Context())
	}
	resp := custodyResponse{
		Underlying:     amountView(h.pair.Underlying, report.Underlying),
		LockedPremiums: amountView(h.pair.Strike, report.LockedPremiums),
		Consistent:     err == nil,
		Busy:           errors.Is(err, domain.ErrCustodyBusy),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// createOrderRequest carries order terms. Amounts are base-unit integers
// unless Decimal is set, in which case they are whole units of their asset.
type createOrderRequest struct {
	UnderlyingAmount string `json:"underlying_amount"`
	StrikeAmount     string `json:"strike_amount"`
	PremiumAmount    string `json:"premium_amount"`
	PeriodSeconds    int64  `json:"period_seconds"`
	Decimal          bool   `json:"decimal"`
}

func (h *OptionHandler) terms(req createOrderRequest) (engine.OrderTerms, error) {
	underlying, strike := &h.pair.Underlying, &h.pair.Strike
	if !req.Decimal {
		underlying, strike = nil, nil
	}
	u, err := parseAmount(req.UnderlyingAmount, underlying)
	if err != nil {
		return engine.OrderTerms{}, err
	}
	s, err := parseAmount(req.StrikeAmount, strike)
	if err != nil {
		return engine.OrderTerms{}, err
	}
	p, err := parseAmount(req.PremiumAmount, strike)
	if err != nil {
		return engine.OrderTerms{}, err
	}
	return engine.OrderTerms{
		UnderlyingAmount: u,
		StrikeAmount:     s,
		PremiumAmount:    p,
		PeriodSeconds:    req.PeriodSeconds,
	}, nil
}

// CreateAsk posts a sell order for the signed caller.
// POST /api/orders/ask
func (h *OptionHandler) CreateAsk(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, "create ask", h.engine.CreateAsk)
}

// CreateBid posts a buy order for the signed caller.
// POST /api/orders/bid
func (h *OptionHandler) CreateBid(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, "create bid", h.engine.CreateBid)
}

func (h *OptionHandler) create(
	w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, engine.OrderTerms) (domain.Option, error),
) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	terms, err := h.terms(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := fn(r.Context(), caller, terms)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.pair.optionView(o))
}

// FillAsk buys the option offered by an ask.
// POST /api/orders/ask/{id}/fill
func (h *OptionHandler) FillAsk(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "fill ask", h.engine.FillAsk)
}

// FillBid sells the option requested by a bid.
// POST /api/orders/bid/{id}/fill
func (h *OptionHandler) FillBid(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "fill bid", h.engine.FillBid)
}

// Cancel withdraws an open order.
// POST /api/orders/{id}/cancel
func (h *OptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "cancel order", h.engine.CancelOrder)
}

// Exercise exercises an active option as its buyer.
// POST /api/options/{id}/exercise
func (h *OptionHandler) Exercise(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "exercise option", h.engine.ExerciseOption)
}

// Claim returns the underlying of an expired option to its seller.
// POST /api/options/{id}/claim
func (h *OptionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "claim underlying", h.engine.ClaimUnderlyingOnExpiration)
}

// Close closes an active option early as its seller.
// POST /api/options/{id}/close
func (h *OptionHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "close option", h.engine.CloseOption)
}

func (h *OptionHandler) act(
	w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, uint64) (domain.Option, error),
) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := fn(r.Context(), caller, id)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, h.pair.optionView(o))
}
