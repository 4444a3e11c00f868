package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbook/internal/clock"
	"github.com/alanyoungcy/optionbook/internal/crypto"
	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/engine"
	"github.com/alanyoungcy/optionbook/internal/feepolicy"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/alanyoungcy/optionbook/internal/ledger"
	"github.com/alanyoungcy/optionbook/internal/metrics"
	"github.com/alanyoungcy/optionbook/internal/server/handler"
	"github.com/alanyoungcy/optionbook/internal/units"
)

const (
	sellerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	buyerKey  = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	adminKey  = "s3cret"
)

var (
	weth    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	custody = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	feeTo   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	t0      = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type testAPI struct {
	handler http.Handler
	ledger  *ledger.Memory
	clock   *clock.Manual
	seller  *crypto.Signer
	buyer   *crypto.Signer
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fixedpoint.One())
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	seller, err := crypto.NewSigner(sellerKey)
	require.NoError(t, err)
	buyer, err := crypto.NewSigner(buyerKey)
	require.NoError(t, err)

	l := ledger.NewMemory()
	for _, p := range []common.Address{seller.Address(), buyer.Address()} {
		require.NoError(t, l.Mint(ctx, weth, p, wad(10)))
		require.NoError(t, l.Mint(ctx, usdc, p, wad(1000)))
	}

	// The seller owns the fee policy in these tests.
	fees := feepolicy.NewCalculator(seller.Address(), feeTo)
	require.NoError(t, fees.SetSupported(ctx, seller.Address(), usdc, true))
	require.NoError(t, fees.SetFeeRate(ctx, seller.Address(), usdc, fixedpoint.FromFraction(1, 100)))

	clk := clock.NewManual(t0)
	m := metrics.New()
	eng, err := engine.New(engine.Config{
		Pair:    domain.Pair{Underlying: weth, Strike: usdc},
		Custody: custody,
	}, l, clk, fees, logger, engine.WithObserver(m))
	require.NoError(t, err)

	pair := handler.PairInfo{
		Underlying: units.Asset{Address: weth, Symbol: "WETH", Decimals: 18},
		Strike:     units.Asset{Address: usdc, Symbol: "USDC", Decimals: 18},
		Custody:    custody,
	}
	srv := NewServer(Config{AdminAPIKey: adminKey}, Handlers{
		Health:  handler.NewHealthHandler(nil, logger),
		Options: handler.NewOptionHandler(eng, pair, logger),
		Ledger:  handler.NewLedgerHandler(l, pair, logger),
		Fees:    handler.NewFeeHandler(fees, fees, pair, logger),
		Metrics: m.Handler(),
	}, Deps{Verifier: crypto.Verifier{MaxSkew: time.Minute}}, logger)

	return &testAPI{handler: srv.Handler(), ledger: l, clock: clk, seller: seller, buyer: buyer}
}

func (a *testAPI) do(t *testing.T, signer *crypto.Signer, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if signer != nil {
		signRequest(t, signer, req, raw, crypto.NewNonce())
	}
	return a.serve(req)
}

func (a *testAPI) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func signRequest(t *testing.T, signer *crypto.Signer, req *http.Request, body []byte, nonce string) {
	t.Helper()
	ts := time.Now().Unix()
	sig, err := signer.SignRequest(req.Method, req.URL.Path, ts, nonce, body)
	require.NoError(t, err)
	req.Header.Set(crypto.HeaderAddress, signer.Address().Hex())
	req.Header.Set(crypto.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(crypto.HeaderNonce, nonce)
	req.Header.Set(crypto.HeaderSignature, sig)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func askBody() map[string]any {
	return map[string]any{
		"underlying_amount": "1",
		"strike_amount":     "200",
		"premium_amount":    "10",
		"period_seconds":    3600,
		"decimal":           true,
	}
}

func (a *testAPI) approve(t *testing.T, s *crypto.Signer, asset common.Address, amount *big.Int) {
	t.Helper()
	rec := a.do(t, s, http.MethodPost, "/api/ledger/approve", map[string]string{
		"asset": asset.Hex(), "amount": amount.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestServer_Health(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, nil, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_UnsignedWriteIsRejected(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, nil, http.MethodPost, "/api/orders/ask", askBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AskRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	api.approve(t, api.seller, weth, wad(1))
	api.approve(t, api.buyer, usdc, wad(210))

	rec := api.do(t, api.seller, http.MethodPost, "/api/orders/ask", askBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[handler.OptionView](t, rec)
	assert.Equal(t, domain.StateOpen, created.State)
	assert.Equal(t, "1", created.UnderlyingAmount.Display)
	assert.Equal(t, wad(1).String(), created.UnderlyingAmount.Base)

	fillPath := fmt.Sprintf("/api/orders/ask/%d/fill", created.ID)
	rec = api.do(t, api.buyer, http.MethodPost, fillPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	filled := decode[handler.OptionView](t, rec)
	assert.Equal(t, domain.StateActive, filled.State)
	require.NotNil(t, filled.ExpirationTimestamp)
	assert.True(t, t0.Add(time.Hour).Equal(*filled.ExpirationTimestamp))

	rec = api.do(t, api.buyer, http.MethodPost, fillPath, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state", decode[map[string]string](t, rec)["kind"])

	bal, err := api.ledger.BalanceOf(context.Background(), usdc, feeTo)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.FromFraction(1, 10), bal)

	rec = api.do(t, nil, http.MethodGet, fmt.Sprintf("/api/options/%d/closing-fee", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, api.buyer, http.MethodPost, fmt.Sprintf("/api/options/%d/exercise", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.StateExercised, decode[handler.OptionView](t, rec).State)

	rec = api.do(t, nil, http.MethodGet, "/api/custody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	custodyResp := decode[map[string]any](t, rec)
	assert.Equal(t, true, custodyResp["consistent"])
}

func TestServer_ErrorMapping(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, nil, http.MethodGet, "/api/options/99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, nil, http.MethodGet, "/api/options/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := askBody()
	body["period_seconds"] = 60
	rec = api.do(t, api.seller, http.MethodPost, "/api/orders/ask", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decode[map[string]string](t, rec)["kind"])

	// No allowance granted.
	rec = api.do(t, api.seller, http.MethodPost, "/api/orders/ask", askBody())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "custody", decode[map[string]string](t, rec)["kind"])
}

func TestServer_ListFilters(t *testing.T) {
	api := newTestAPI(t)
	api.approve(t, api.seller, weth, wad(2))
	api.approve(t, api.buyer, usdc, wad(100))

	require.Equal(t, http.StatusCreated, api.do(t, api.seller, http.MethodPost, "/api/orders/ask", askBody()).Code)
	require.Equal(t, http.StatusCreated, api.do(t, api.buyer, http.MethodPost, "/api/orders/bid", askBody()).Code)

	rec := api.do(t, nil, http.MethodGet, "/api/options?order_type=bid", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Options []handler.OptionView `json:"options"`
	}](t, rec)
	require.Len(t, list.Options, 1)
	assert.Equal(t, domain.OrderTypeBid, list.Options[0].OrderType)

	rec = api.do(t, nil, http.MethodGet, "/api/options?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FeeQuoteAndAdmin(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, nil, http.MethodGet, "/api/fees/quote?premium=10&decimal=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[map[string]map[string]string](t, rec)
	assert.Equal(t, "0.1", q["fee"]["display"])
	assert.Equal(t, "9.9", q["net"]["display"])

	rec = api.do(t, api.buyer, http.MethodPut, "/api/fees/rate", map[string]string{"asset": usdc.Hex(), "rate": "0.02"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, api.seller, http.MethodPut, "/api/fees/rate", map[string]string{"asset": usdc.Hex(), "rate": "0.02"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, api.seller, http.MethodPut, "/api/fees/rate", map[string]string{"asset": usdc.Hex(), "rate": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AdminMint(t *testing.T) {
	api := newTestAPI(t)
	to := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	body, _ := json.Marshal(map[string]string{"asset": weth.Hex(), "to": to.Hex(), "amount": "5"})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/mint", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/mint", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminKey)
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	bal, err := api.ledger.BalanceOf(context.Background(), weth, to)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Int64())
}

func TestServer_Metrics(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, api.seller, http.MethodPost, "/api/orders/ask", askBody())

	rec := api.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `optionbook_engine_operations_total{op="create_ask",result="custody"} 1`)
}

type stubStream struct {
	msgs      []domain.StreamMessage
	gotAfter  string
	gotCount  int
	gotStream string
}

func (s *stubStream) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	s.gotStream, s.gotAfter, s.gotCount = stream, lastID, count
	return s.msgs, nil
}

func TestServer_EventsReplay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := &stubStream{msgs: []domain.StreamMessage{
		{ID: "1-0", Payload: []byte(`{"type":"order_created","option_id":1}`)},
		{ID: "2-0", Payload: []byte(`not json`)},
		{ID: "3-0", Payload: []byte(`{"type":"order_filled","option_id":1}`)},
	}}
	h := handler.NewEventsHandler(stream, logger)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/events?after=0-5&limit=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.EventStream, stream.gotStream)
	assert.Equal(t, "0-5", stream.gotAfter)
	assert.Equal(t, 1000, stream.gotCount)

	out := decode[struct {
		Events []struct {
			ID    string          `json:"id"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
		Next string `json:"next"`
	}](t, rec)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "1-0", out.Events[0].ID)
	assert.JSONEq(t, `{"type":"order_filled","option_id":1}`, string(out.Events[1].Event))
	assert.Equal(t, "3-0", out.Next)

	stream.msgs = nil
	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/events?after=3-0", nil))
	assert.Equal(t, "3-0", decode[struct {
		Next string `json:"next"`
	}](t, rec).Next)
}

func TestServer_SignedRequestIsSingleUse(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, api.ledger.Approve(ctx, weth, api.seller.Address(), custody, wad(10)))

	raw, err := json.Marshal(askBody())
	require.NoError(t, err)
	first := httptest.NewRequest(http.MethodPost, "/api/orders/ask", bytes.NewReader(raw))
	signRequest(t, api.seller, first, raw, "order-1")

	replay := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/orders/ask", bytes.NewReader(raw))
		req.Header = first.Header.Clone()
		return req
	}

	require.Equal(t, http.StatusCreated, api.serve(first).Code)
	for i := 0; i < 2; i++ {
		rec := api.serve(replay())
		assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	}

	held, err := api.ledger.BalanceOf(ctx, weth, custody)
	require.NoError(t, err)
	assert.Equal(t, 0, held.Cmp(wad(1)), "only the first request moved assets")

	// A fresh nonce from the same signer is accepted.
	rec := api.do(t, api.seller, http.MethodPost, "/api/orders/ask", askBody())
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestServer_MissingNonceIsRejected(t *testing.T) {
	api := newTestAPI(t)
	raw, err := json.Marshal(askBody())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/orders/ask", bytes.NewReader(raw))
	signRequest(t, api.seller, req, raw, "")
	assert.Equal(t, http.StatusUnauthorized, api.serve(req).Code)
}

func TestServer_QuoteRejectsHugeExponent(t *testing.T) {
	api := newTestAPI(t)
	start := time.Now()
	rec := api.do(t, nil, http.MethodGet, "/api/fees/quote?premium=1e20000000&decimal=true", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Less(t, time.Since(start), time.Second)
}
