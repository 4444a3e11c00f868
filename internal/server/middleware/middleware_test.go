package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionbook/internal/cache/memory"
	"github.com/alanyoungcy/optionbook/internal/crypto"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

type stubVerifier struct {
	err      error
	gotBody  []byte
	gotPath  string
	gotNonce string
}

func (v *stubVerifier) Verify(claimed, method, path, ts, nonce string, body []byte, sig string) (common.Address, error) {
	v.gotBody, v.gotPath, v.gotNonce = body, path, nonce
	if v.err != nil {
		return common.Address{}, v.err
	}
	return common.HexToAddress(claimed), nil
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		caller, ok := CallerFrom(r.Context())
		if ok {
			w.Header().Set("X-Caller", caller.Hex())
		}
		w.Write(body)
	})
}

func TestSignature_StoresCallerAndPreservesBody(t *testing.T) {
	v := &stubVerifier{}
	h := Signature(v, ReplayGuard{})(echoCaller())

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ask", bytes.NewBufferString(`{"a":1}`))
	req.Header.Set(crypto.HeaderAddress, alice.Hex())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice.Hex(), rec.Header().Get("X-Caller"))
	assert.Equal(t, `{"a":1}`, rec.Body.String())
	assert.Equal(t, `{"a":1}`, string(v.gotBody))
	assert.Equal(t, "/api/orders/ask", v.gotPath)
}

func TestSignature_Rejections(t *testing.T) {
	h := Signature(&stubVerifier{err: errors.New("bad sig")}, ReplayGuard{}, "/api/admin/")(echoCaller())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/orders/ask", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/ask", nil)
	req.Header.Set(crypto.HeaderAddress, alice.Hex())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Reads and exempt paths pass without a caller.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/options", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Caller"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/mint", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingNonces struct{}

func (failingNonces) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestSignature_ReplayGuard(t *testing.T) {
	v := &stubVerifier{}
	guard := ReplayGuard{Nonces: memory.NewNonces(), Window: time.Minute}
	h := Signature(v, guard)(echoCaller())

	send := func(from common.Address, nonce string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/orders/1/fill", nil)
		req.Header.Set(crypto.HeaderAddress, from.Hex())
		req.Header.Set(crypto.HeaderNonce, nonce)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(alice, "n1"))
	assert.Equal(t, "n1", v.gotNonce)
	assert.Equal(t, http.StatusUnauthorized, send(alice, "n1"))
	assert.Equal(t, http.StatusOK, send(alice, "n2"))
	assert.Equal(t, http.StatusOK, send(common.HexToAddress("0xb0b"), "n1"))

	down := Signature(v, ReplayGuard{Nonces: failingNonces{}, Window: time.Minute})(echoCaller())
	req := httptest.NewRequest(http.MethodPost, "/api/orders/1/fill", nil)
	req.Header.Set(crypto.HeaderAddress, alice.Hex())
	req.Header.Set(crypto.HeaderNonce, "n3")
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminKey(t *testing.T) {
	h := AdminKey("k")(echoCaller())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/mint", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/mint", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	AdminKey("")(echoCaller()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/mint", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type countingLimiter struct {
	left int
	keys []string
	err  error
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	ok, _, err := l.AllowWithRemaining(ctx, key, limit, window)
	return ok, err
}

func (l *countingLimiter) AllowWithRemaining(_ context.Context, key string, _ int, _ time.Duration) (bool, int, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, 0, l.err
	}
	if l.left == 0 {
		return false, 0, nil
	}
	l.left--
	return true, l.left, nil
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := &countingLimiter{left: 1}
	h := RateLimit(l, 1, time.Second, logger)(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/api/options", nil)
	req.Header.Set(crypto.HeaderAddress, alice.Hex())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	req = httptest.NewRequest(http.MethodGet, "/api/options", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Len(t, l.keys, 3)
	assert.Equal(t, "api:0x00000000000000000000000000000000000a11ce", l.keys[0])
	assert.Equal(t, "api:ip:10.0.0.1", l.keys[2])
}

func TestRateLimit_FailsOpen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, logger)(echoCaller())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(echoCaller())

	req := httptest.NewRequest(http.MethodOptions, "/api/orders/ask", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
