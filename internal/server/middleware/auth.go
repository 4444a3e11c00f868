package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/optionbook/internal/crypto"
	"github.com/alanyoungcy/optionbook/internal/domain"
)

// maxSignedBody bounds how much of a signed request body is buffered.
const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller stores the authenticated principal in ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the principal stored by Signature, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	c, ok := ctx.Value(callerKey{}).(common.Address)
	return c, ok
}

// RequestVerifier authenticates a signed request.
type RequestVerifier interface {
	Verify(claimed, method, path, timestamp, nonce string, body []byte, sigHex string) (common.Address, error)
}

// ReplayGuard rejects a second request with the same (address, nonce) for
// Window. A guard without Nonces accepts every nonce.
type ReplayGuard struct {
	Nonces domain.NonceStore
	Window time.Duration
}

func nonceKey(caller common.Address, nonce string) string {
	return strings.ToLower(caller.Hex()) + ":" + nonce
}

// Signature returns middleware that authenticates state-changing requests by
// their personal signature and stores the signer in the request context.
// Each signature is accepted once. Safe methods and paths under an exempt
// prefix pass through unauthenticated unless they carry signature headers.
func Signature(v RequestVerifier, guard ReplayGuard, exemptPrefixes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.Header.Get(crypto.HeaderAddress)
			if addr == "" && (isSafe(r.Method) || hasAnyPrefix(r.URL.Path, exemptPrefixes)) {
				next.ServeHTTP(w, r)
				return
			}
			if addr == "" {
				writeUnauthorized(w, "missing request signature")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			nonce := r.Header.Get(crypto.HeaderNonce)
			caller, err := v.Verify(addr, r.Method, r.URL.Path,
				r.Header.Get(crypto.HeaderTimestamp), nonce, body, r.Header.Get(crypto.HeaderSignature))
			if err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}
			if guard.Nonces != nil {
				fresh, err := guard.Nonces.Claim(r.Context(), nonceKey(caller, nonce), guard.Window)
				if err != nil {
					writeJSONError(w, http.StatusServiceUnavailable, "replay protection unavailable")
					return
				}
				if !fresh {
					writeUnauthorized(w, "request nonce already used")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// AdminKey guards operator-only routes with a static key sent as a Bearer
// token or in X-API-Key. An empty key disables the routes entirely.
func AdminKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				writeJSONError(w, http.StatusForbidden, "admin routes disabled")
				return
			}
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func isSafe(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// extractToken reads a Bearer token or the X-API-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
