package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test key (never funded).
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigner_RoundTrip(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address().Hex())

	body := []byte(`{"id":1}`)
	sig, err := s.SignRequest("post", "/api/orders/ask", 1_700_000_000, "abc", body)
	require.NoError(t, err)

	got, err := RecoverAddress(RequestMessage("POST", "/api/orders/ask", 1_700_000_000, "abc", body), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestRecoverAddress_RejectsGarbage(t *testing.T) {
	_, err := RecoverAddress([]byte("x"), "0x1234")
	assert.Error(t, err)
	_, err = RecoverAddress([]byte("x"), "zz")
	assert.Error(t, err)
}

func TestVerifier(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	v := Verifier{MaxSkew: time.Minute, Now: func() time.Time { return now }}
	body := []byte(`{}`)

	sig, err := s.SignRequest("POST", "/api/orders/1/fill", now.Unix(), "n-1", body)
	require.NoError(t, err)

	addr, err := v.Verify(s.Address().Hex(), "POST", "/api/orders/1/fill", "1700000000", "n-1", body, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	// Tampered body.
	_, err = v.Verify(s.Address().Hex(), "POST", "/api/orders/1/fill", "1700000000", "n-1", []byte(`{"x":1}`), sig)
	assert.Error(t, err)

	// The nonce is part of the signed message.
	_, err = v.Verify(s.Address().Hex(), "POST", "/api/orders/1/fill", "1700000000", "n-2", body, sig)
	assert.Error(t, err)
	_, err = v.Verify(s.Address().Hex(), "POST", "/api/orders/1/fill", "1700000000", "", body, sig)
	assert.Error(t, err)

	// Wrong claimed address.
	_, err = v.Verify("0x000000000000000000000000000000000000dEaD", "POST", "/api/orders/1/fill", "1700000000", "n-1", body, sig)
	assert.Error(t, err)

	// Stale.
	now = now.Add(2 * time.Minute)
	_, err = v.Verify(s.Address().Hex(), "POST", "/api/orders/1/fill", "1700000000", "n-1", body, sig)
	assert.Error(t, err)
}

func TestEncryptDecryptKey(t *testing.T) {
	data, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(data), "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

	keyHex, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, keyHex)

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)

	data, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	fromFile, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, s.Address(), fromFile.Address())

	_, err = LoadSigner(KeyConfig{})
	assert.Error(t, err)
}

func TestValidNonce(t *testing.T) {
	assert.True(t, ValidNonce(NewNonce()))
	assert.True(t, ValidNonce("order_1-A"))
	assert.False(t, ValidNonce(""))
	assert.False(t, ValidNonce("has:colon"))
	assert.False(t, ValidNonce(strings.Repeat("a", MaxNonceLength+1)))
	assert.Equal(t, 2*time.Minute, Verifier{MaxSkew: time.Minute}.ReplayWindow())
}
