package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Request authentication headers. The signature is an EIP-191 personal
// signature over RequestMessage. The nonce makes a signature single-use.
const (
	HeaderAddress   = "X-Optionbook-Address"
	HeaderTimestamp = "X-Optionbook-Timestamp"
	HeaderNonce     = "X-Optionbook-Nonce"
	HeaderSignature = "X-Optionbook-Signature"
)

// MaxNonceLength bounds the nonce header.
const MaxNonceLength = 64

// RequestMessage is the text a caller signs to authenticate one request:
//
//	optionbook:<METHOD>:<path>:<unix seconds>:<nonce>:<keccak256(body) hex>
func RequestMessage(method, path string, timestamp int64, nonce string, body []byte) []byte {
	return []byte(fmt.Sprintf("optionbook:%s:%s:%d:%s:%s",
		strings.ToUpper(method), path, timestamp, nonce, ethcrypto.Keccak256Hash(body).Hex()))
}

// NewNonce returns a random nonce for one request.
func NewNonce() string {
	return uuid.NewString()
}

// ValidNonce reports whether n is 1 to MaxNonceLength characters of
// [A-Za-z0-9_-].
func ValidNonce(n string) bool {
	if n == "" || len(n) > MaxNonceLength {
		return false
	}
	for _, c := range n {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Signer signs request messages with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignText returns the hex-encoded 65-byte personal signature of msg with v
// in {27,28}.
func (s *Signer) SignText(msg []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest signs the RequestMessage for the given request parts.
func (s *Signer) SignRequest(method, path string, timestamp int64, nonce string, body []byte) (string, error) {
	return s.SignText(RequestMessage(method, path, timestamp, nonce, body))
}

// RecoverAddress returns the address that produced the personal signature
// sigHex over msg. Both {0,1} and {27,28} recovery ids are accepted.
func RecoverAddress(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is not hex: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is %d bytes, want %d", len(sig), ethcrypto.SignatureLength)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier checks request signatures and rejects stale timestamps. It does
// not remember nonces; the caller must reject a repeated (address, nonce)
// for ReplayWindow.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
}

// ReplayWindow is how long a nonce must be remembered: a timestamp is
// accepted up to MaxSkew on either side of now.
func (v Verifier) ReplayWindow() time.Duration {
	if v.MaxSkew <= 0 {
		return 0
	}
	return 2 * v.MaxSkew
}

// Verify authenticates a request and returns the signing address. The
// claimed address must match the recovered one.
func (v Verifier) Verify(claimed, method, path, timestamp, nonce string, body []byte, sigHex string) (common.Address, error) {
	if !common.IsHexAddress(claimed) {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid address %q", claimed)
	}
	if !ValidNonce(nonce) {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid nonce")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid timestamp %q", timestamp)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if v.MaxSkew > 0 && skew > v.MaxSkew {
		return common.Address{}, fmt.Errorf("crypto/signer: timestamp outside %s window", v.MaxSkew)
	}

	got, err := RecoverAddress(RequestMessage(method, path, ts, nonce, body), sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if got != common.HexToAddress(claimed) {
		return common.Address{}, fmt.Errorf("crypto/signer: signature by %s, not %s", got.Hex(), claimed)
	}
	return got, nil
}
