// Package feepolicy implements the premium fee calculator consulted by the
// engine at fill time.
package feepolicy

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/fixedpoint"
	"github.com/ethereum/go-ethereum/common"
)

// Calculator keeps per-asset fee rates (wad fractions of 1.0), a supported
// flag per asset and a single fee recipient. Only the owner may change them.
type Calculator struct {
	mu        sync.RWMutex
	owner     common.Address
	recipient common.Address
	rates     map[common.Address]*big.Int
	supported map[common.Address]bool
}

// NewCalculator creates a Calculator governed by owner. Fees are paid to
// recipient until changed.
func NewCalculator(owner, recipient common.Address) *Calculator {
	return &Calculator{
		owner:     owner,
		recipient: recipient,
		rates:     make(map[common.Address]*big.Int),
		supported: make(map[common.Address]bool),
	}
}

// GetFee returns amount*rate for a supported asset.
func (c *Calculator) GetFee(_ context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.supported[asset] {
		return nil, fmt.Errorf("feepolicy: get fee %s: %w", asset.Hex(), domain.ErrUnsupportedAsset)
	}
	return Fee(amount, c.rates[asset]), nil
}

// FeeRecipient returns the principal that receives premium fees.
func (c *Calculator) FeeRecipient(context.Context) (common.Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recipient, nil
}

// Rate returns the configured rate for asset and whether it is supported.
func (c *Calculator) Rate(asset common.Address) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate := new(big.Int)
	if r, ok := c.rates[asset]; ok {
		rate.Set(r)
	}
	return rate, c.supported[asset]
}

// SetFeeRate changes the fee rate of asset. The rate must be below 1.0.
func (c *Calculator) SetFeeRate(_ context.Context, caller, asset common.Address, rate *big.Int) error {
	if err := ValidateRate(rate); err != nil {
		return fmt.Errorf("feepolicy: set fee rate: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("feepolicy: set fee rate: %w", domain.ErrUnauthorized)
	}
	c.rates[asset] = new(big.Int).Set(rate)
	return nil
}

// SetSupported toggles whether asset may be quoted.
func (c *Calculator) SetSupported(_ context.Context, caller, asset common.Address, supported bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("feepolicy: set supported: %w", domain.ErrUnauthorized)
	}
	c.supported[asset] = supported
	return nil
}

// SetFeeRecipient changes the fee recipient.
func (c *Calculator) SetFeeRecipient(_ context.Context, caller, recipient common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("feepolicy: set fee recipient: %w", domain.ErrUnauthorized)
	}
	c.recipient = recipient
	return nil
}

// Fee applies a wad rate to amount. A nil rate is zero.
func Fee(amount, rate *big.Int) *big.Int {
	if rate == nil || rate.Sign() == 0 || amount == nil {
		return new(big.Int)
	}
	return fixedpoint.Mul(amount, rate)
}

// ValidateRate checks that rate is in [0, 1).
func ValidateRate(rate *big.Int) error {
	if rate == nil || rate.Sign() < 0 || rate.Cmp(fixedpoint.One()) >= 0 {
		return domain.ErrInvalidFeeRate
	}
	return nil
}

// Compile-time interface check.
var _ domain.FeePolicy = (*Calculator)(nil)
