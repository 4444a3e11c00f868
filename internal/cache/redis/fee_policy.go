package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/feepolicy"
)

// FeePolicy implements domain.FeePolicy on Redis so every engine instance
// quotes from the same rates. Layout under the client prefix:
//
//	feepolicy:rates      hash   asset -> wad rate
//	feepolicy:supported  set    assets
//	feepolicy:recipient  string address
type FeePolicy struct {
	c     *Client
	owner common.Address
}

// NewFeePolicy creates a FeePolicy governed by owner.
func NewFeePolicy(c *Client, owner common.Address) *FeePolicy {
	return &FeePolicy{c: c, owner: owner}
}

func (p *FeePolicy) ratesKey() string     { return p.c.Key("feepolicy:rates") }
func (p *FeePolicy) supportedKey() string { return p.c.Key("feepolicy:supported") }
func (p *FeePolicy) recipientKey() string { return p.c.Key("feepolicy:recipient") }

// GetFee returns amount*rate for a supported asset.
func (p *FeePolicy) GetFee(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error) {
	field := asset.Hex()

	var (
		supported *redis.BoolCmd
		rate      *redis.StringCmd
	)
	_, err := p.c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		supported = pipe.SIsMember(ctx, p.supportedKey(), field)
		rate = pipe.HGet(ctx, p.ratesKey(), field)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get fee %s: %w", field, err)
	}
	if !supported.Val() {
		return nil, fmt.Errorf("redis: get fee %s: %w", field, domain.ErrUnsupportedAsset)
	}

	r := new(big.Int)
	if s, err := rate.Result(); err == nil {
		if _, ok := r.SetString(s, 10); !ok {
			return nil, fmt.Errorf("redis: get fee %s: bad stored rate %q", field, s)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get fee %s: %w", field, err)
	}
	return feepolicy.Fee(amount, r), nil
}

// FeeRecipient returns the stored recipient.
func (p *FeePolicy) FeeRecipient(ctx context.Context) (common.Address, error) {
	s, err := p.c.rdb.Get(ctx, p.recipientKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return common.Address{}, fmt.Errorf("redis: fee recipient: %w", domain.ErrNotFound)
		}
		return common.Address{}, fmt.Errorf("redis: fee recipient: %w", err)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("redis: fee recipient: bad stored address %q", s)
	}
	return common.HexToAddress(s), nil
}

// SetFeeRate stores the rate of asset. The rate must be below 1.0.
func (p *FeePolicy) SetFeeRate(ctx context.Context, caller, asset common.Address, rate *big.Int) error {
	if caller != p.owner {
		return fmt.Errorf("redis: set fee rate: %w", domain.ErrUnauthorized)
	}
	if err := feepolicy.ValidateRate(rate); err != nil {
		return fmt.Errorf("redis: set fee rate: %w", err)
	}
	if err := p.c.rdb.HSet(ctx, p.ratesKey(), asset.Hex(), rate.String()).Err(); err != nil {
		return fmt.Errorf("redis: set fee rate: %w", err)
	}
	return nil
}

// SetSupported adds or removes asset from the supported set.
func (p *FeePolicy) SetSupported(ctx context.Context, caller, asset common.Address, supported bool) error {
	if caller != p.owner {
		return fmt.Errorf("redis: set supported: %w", domain.ErrUnauthorized)
	}
	var err error
	if supported {
		err = p.c.rdb.SAdd(ctx, p.supportedKey(), asset.Hex()).Err()
	} else {
		err = p.c.rdb.SRem(ctx, p.supportedKey(), asset.Hex()).Err()
	}
	if err != nil {
		return fmt.Errorf("redis: set supported: %w", err)
	}
	return nil
}

// SetFeeRecipient stores the recipient.
func (p *FeePolicy) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	if caller != p.owner {
		return fmt.Errorf("redis: set fee recipient: %w", domain.ErrUnauthorized)
	}
	if err := p.c.rdb.Set(ctx, p.recipientKey(), recipient.Hex(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set fee recipient: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.FeePolicy = (*FeePolicy)(nil)
