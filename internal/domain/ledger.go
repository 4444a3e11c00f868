package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerTx moves assets on behalf of an operator inside one atomic batch.
type LedgerTx interface {
	// Transfer moves amount of asset from the operator's own account to to.
	Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error
	// TransferFrom moves amount of asset from from to to, spending the
	// allowance from has granted the operator.
	TransferFrom(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
}

// Ledger is the asset custody collaborator. Every movement made through the
// LedgerTx passed to fn commits together when fn returns nil, or not at all.
type Ledger interface {
	Atomic(ctx context.Context, operator common.Address, fn func(tx LedgerTx) error) error
	BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error)
}

// AccountLedger extends Ledger with the account-holder operations exposed
// over the API.
type AccountLedger interface {
	Ledger
	Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)
	Mint(ctx context.Context, asset, to common.Address, amount *big.Int) error
}

// Clock supplies the current time. Implementations must never go backwards.
type Clock interface {
	Now() time.Time
}

// FeePolicy computes premium fees. GetFee fails with ErrUnsupportedAsset for
// assets that are not on the supported list.
type FeePolicy interface {
	GetFee(ctx context.Context, asset common.Address, amount *big.Int) (*big.Int, error)
	FeeRecipient(ctx context.Context) (common.Address, error)
}
