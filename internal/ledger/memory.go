// Package ledger provides an in-process implementation of the asset custody
// ledger with ERC-20 style balances and allowances.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	asset common.Address
	owner common.Address
}

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// Memory implements domain.AccountLedger in memory. Atomic batches hold the
// ledger lock for their whole duration and are undone from a journal when
// the batch fails.
type Memory struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Atomic runs fn against a journaled view of the ledger. All movements made
// through the tx commit when fn returns nil; otherwise they are reverted.
func (m *Memory) Atomic(ctx context.Context, operator common.Address, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ledger: atomic: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:          m,
		operator:   operator,
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// BalanceOf returns the balance of owner in asset.
func (m *Memory) BalanceOf(_ context.Context, asset, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(balanceKey{asset, owner}), nil
}

// Approve sets the amount spender may move out of owner's account.
func (m *Memory) Approve(_ context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: approve: %w", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{asset, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns the amount spender may still move out of owner's account.
func (m *Memory) Allowance(_ context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.allowances[allowanceKey{asset, owner, spender}]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

// Mint credits amount of asset to to. It is used for genesis balances and
// tests.
func (m *Memory) Mint(_ context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: mint: %w", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{asset, to}
	m.balances[k] = new(big.Int).Add(m.balance(k), amount)
	return nil
}

// balance returns a copy of the stored balance. Callers must hold mu.
func (m *Memory) balance(k balanceKey) *big.Int {
	if v, ok := m.balances[k]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// memoryTx journals the first prior value of every entry it touches.
type memoryTx struct {
	m          *Memory
	operator   common.Address
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func (tx *memoryTx) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ledger: transfer: %w", err)
	}
	if err := tx.move(asset, tx.operator, to, amount); err != nil {
		return fmt.Errorf("ledger: transfer %s to %s: %w", amount, to.Hex(), err)
	}
	return nil
}

func (tx *memoryTx) TransferFrom(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ledger: transfer from: %w", err)
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: transfer from: %w", domain.ErrInvalidAmount)
	}

	if tx.m.balance(balanceKey{asset, from}).Cmp(amount) < 0 {
		return fmt.Errorf("ledger: transfer from %s: %w", from.Hex(), domain.ErrInsufficientBalance)
	}

	// Moving from the operator's own account needs no allowance.
	if from != tx.operator {
		ak := allowanceKey{asset, from, tx.operator}
		allowed := new(big.Int)
		if v, ok := tx.m.allowances[ak]; ok {
			allowed.Set(v)
		}
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("ledger: transfer from %s: %w", from.Hex(), domain.ErrInsufficientAllowance)
		}
		tx.touchAllowance(ak)
		tx.m.allowances[ak] = allowed.Sub(allowed, amount)
	}

	if err := tx.move(asset, from, to, amount); err != nil {
		return fmt.Errorf("ledger: transfer from %s to %s: %w", from.Hex(), to.Hex(), err)
	}
	return nil
}

func (tx *memoryTx) move(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	fk := balanceKey{asset, from}
	have := tx.m.balance(fk)
	if have.Cmp(amount) < 0 {
		return domain.ErrInsufficientBalance
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}

	tk := balanceKey{asset, to}
	tx.touchBalance(fk)
	tx.touchBalance(tk)
	tx.m.balances[fk] = have.Sub(have, amount)
	tx.m.balances[tk] = new(big.Int).Add(tx.m.balance(tk), amount)
	return nil
}

func (tx *memoryTx) touchBalance(k balanceKey) {
	if _, seen := tx.balances[k]; seen {
		return
	}
	if v, ok := tx.m.balances[k]; ok {
		tx.balances[k] = new(big.Int).Set(v)
	} else {
		tx.balances[k] = nil
	}
}

func (tx *memoryTx) touchAllowance(k allowanceKey) {
	if _, seen := tx.allowances[k]; seen {
		return
	}
	if v, ok := tx.m.allowances[k]; ok {
		tx.allowances[k] = new(big.Int).Set(v)
	} else {
		tx.allowances[k] = nil
	}
}

func (tx *memoryTx) rollback() {
	for k, v := range tx.balances {
		if v == nil {
			delete(tx.m.balances, k)
		} else {
			tx.m.balances[k] = v
		}
	}
	for k, v := range tx.allowances {
		if v == nil {
			delete(tx.m.allowances, k)
		} else {
			tx.m.allowances[k] = v
		}
	}
}

// Compile-time interface check.
var _ domain.AccountLedger = (*Memory)(nil)
