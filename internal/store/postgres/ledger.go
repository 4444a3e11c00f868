package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// Ledger implements domain.AccountLedger on two tables: ledger_balances and
// ledger_allowances. Each Atomic call is one serializable transaction.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Atomic runs fn inside a transaction and commits when fn returns nil.
func (l *Ledger) Atomic(ctx context.Context, operator common.Address, fn func(tx domain.LedgerTx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: ledger begin: %w", err)
	}

	if err := fn(&ledgerTx{tx: tx, operator: operator}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: ledger rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: ledger commit: %w", err)
	}
	return nil
}

// BalanceOf returns owner's balance of asset.
func (l *Ledger) BalanceOf(ctx context.Context, asset, owner common.Address) (*big.Int, error) {
	return readAmount(ctx, l.pool,
		`SELECT amount::text FROM ledger_balances WHERE asset = $1 AND owner = $2`,
		asset.Hex(), owner.Hex())
}

// Allowance returns how much spender may move out of owner's account.
func (l *Ledger) Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	return readAmount(ctx, l.pool,
		`SELECT amount::text FROM ledger_allowances WHERE asset = $1 AND owner = $2 AND spender = $3`,
		asset.Hex(), owner.Hex(), spender.Hex())
}

// Approve sets the allowance of spender over owner's asset.
func (l *Ledger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("postgres: approve: %w", domain.ErrInvalidAmount)
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO ledger_allowances (asset, owner, spender, amount)
		VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (asset, owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		asset.Hex(), owner.Hex(), spender.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("postgres: approve %s: %w", spender.Hex(), err)
	}
	return nil
}

// Mint credits new units of asset to to.
func (l *Ledger) Mint(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("postgres: mint: %w", domain.ErrInvalidAmount)
	}
	if err := credit(ctx, l.pool, asset, to, amount); err != nil {
		return fmt.Errorf("postgres: mint: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// readAmount scans a single numeric column. A missing row is zero.
func readAmount(ctx context.Context, q querier, query string, args ...any) (*big.Int, error) {
	var text string
	if err := q.QueryRow(ctx, query, args...).Scan(&text); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, err
	}
	v, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", text)
	}
	return v, nil
}

func credit(ctx context.Context, q querier, asset, to common.Address, amount *big.Int) error {
	_, err := q.Exec(ctx, `
		INSERT INTO ledger_balances (asset, owner, amount)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (asset, owner) DO UPDATE SET amount = ledger_balances.amount + EXCLUDED.amount`,
		asset.Hex(), to.Hex(), amount.String())
	return err
}

type ledgerTx struct {
	tx       pgx.Tx
	operator common.Address
}

func (t *ledgerTx) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	if err := t.move(ctx, asset, t.operator, to, amount); err != nil {
		return fmt.Errorf("postgres: transfer to %s: %w", to.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) TransferFrom(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("postgres: transfer from: %w", domain.ErrInvalidAmount)
	}
	bal, err := readAmount(ctx, t.tx,
		`SELECT amount::text FROM ledger_balances WHERE asset = $1 AND owner = $2 FOR UPDATE`,
		asset.Hex(), from.Hex())
	if err != nil {
		return fmt.Errorf("postgres: transfer from %s: %w", from.Hex(), err)
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("postgres: transfer from %s: %w", from.Hex(), domain.ErrInsufficientBalance)
	}

	if from != t.operator {
		tag, err := t.tx.Exec(ctx, `
			UPDATE ledger_allowances SET amount = amount - $4::numeric
			WHERE asset = $1 AND owner = $2 AND spender = $3 AND amount >= $4::numeric`,
			asset.Hex(), from.Hex(), t.operator.Hex(), amount.String())
		if err != nil {
			return fmt.Errorf("postgres: spend allowance: %w", err)
		}
		if tag.RowsAffected() == 0 && amount.Sign() > 0 {
			return fmt.Errorf("postgres: transfer from %s: %w", from.Hex(), domain.ErrInsufficientAllowance)
		}
	}

	if err := t.move(ctx, asset, from, to, amount); err != nil {
		return fmt.Errorf("postgres: transfer from %s to %s: %w", from.Hex(), to.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) move(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return domain.ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE ledger_balances SET amount = amount - $3::numeric
		WHERE asset = $1 AND owner = $2 AND amount >= $3::numeric`,
		asset.Hex(), from.Hex(), amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientBalance
	}
	return credit(ctx, t.tx, asset, to, amount)
}

// Compile-time interface check.
var _ domain.AccountLedger = (*Ledger)(nil)
