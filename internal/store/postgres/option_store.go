package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/optionbook/internal/domain"
)

// OptionStore implements domain.OptionStore using PostgreSQL.
type OptionStore struct {
	pool *pgxpool.Pool
}

// NewOptionStore creates a new OptionStore backed by the given connection pool.
func NewOptionStore(pool *pgxpool.Pool) *OptionStore {
	return &OptionStore{pool: pool}
}

// Save upserts o. Immutable columns are only written on insert.
func (s *OptionStore) Save(ctx context.Context, o domain.Option) error {
	const query = `
		INSERT INTO options (
			id, creator, seller, buyer,
			underlying_amount, strike_amount, premium_amount, period_seconds,
			create_timestamp, expiration_timestamp, order_type, state, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8,
			$9, $10, $11, $12, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			seller = EXCLUDED.seller,
			buyer = EXCLUDED.buyer,
			create_timestamp = EXCLUDED.create_timestamp,
			expiration_timestamp = EXCLUDED.expiration_timestamp,
			state = EXCLUDED.state,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		int64(o.ID), o.Creator.Hex(), addrOrNil(o.Seller), addrOrNil(o.Buyer),
		o.UnderlyingAmount.String(), o.StrikeAmount.String(), o.PremiumAmount.String(), o.PeriodSeconds,
		timeOrNil(o.CreateTimestamp), timeOrNil(o.ExpirationTimestamp),
		string(o.OrderType), string(o.State),
	)
	if err != nil {
		return fmt.Errorf("postgres: save option %d: %w", o.ID, err)
	}
	return nil
}

// Delete removes a record. Only used to undo a create whose ledger batch
// failed to commit.
func (s *OptionStore) Delete(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM options WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("postgres: delete option %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const optionSelectCols = `id, creator, seller, buyer,
	underlying_amount::text, strike_amount::text, premium_amount::text, period_seconds,
	create_timestamp, expiration_timestamp, order_type, state`

func scanOptionFromRow(scanner interface{ Scan(dest ...any) error }) (domain.Option, error) {
	var (
		o                           domain.Option
		id                          int64
		creator                     string
		seller, buyer               *string
		underlying, strikeAmt, prem string
		created, expires            *time.Time
		orderType, state            string
	)
	err := scanner.Scan(
		&id, &creator, &seller, &buyer,
		&underlying, &strikeAmt, &prem, &o.PeriodSeconds,
		&created, &expires, &orderType, &state,
	)
	if err != nil {
		return domain.Option{}, err
	}

	o.ID = uint64(id)
	o.Creator = common.HexToAddress(creator)
	if seller != nil {
		o.Seller = common.HexToAddress(*seller)
	}
	if buyer != nil {
		o.Buyer = common.HexToAddress(*buyer)
	}
	if created != nil {
		o.CreateTimestamp = created.UTC()
	}
	if expires != nil {
		o.ExpirationTimestamp = expires.UTC()
	}
	o.OrderType = domain.OrderType(orderType)
	o.State = domain.OptionState(state)

	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&o.UnderlyingAmount, underlying},
		{&o.StrikeAmount, strikeAmt},
		{&o.PremiumAmount, prem},
	} {
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return domain.Option{}, fmt.Errorf("option %d: bad amount %q", id, f.src)
		}
		*f.dst = v
	}
	return o, nil
}

func scanOptionRows(rows pgx.Rows) ([]domain.Option, error) {
	var out []domain.Option
	for rows.Next() {
		o, err := scanOptionFromRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetByID retrieves a single record.
func (s *OptionStore) GetByID(ctx context.Context, id uint64) (domain.Option, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+optionSelectCols+` FROM options WHERE id = $1`, int64(id))

	o, err := scanOptionFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Option{}, domain.ErrNotFound
		}
		return domain.Option{}, fmt.Errorf("postgres: get option %d: %w", id, err)
	}
	return o, nil
}

// LoadAll returns every record in id order, archived ones included.
func (s *OptionStore) LoadAll(ctx context.Context) ([]domain.Option, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+optionSelectCols+` FROM options ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load options: %w", err)
	}
	defer rows.Close()

	out, err := scanOptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan options: %w", err)
	}
	return out, nil
}

// ListTerminalBefore returns unarchived terminal records last updated before
// the cutoff, oldest first.
func (s *OptionStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Option, error) {
	query := `SELECT ` + optionSelectCols + ` FROM options
		WHERE state IN ('exercised', 'expired', 'closed', 'canceled')
		  AND archived_at IS NULL
		  AND updated_at < $1
		ORDER BY updated_at, id`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal options: %w", err)
	}
	defer rows.Close()

	out, err := scanOptionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal options: %w", err)
	}
	return out, nil
}

// MarkArchived records where a batch of records was exported.
func (s *OptionStore) MarkArchived(ctx context.Context, ids []uint64, path string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE options SET archived_at = NOW(), archive_path = $2 WHERE id = ANY($1)`,
		keys, path)
	if err != nil {
		return fmt.Errorf("postgres: mark %d options archived: %w", len(ids), err)
	}
	return nil
}

func addrOrNil(a common.Address) *string {
	if a == (common.Address{}) {
		return nil
	}
	v := a.Hex()
	return &v
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
