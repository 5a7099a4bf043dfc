package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS balances (
	user_id   TEXT   NOT NULL,
	asset     TEXT   NOT NULL,
	available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
	locked    BIGINT NOT NULL DEFAULT 0 CHECK (locked >= 0),
	PRIMARY KEY (user_id, asset)
);
CREATE TABLE IF NOT EXISTS ledger_refs (
	ref        TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresLedger applies each mutation as one transaction of conditional
// single-statement updates; a posting whose guard fails aborts the whole
// transaction.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Migrate creates the ledger tables if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, schema)
	return err
}

func (l *PostgresLedger) Close() { l.pool.Close() }

func (l *PostgresLedger) Balance(ctx context.Context, user, asset string) (Balance, error) {
	b := Balance{User: user, Asset: asset}
	err := l.pool.QueryRow(ctx,
		`SELECT available, locked FROM balances WHERE user_id = $1 AND asset = $2`,
		user, asset,
	).Scan(&b.Available, &b.Locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	return b, err
}

func (l *PostgresLedger) Balances(ctx context.Context, user string) ([]Balance, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT asset, available, locked FROM balances WHERE user_id = $1 ORDER BY asset`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Balance
	for rows.Next() {
		b := Balance{User: user}
		if err := rows.Scan(&b.Asset, &b.Available, &b.Locked); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Credit(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ctx, ref, creditPostings(user, asset, amount))
}

func (l *PostgresLedger) Lock(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ctx, ref, lockPostings(user, asset, amount))
}

func (l *PostgresLedger) Unlock(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ctx, ref, unlockPostings(user, asset, amount))
}

func (l *PostgresLedger) DebitLocked(ctx context.Context, ref, user, asset string, amount int64) error {
	if err := checkAmount(ref, amount); err != nil {
		return err
	}
	return l.apply(ctx, ref, debitPostings(user, asset, amount))
}

func (l *PostgresLedger) SettleTrade(ctx context.Context, t TradeSettlement) error {
	ps, err := t.Postings()
	if err != nil {
		return err
	}
	return l.apply(ctx, "trade:"+t.Ref, ps)
}

func (l *PostgresLedger) apply(ctx context.Context, ref string, postings []Posting) (err error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `INSERT INTO ledger_refs (ref) VALUES ($1) ON CONFLICT DO NOTHING`, ref)
	if err != nil {
		return fmt.Errorf("record ref %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		// already applied
		return tx.Rollback(ctx)
	}

	for _, p := range postings {
		if p.Available >= 0 && p.Locked >= 0 {
			_, err = tx.Exec(ctx, `
				INSERT INTO balances (user_id, asset, available, locked) VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, asset) DO UPDATE
				SET available = balances.available + EXCLUDED.available,
				    locked    = balances.locked + EXCLUDED.locked`,
				p.User, p.Asset, p.Available, p.Locked)
			if err != nil {
				return fmt.Errorf("credit %s %s: %w", p.User, p.Asset, err)
			}
			continue
		}

		tag, err = tx.Exec(ctx, `
			UPDATE balances
			SET available = available + $3, locked = locked + $4
			WHERE user_id = $1 AND asset = $2
			  AND available + $3 >= 0 AND locked + $4 >= 0`,
			p.User, p.Asset, p.Available, p.Locked)
		if err != nil {
			return fmt.Errorf("debit %s %s: %w", p.User, p.Asset, err)
		}
		if tag.RowsAffected() == 0 {
			var have Balance
			_ = tx.QueryRow(ctx, `SELECT available, locked FROM balances WHERE user_id = $1 AND asset = $2`,
				p.User, p.Asset).Scan(&have.Available, &have.Locked)
			err = insufficient(p, have)
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx %s: %w", ref, err)
	}
	return nil
}
