package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	query := `
		INSERT INTO usage_ledger (user_id, model_id, ts, total_price_usd, prompt_tokens, completion_tokens, total_tokens, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		entry.UserID, entry.ModelID, entry.Timestamp, entry.TotalPriceUSD.String(),
		entry.Tokens.Prompt, entry.Tokens.Completion, entry.Tokens.Total, entry.LatencyMs,
	).Scan(&entry.ID)

	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

func (s *PostgresStore) QueryWindow(ctx context.Context, start, end time.Time) ([]*Entry, error) {
	// Half-open window: ts at exactly end belongs to the next window.
	query := `
		SELECT id, user_id, model_id, ts, total_price_usd::text, prompt_tokens, completion_tokens, total_tokens, latency_ms
		FROM usage_ledger
		WHERE ts >= $1 AND ts < $2
	`
	rows, err := s.db.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger window: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var price string
		err := rows.Scan(
			&e.ID, &e.UserID, &e.ModelID, &e.Timestamp, &price,
			&e.Tokens.Prompt, &e.Tokens.Completion, &e.Tokens.Total, &e.LatencyMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.TotalPriceUSD, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ledger price %q: %w", price, err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) RollupByUser(ctx context.Context, start, end time.Time) ([]*UserRollup, error) {
	// Sums stay in numeric all the way to the text scan; costs never pass
	// through float64.
	query := `
		SELECT user_id, SUM(total_price_usd)::text, COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM usage_ledger
		WHERE ts >= $1 AND ts < $2
		GROUP BY user_id
	`
	rows, err := s.db.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up ledger window: %w", err)
	}
	defer rows.Close()

	var rollups []*UserRollup
	for rows.Next() {
		var r UserRollup
		var price string
		if err := rows.Scan(&r.UserID, &price, &r.Conversions, &r.Tokens); err != nil {
			return nil, fmt.Errorf("failed to scan rollup: %w", err)
		}
		r.TotalPriceUSD, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("failed to parse rollup price %q: %w", price, err)
		}
		rollups = append(rollups, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollups: %w", err)
	}

	return rollups, nil
}
