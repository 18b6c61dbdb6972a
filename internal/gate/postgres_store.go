package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func hashToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *PostgresStore) GetCallerByToken(ctx context.Context, token string) (*Caller, error) {
	tokenHash := hashToken(token)
	query := `
		SELECT t.id, u.id, u.name, u.role
		FROM access_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.active = true
	`

	var c Caller
	err := s.db.QueryRow(ctx, query, tokenHash).Scan(&c.TokenID, &c.UserID, &c.Name, &c.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}

	return &c, nil
}

func (s *PostgresStore) Create(ctx context.Context, tok *AccessToken) error {
	if tok.TokenHash == "" {
		return fmt.Errorf("token_hash is required")
	}

	query := `
		INSERT INTO access_tokens (user_id, token_hash, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query, tok.UserID, tok.TokenHash, tok.Active).Scan(&tok.ID, &tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create access token: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, tokenID string) error {
	query := `UPDATE access_tokens SET active = false WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}

	return nil
}
