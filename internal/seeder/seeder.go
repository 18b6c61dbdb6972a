package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/llm-meter/internal/gate"
	"github.com/vnmchuo/llm-meter/internal/ledger"
)

const (
	AdminToken    = "admin-token-12345"
	AdminUserID   = "00000000-0000-0000-0000-000000000001"
	SampleUserID  = "00000000-0000-0000-0000-000000000002"
	SampleUserID2 = "00000000-0000-0000-0000-000000000003"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Seed creates an admin access token, a few users, and sample ledger
// entries for local development. Safe to rerun.
func Seed(ctx context.Context, db DB, tokens gate.Store, entries ledger.Writer) {
	users := []struct {
		id, name, email, role string
	}{
		{AdminUserID, "Admin", "admin@example.com", "admin"},
		{SampleUserID, "Alice", "alice@example.com", "member"},
		{SampleUserID2, "Bob", "bob@example.com", "member"},
	}
	for _, u := range users {
		_, err := db.Exec(ctx, `
			INSERT INTO users (id, name, email, role)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING
		`, u.id, u.name, u.email, u.role)
		if err != nil {
			log.Printf("[Seeder] failed to seed user %s: %v", u.email, err)
			return
		}
	}

	h := sha256.New()
	h.Write([]byte(AdminToken))
	tok := &gate.AccessToken{
		UserID:    AdminUserID,
		TokenHash: hex.EncodeToString(h.Sum(nil)),
		Active:    true,
	}
	if err := tokens.Create(ctx, tok); err != nil {
		log.Printf("[Seeder] admin token may already exist, skipping: %v", err)
		return
	}

	now := time.Now().UTC()
	samples := []*ledger.Entry{
		{UserID: SampleUserID, ModelID: "gpt-4", Timestamp: now.Add(-48 * time.Hour), TotalPriceUSD: decimal.RequireFromString("0.10"), Tokens: ledger.TokenCounts{Prompt: 80, Completion: 20, Total: 100}},
		{UserID: SampleUserID, ModelID: "gpt-35-turbo", Timestamp: now.Add(-24 * time.Hour), TotalPriceUSD: decimal.RequireFromString("0.05"), Tokens: ledger.TokenCounts{Prompt: 40, Completion: 10, Total: 50}},
		{UserID: SampleUserID2, ModelID: "gpt-4o", Timestamp: now.Add(-12 * time.Hour), TotalPriceUSD: decimal.RequireFromString("1.00"), Tokens: ledger.TokenCounts{Prompt: 400, Completion: 100, Total: 500}},
	}
	for _, e := range samples {
		if err := entries.Append(ctx, e); err != nil {
			log.Printf("[Seeder] failed to seed ledger entry: %v", err)
			return
		}
	}

	log.Printf("[Seeder] Seed data created successfully")
	log.Printf("[Seeder] Admin token: %s", AdminToken)
}
