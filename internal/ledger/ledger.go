package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type TokenCounts struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Entry is one immutable record of a completed LLM request. ModelID is the
// raw identifier reported by the serving pipeline and may be a vendor
// alias; normalize before matching it against the model registry.
type Entry struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	ModelID       string          `json:"model_id"`
	Timestamp     time.Time       `json:"timestamp"`
	TotalPriceUSD decimal.Decimal `json:"total_price_usd"`
	Tokens        TokenCounts     `json:"tokens"`
	LatencyMs     int64           `json:"latency_ms"`
}

// UserRollup is one user's aggregate over a query window.
type UserRollup struct {
	UserID        string
	TotalPriceUSD decimal.Decimal
	Conversions   int
	Tokens        int64
}

// Reader provides read access to the append-only usage ledger. Both
// queries take a half-open window [start, end): an entry stamped exactly
// at end belongs to the next window, never this one.
type Reader interface {
	QueryWindow(ctx context.Context, start, end time.Time) ([]*Entry, error)
	RollupByUser(ctx context.Context, start, end time.Time) ([]*UserRollup, error)
}

// Writer is the seam the serving pipeline writes through. The metering
// core itself never mutates the ledger.
type Writer interface {
	Append(ctx context.Context, entry *Entry) error
}

type Store interface {
	Reader
	Writer
}
