// Package report builds per-user usage and cost summaries over half-open
// time windows.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-meter/internal/identity"
	"github.com/vnmchuo/llm-meter/internal/ledger"
)

var (
	// ErrInvalidWindow rejects windows with start >= end. Not retryable.
	ErrInvalidWindow = errors.New("invalid report window")
	// ErrDataUnavailable means the ledger or identity collaborator could
	// not be reached. The caller may retry the whole report request; the
	// engine never retries internally.
	ErrDataUnavailable = errors.New("usage data unavailable")
)

type RowUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Row is one user's aggregate for the requested window. Rows are returned
// in unspecified order; callers re-sort as needed.
type Row struct {
	User          RowUser         `json:"user"`
	TotalPriceUSD decimal.Decimal `json:"totalPriceUSD"`
	Conversions   int             `json:"conversions"`
	Tokens        int64           `json:"tokens"`
}

// Engine aggregates ledger rollups and joins them to identity records. It
// holds no per-request state; one Engine serves concurrent BuildReport
// calls.
type Engine struct {
	ledger      ledger.Reader
	identity    identity.Store
	tracer      trace.Tracer
	breaker     *gobreaker.CircuitBreaker
	concurrency int
}

func NewEngine(ledgerReader ledger.Reader, identityStore identity.Store, tracer trace.Tracer, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	settings := gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Engine{
		ledger:      ledgerReader,
		identity:    identityStore,
		tracer:      tracer,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		concurrency: concurrency,
	}
}

// BuildReport aggregates the half-open window [start, end) into one row
// per user with at least one ledger entry. Groups whose user has no
// resolvable identity are logged and dropped: a row must always carry a
// complete identity.
func (e *Engine) BuildReport(ctx context.Context, start, end time.Time) ([]Row, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidWindow, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	ctx, span := e.tracer.Start(ctx, "report.build")
	defer span.End()
	span.SetAttributes(
		attribute.String("window.start", start.Format(time.RFC3339)),
		attribute.String("window.end", end.Format(time.RFC3339)),
	)

	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.ledger.RollupByUser(ctx, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}
	rollups := result.([]*ledger.UserRollup)

	var (
		mu      sync.Mutex
		rows    = make([]Row, 0, len(rollups))
		dropped int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, rollup := range rollups {
		g.Go(func() error {
			user, err := e.identity.GetUser(gctx, rollup.UserID)
			if err != nil {
				if errors.Is(err, identity.ErrUserNotFound) {
					// Upstream data defect, not ours: drop the group but
					// keep it observable.
					log.Printf("report: dropping usage group for unknown user %s (%d conversions)", rollup.UserID, rollup.Conversions)
					mu.Lock()
					dropped++
					mu.Unlock()
					return nil
				}
				return err
			}

			mu.Lock()
			rows = append(rows, Row{
				User:          RowUser{Name: user.Name, Email: user.Email},
				TotalPriceUSD: rollup.TotalPriceUSD,
				Conversions:   rollup.Conversions,
				Tokens:        rollup.Tokens,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataUnavailable, err)
	}

	span.SetAttributes(
		attribute.Int("report.rows", len(rows)),
		attribute.Int("report.dropped_groups", dropped),
	)

	return rows, nil
}
