// Package worker precomputes monthly usage reports so the previous
// month's summary is served from cache instead of being re-aggregated on
// every admin request.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-meter/internal/report"
)

type Rollup struct {
	engine   *report.Engine
	cache    *redis.Client
	interval time.Duration
}

func NewRollup(engine *report.Engine, cache *redis.Client) *Rollup {
	return &Rollup{
		engine:   engine,
		cache:    cache,
		interval: 24 * time.Hour,
	}
}

// Run ticks until ctx is cancelled, rebuilding the previous calendar
// month's report each time. Failures are logged and retried on the next
// tick, never fatal.
func (w *Rollup) Run(ctx context.Context) {
	w.tick(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Rollup) tick(ctx context.Context) {
	start, end := previousMonthWindow(time.Now())

	rows, err := w.engine.BuildReport(ctx, start, end)
	if err != nil {
		log.Printf("worker: monthly rollup for %s failed: %v", start.Format("2006-01"), err)
		return
	}

	payload, err := json.Marshal(rows)
	if err != nil {
		log.Printf("worker: failed to encode monthly rollup: %v", err)
		return
	}

	key := monthKey(start)
	if err := w.cache.Set(ctx, key, payload, 0).Err(); err != nil {
		log.Printf("worker: failed to cache %s: %v", key, err)
		return
	}
	log.Printf("worker: cached %s (%d rows)", key, len(rows))
}

func previousMonthWindow(now time.Time) (time.Time, time.Time) {
	curStart, _ := report.MonthWindow(now)
	return report.MonthWindow(curStart.Add(-time.Nanosecond))
}

func monthKey(start time.Time) string {
	return fmt.Sprintf("report:monthly:%s", start.Format("2006-01"))
}
