package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-meter/internal/identity"
	"github.com/vnmchuo/llm-meter/internal/ledger"
)

// fakeLedger applies the half-open window contract to an in-memory entry
// list, mirroring the Postgres store's behavior.
type fakeLedger struct {
	entries     []*ledger.Entry
	rollupCalls int
	err         error
}

func (f *fakeLedger) QueryWindow(ctx context.Context, start, end time.Time) ([]*ledger.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*ledger.Entry
	for _, e := range f.entries {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) RollupByUser(ctx context.Context, start, end time.Time) ([]*ledger.UserRollup, error) {
	f.rollupCalls++
	entries, err := f.QueryWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}
	byUser := map[string]*ledger.UserRollup{}
	var order []string
	for _, e := range entries {
		r, ok := byUser[e.UserID]
		if !ok {
			r = &ledger.UserRollup{UserID: e.UserID}
			byUser[e.UserID] = r
			order = append(order, e.UserID)
		}
		r.TotalPriceUSD = r.TotalPriceUSD.Add(e.TotalPriceUSD)
		r.Conversions++
		r.Tokens += e.Tokens.Total
	}
	out := make([]*ledger.UserRollup, 0, len(order))
	for _, id := range order {
		out = append(out, byUser[id])
	}
	return out, nil
}

type mockIdentityStore struct {
	users       map[string]*identity.User
	getUserFunc func(ctx context.Context, userID string) (*identity.User, error)
}

func (m *mockIdentityStore) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	if m.getUserFunc != nil {
		return m.getUserFunc(ctx, userID)
	}
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, identity.ErrUserNotFound
}

func newTestEngine(l ledger.Reader, i identity.Store) *Engine {
	return NewEngine(l, i, noop.NewTracerProvider().Tracer("test"), 4)
}

func entry(userID, modelID string, ts time.Time, price string, tokens int64) *ledger.Entry {
	return &ledger.Entry{
		UserID:        userID,
		ModelID:       modelID,
		Timestamp:     ts,
		TotalPriceUSD: decimal.RequireFromString(price),
		Tokens:        ledger.TokenCounts{Total: tokens},
	}
}

func rowFor(t *testing.T, rows []Row, email string) Row {
	t.Helper()
	for _, r := range rows {
		if r.User.Email == email {
			return r
		}
	}
	t.Fatalf("No row for %s in %v", email, rows)
	return Row{}
}

var (
	jan = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	mar = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func testUsers() map[string]*identity.User {
	return map[string]*identity.User{
		"u1": {ID: "u1", Name: "Alice", Email: "alice@example.com", Role: identity.RoleMember},
		"u2": {ID: "u2", Name: "Bob", Email: "bob@example.com", Role: identity.RoleMember},
	}
}

func TestBuildReport_InvalidWindow(t *testing.T) {
	l := &fakeLedger{}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	_, err := e.BuildReport(context.Background(), feb, jan)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow, got %v", err)
	}

	_, err = e.BuildReport(context.Background(), jan, jan)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow for start == end, got %v", err)
	}

	if l.rollupCalls != 0 {
		t.Errorf("Expected ledger untouched on invalid window, got %d calls", l.rollupCalls)
	}
}

func TestBuildReport_EndToEnd(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", jan.Add(24*time.Hour), "0.10", 100),
		entry("u1", "gpt-4", jan.Add(48*time.Hour), "0.20", 200),
		entry("u1", "gpt-3.5-turbo", jan.Add(72*time.Hour), "0.05", 50),
		entry("u2", "gpt-4o", jan.Add(96*time.Hour), "1.00", 500),
	}}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	rows, err := e.BuildReport(context.Background(), jan, feb)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}

	u1 := rowFor(t, rows, "alice@example.com")
	if !u1.TotalPriceUSD.Equal(decimal.RequireFromString("0.35")) {
		t.Errorf("Expected u1 total 0.35, got %s", u1.TotalPriceUSD)
	}
	if u1.Conversions != 3 {
		t.Errorf("Expected u1 conversions 3, got %d", u1.Conversions)
	}
	if u1.Tokens != 350 {
		t.Errorf("Expected u1 tokens 350, got %d", u1.Tokens)
	}

	u2 := rowFor(t, rows, "bob@example.com")
	if !u2.TotalPriceUSD.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Expected u2 total 1.00, got %s", u2.TotalPriceUSD)
	}
	if u2.Conversions != 1 {
		t.Errorf("Expected u2 conversions 1, got %d", u2.Conversions)
	}
	if u2.Tokens != 500 {
		t.Errorf("Expected u2 tokens 500, got %d", u2.Tokens)
	}
}

func TestBuildReport_BoundaryEntryExcluded(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", feb, "0.10", 100), // exactly at window end
	}}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	rows, err := e.BuildReport(context.Background(), jan, feb)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected entry at window end to be excluded, got %d rows", len(rows))
	}

	rows, err = e.BuildReport(context.Background(), feb, mar)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Conversions != 1 {
		t.Errorf("Expected entry to land in the window starting at its timestamp, got %v", rows)
	}
}

func TestBuildReport_AdjacentWindowsAdditive(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", jan.Add(10*24*time.Hour), "0.10", 100),
		entry("u1", "gpt-4", feb, "0.20", 200), // boundary: second window only
		entry("u1", "gpt-4", feb.Add(5*24*time.Hour), "0.30", 300),
		entry("u2", "gpt-4o", jan.Add(20*24*time.Hour), "1.00", 500),
	}}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	first, err := e.BuildReport(context.Background(), jan, feb)
	if err != nil {
		t.Fatalf("BuildReport [jan,feb) failed: %v", err)
	}
	second, err := e.BuildReport(context.Background(), feb, mar)
	if err != nil {
		t.Fatalf("BuildReport [feb,mar) failed: %v", err)
	}
	whole, err := e.BuildReport(context.Background(), jan, mar)
	if err != nil {
		t.Fatalf("BuildReport [jan,mar) failed: %v", err)
	}

	sum := func(rows []Row) (conversions int, tokens int64, price decimal.Decimal) {
		for _, r := range rows {
			conversions += r.Conversions
			tokens += r.Tokens
			price = price.Add(r.TotalPriceUSD)
		}
		return
	}

	c1, t1, p1 := sum(first)
	c2, t2, p2 := sum(second)
	cw, tw, pw := sum(whole)

	if c1+c2 != cw {
		t.Errorf("Conversions not additive across boundary: %d + %d != %d", c1, c2, cw)
	}
	if t1+t2 != tw {
		t.Errorf("Tokens not additive across boundary: %d + %d != %d", t1, t2, tw)
	}
	if !p1.Add(p2).Equal(pw) {
		t.Errorf("Cost not additive across boundary: %s + %s != %s", p1, p2, pw)
	}
}

func TestBuildReport_OrphanGroupDropped(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", jan.Add(time.Hour), "0.10", 100),
		entry("ghost", "gpt-4", jan.Add(2*time.Hour), "9.99", 9000),
	}}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	rows, err := e.BuildReport(context.Background(), jan, feb)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected orphan group dropped, got %d rows", len(rows))
	}
	if rows[0].User.Email != "alice@example.com" {
		t.Errorf("Expected surviving row for u1, got %v", rows[0].User)
	}
	if !rows[0].TotalPriceUSD.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("Orphan group leaked into sums: got %s", rows[0].TotalPriceUSD)
	}
}

func TestBuildReport_LedgerUnavailable(t *testing.T) {
	l := &fakeLedger{err: errors.New("connection refused")}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	_, err := e.BuildReport(context.Background(), jan, feb)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got %v", err)
	}
}

func TestBuildReport_IdentityUnavailable(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", jan.Add(time.Hour), "0.10", 100),
	}}
	i := &mockIdentityStore{getUserFunc: func(ctx context.Context, userID string) (*identity.User, error) {
		return nil, errors.New("identity service timeout")
	}}
	e := newTestEngine(l, i)

	_, err := e.BuildReport(context.Background(), jan, feb)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable, got %v", err)
	}
}

func TestBuildReport_ContextCancelled(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u1", "gpt-4", jan.Add(time.Hour), "0.10", 100),
		entry("u2", "gpt-4o", jan.Add(2*time.Hour), "1.00", 500),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	i := &mockIdentityStore{getUserFunc: func(ctx context.Context, userID string) (*identity.User, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := newTestEngine(l, i)

	rows, err := e.BuildReport(ctx, jan, feb)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Errorf("Expected ErrDataUnavailable on cancellation, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation cause preserved, got %v", err)
	}
	if rows != nil {
		t.Errorf("Expected no partial rows on cancellation, got %v", rows)
	}
}

func TestBuildReport_NoZeroUsageRows(t *testing.T) {
	l := &fakeLedger{entries: []*ledger.Entry{
		entry("u2", "gpt-4o", jan.Add(time.Hour), "1.00", 500),
	}}
	e := newTestEngine(l, &mockIdentityStore{users: testUsers()})

	rows, err := e.BuildReport(context.Background(), jan, feb)
	if err != nil {
		t.Fatalf("BuildReport failed: %v", err)
	}
	for _, r := range rows {
		if r.User.Email == "alice@example.com" {
			t.Errorf("Expected no row for user without entries, got %v", r)
		}
	}
	if len(rows) != 1 {
		t.Errorf("Expected exactly 1 row, got %d", len(rows))
	}
}
