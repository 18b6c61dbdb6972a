package worker

import (
	"testing"
	"time"
)

func TestPreviousMonthWindow(t *testing.T) {
	start, end := previousMonthWindow(time.Date(2024, 2, 15, 9, 0, 0, 0, time.UTC))

	if !start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected start 2024-01-01, got %s", start)
	}
	if !end.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected end 2024-02-01, got %s", end)
	}
}

func TestPreviousMonthWindow_JanuaryWrapsToDecember(t *testing.T) {
	start, end := previousMonthWindow(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))

	if !start.Equal(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected start 2023-12-01, got %s", start)
	}
	if !end.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected end 2024-01-01, got %s", end)
	}
}

func TestMonthKey(t *testing.T) {
	key := monthKey(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if key != "report:monthly:2024-01" {
		t.Errorf("Expected report:monthly:2024-01, got %s", key)
	}
}
