package report

import "time"

// MonthWindow returns the half-open UTC calendar-month window containing
// t. Adjacent months share a boundary instant without overlap: an entry
// stamped exactly at the boundary counts toward the later month only.
func MonthWindow(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
