package schedule

import (
	"testing"
	"time"
)

func TestComputeDueDateWeekdayUnchanged(t *testing.T) {
	// Friday 09:00 + 60min + 2h = Friday 12:00, still a weekday.
	start := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	due := ComputeDueDate(start, 60, 2)
	want := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestComputeDueDateWeekendDeferral(t *testing.T) {
	// Friday 23:00 + 120min + 3h = Saturday 04:00 -> Monday 04:00.
	start := time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC)
	due := ComputeDueDate(start, 120, 3)
	want := time.Date(2025, 1, 13, 4, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
}

func TestComputeDueDateNeverOnWeekend(t *testing.T) {
	start := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC) // Monday
	for dur := 0; dur <= 300; dur += 30 {
		for sla := 0; sla <= 200; sla += 7 {
			due := ComputeDueDate(start, dur, sla)
			if wd := due.Weekday(); wd == time.Saturday || wd == time.Sunday {
				t.Fatalf("due %v falls on %v (dur=%d sla=%d)", due, wd, dur, sla)
			}
			raw := start.Add(time.Duration(dur)*time.Minute + time.Duration(sla)*time.Hour)
			if due.Before(raw) {
				t.Fatalf("due %v before raw %v", due, raw)
			}
		}
	}
}

func TestComputeDueDateDeterministic(t *testing.T) {
	start := time.Date(2025, 6, 6, 17, 30, 0, 0, time.UTC)
	a := ComputeDueDate(start, 45, 80)
	b := ComputeDueDate(start, 45, 80)
	if !a.Equal(b) {
		t.Fatalf("expected identical results, got %v and %v", a, b)
	}
}

func TestTimeRemaining(t *testing.T) {
	now := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

	r := TimeRemaining(now.Add(26*time.Hour), now)
	if r.Overdue || r.Days != 1 || r.Hours != 2 || r.Formatted != "1d 2h" {
		t.Fatalf("unexpected remaining: %+v", r)
	}

	r = TimeRemaining(now.Add(5*time.Hour), now)
	if r.Overdue || r.Days != 0 || r.Formatted != "5h" {
		t.Fatalf("unexpected remaining: %+v", r)
	}

	r = TimeRemaining(now.Add(-90*time.Minute), now)
	if !r.Overdue || r.Days != 0 || r.Hours != 1 || r.Formatted != "OVERDUE by 1h" {
		t.Fatalf("unexpected overdue: %+v", r)
	}

	r = TimeRemaining(now.Add(-50*time.Hour), now)
	if !r.Overdue || r.Days != 2 || r.Hours != 2 || r.Formatted != "OVERDUE by 2d 2h" {
		t.Fatalf("unexpected overdue: %+v", r)
	}
}
