// Package schedule implements the working-time SLA clock used to plan
// instance task due dates.
package schedule

import (
	"fmt"
	"time"
)

// ComputeDueDate returns start + durationMinutes + slaHours, pushed forward
// by whole days while the result lands on a Saturday or Sunday. The addition
// itself is linear wall-clock time; only the final timestamp is weekend
// adjusted. No holiday calendar.
func ComputeDueDate(start time.Time, durationMinutes, slaHours int) time.Time {
	due := start.Add(time.Duration(durationMinutes) * time.Minute)
	due = due.Add(time.Duration(slaHours) * time.Hour)
	for due.Weekday() == time.Saturday || due.Weekday() == time.Sunday {
		due = due.AddDate(0, 0, 1)
	}
	return due
}

// Remaining describes the time between now and a due date for display.
// Nothing in the engine transitions on it.
type Remaining struct {
	Overdue   bool   `json:"is_overdue"`
	Days      int    `json:"days"`
	Hours     int    `json:"hours"`
	Formatted string `json:"formatted"`
}

// TimeRemaining decomposes due-now into whole days and remainder hours.
func TimeRemaining(due, now time.Time) Remaining {
	diff := due.Sub(now)
	overdue := diff < 0
	if overdue {
		diff = -diff
	}
	totalHours := int(diff.Hours())
	r := Remaining{
		Overdue: overdue,
		Days:    totalHours / 24,
		Hours:   totalHours % 24,
	}
	switch {
	case overdue && r.Days > 0:
		r.Formatted = fmt.Sprintf("OVERDUE by %dd %dh", r.Days, r.Hours)
	case overdue:
		r.Formatted = fmt.Sprintf("OVERDUE by %dh", r.Hours)
	case r.Days > 0:
		r.Formatted = fmt.Sprintf("%dd %dh", r.Days, r.Hours)
	default:
		r.Formatted = fmt.Sprintf("%dh", r.Hours)
	}
	return r
}
