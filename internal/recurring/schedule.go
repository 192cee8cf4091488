// Package recurring orchestrates gateway subscriptions for recurring
// contributions and keeps the ledger schedule in step.
package recurring

import (
	"time"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

// AddInterval advances a date by count billing units using calendar-aware
// arithmetic. Month and year intervals have variable day counts, so
// fixed-duration addition would drift.
func AddInterval(t time.Time, unit domain.FrequencyUnit, count int) time.Time {
	switch unit {
	case domain.FrequencyDay:
		return t.AddDate(0, 0, count)
	case domain.FrequencyWeek:
		return t.AddDate(0, 0, 7*count)
	case domain.FrequencyMonth:
		return t.AddDate(0, count, 0)
	case domain.FrequencyYear:
		return t.AddDate(count, 0, 0)
	}
	return t
}

// NextScheduled is the date of the charge after start.
func NextScheduled(start time.Time, unit domain.FrequencyUnit, interval int) time.Time {
	if interval < 1 {
		interval = 1
	}
	return AddInterval(start, unit, interval)
}

// CycleDay is the day of month billing recurs on.
func CycleDay(next time.Time) int {
	return next.Day()
}

// EndDate is the inclusive end of a fixed-installment schedule: the start
// advanced by installments intervals, extended through end of day.
func EndDate(start time.Time, unit domain.FrequencyUnit, interval, installments int) time.Time {
	if interval < 1 {
		interval = 1
	}
	end := AddInterval(start, unit, installments*interval)
	return time.Date(end.Year(), end.Month(), end.Day(), 23, 59, 59, 0, end.Location())
}
