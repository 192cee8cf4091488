package recurring

import (
	"testing"
	"time"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start time.Time
		unit  domain.FrequencyUnit
		count int
		want  time.Time
	}{
		{"one day", date(2024, time.January, 15), domain.FrequencyDay, 1, date(2024, time.January, 16)},
		{"two weeks", date(2024, time.January, 15), domain.FrequencyWeek, 2, date(2024, time.January, 29)},
		{"one month", date(2024, time.January, 15), domain.FrequencyMonth, 1, date(2024, time.February, 15)},
		{"month over short february", date(2024, time.January, 31), domain.FrequencyMonth, 1, date(2024, time.March, 2)},
		{"one year over leap day", date(2024, time.February, 29), domain.FrequencyYear, 1, date(2025, time.March, 1)},
		{"year", date(2024, time.June, 1), domain.FrequencyYear, 1, date(2025, time.June, 1)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := AddInterval(tt.start, tt.unit, tt.count)
			if !got.Equal(tt.want) {
				t.Fatalf("AddInterval() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextScheduled(t *testing.T) {
	t.Parallel()

	got := NextScheduled(date(2024, time.January, 15), domain.FrequencyMonth, 1)
	if !got.Equal(date(2024, time.February, 15)) {
		t.Fatalf("NextScheduled() = %s, want 2024-02-15", got)
	}
}

func TestCycleDay(t *testing.T) {
	t.Parallel()

	if day := CycleDay(date(2024, time.February, 15)); day != 15 {
		t.Fatalf("CycleDay() = %d, want 15", day)
	}
}

func TestEndDateRunsThroughEndOfDay(t *testing.T) {
	t.Parallel()

	got := EndDate(date(2024, time.January, 15), domain.FrequencyMonth, 1, 5)
	want := time.Date(2024, time.June, 15, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("EndDate() = %s, want %s", got, want)
	}
}

func TestEndDateMultiUnitInterval(t *testing.T) {
	t.Parallel()

	// 4 installments billed every 3 months span a year.
	got := EndDate(date(2024, time.January, 15), domain.FrequencyMonth, 3, 4)
	want := time.Date(2025, time.January, 15, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("EndDate() = %s, want %s", got, want)
	}
}
