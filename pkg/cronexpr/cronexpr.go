// Package cronexpr evaluates the restricted 5-field cron dialect used by
// scraper config frequencies. It recognizes only the handful of forms the
// dashboard offers; anything else degrades to a safe one-hour fallback so
// a bad expression can never stall scheduling.
package cronexpr

import (
	"strconv"
	"strings"
	"time"
)

const (
	// FallbackInterval is returned for any expression we cannot evaluate.
	FallbackInterval = time.Hour

	// RetryInterval overrides the schedule after a failed run.
	RetryInterval = 30 * time.Minute
)

// NextRun computes the next eligible run instant after now. When isRetry
// is set the expression is ignored entirely and the run is pushed out by
// RetryInterval. The function is pure and never returns an instant at or
// before now.
func NextRun(expr string, now time.Time, isRetry bool) time.Time {
	if isRetry {
		return now.Add(RetryInterval)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return now.Add(FallbackInterval)
	}

	minuteField, hourField := fields[0], fields[1]

	// Both wildcards: every minute.
	if minuteField == "*" && hourField == "*" {
		return now.Add(time.Minute)
	}

	if step, ok := parseStep(minuteField); ok {
		return nextMinuteStep(now, step)
	}

	if step, ok := parseStep(hourField); ok {
		minute, err := strconv.Atoi(minuteField)
		if err != nil || minute < 0 || minute > 59 {
			return now.Add(FallbackInterval)
		}
		return nextHourStep(now, step, minute)
	}

	if strings.Contains(hourField, ",") {
		minute, err := strconv.Atoi(minuteField)
		if err != nil || minute < 0 || minute > 59 {
			return now.Add(FallbackInterval)
		}
		return nextListedHour(now, hourField, minute)
	}

	minute, errM := strconv.Atoi(minuteField)
	hour, errH := strconv.Atoi(hourField)
	if errM != nil || errH != nil || minute < 0 || minute > 59 || hour < 0 || hour > 23 {
		return now.Add(FallbackInterval)
	}
	return nextFixedTime(now, hour, minute)
}

// parseStep recognizes the */N form and returns N.
func parseStep(field string) (int, bool) {
	if !strings.HasPrefix(field, "*/") {
		return 0, false
	}
	n, err := strconv.Atoi(field[2:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func nextMinuteStep(now time.Time, step int) time.Time {
	next := now.Truncate(time.Minute)
	next = next.Add(time.Duration(step-next.Minute()%step) * time.Minute)
	if !next.After(now) {
		next = next.Add(time.Duration(step) * time.Minute)
	}
	return next
}

func nextHourStep(now time.Time, step int, minute int) time.Time {
	hour := now.Hour() - now.Hour()%step
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for !next.After(now) {
		next = next.Add(time.Duration(step) * time.Hour)
	}
	return next
}

func nextListedHour(now time.Time, hourField string, minute int) time.Time {
	var hours []int
	for _, part := range strings.Split(hourField, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || h < 0 || h > 23 {
			return now.Add(FallbackInterval)
		}
		hours = append(hours, h)
	}

	var earliest time.Time
	for _, h := range hours {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), h, minute, 0, 0, now.Location())
		if candidate.After(now) && (earliest.IsZero() || candidate.Before(earliest)) {
			earliest = candidate
		}
	}
	if !earliest.IsZero() {
		return earliest
	}

	// Nothing left today: earliest listed hour tomorrow.
	first := hours[0]
	for _, h := range hours[1:] {
		if h < first {
			first = h
		}
	}
	return time.Date(now.Year(), now.Month(), now.Day(), first, minute, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func nextFixedTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
