package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// TimeRange is a closed [Start, End] instant interval. A zero Start means
// "-infinity"; used as the sentinel for "no lower bound".
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within [Start, End] inclusive. A zero
// Start/End acts as -infinity/+infinity respectively.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

var (
	relativeAgoRe = regexp.MustCompile(`(?i)^(\d+)\s*(hour|day|week|month)s?\s+ago$`)
	shortUnitRe   = regexp.MustCompile(`(?i)^(\d+)([hdwm])$`)
	lastWeekdayRe = regexp.MustCompile(`(?i)^last\s+(mon|tue|wed|thu|fri|sat|sun)[a-z]*$`)
	isoDateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
)

var weekdayByPrefix = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

// ParseTimeRange parses the supported time-range expressions: named ranges
// (today, yesterday, this_week, last_week, this_month, last_month,
// this_year), "N <unit>s ago", short forms like 3d or 2h, "last <weekday>",
// and ISO dates. expr is normalised case-insensitively with underscores
// treated as spaces. customStart/customEnd, when non-nil, override the named
// range's bounds. now anchors every relative computation.
func ParseTimeRange(expr string, now time.Time, customStart, customEnd *time.Time) (TimeRange, error) {
	var r TimeRange
	norm := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(expr, "_", " ")))

	switch norm {
	case "":
		// no named range; customStart/customEnd (if any) still apply below.
	case "today":
		r.Start = startOfDay(now)
		r.End = now
	case "yesterday":
		y := startOfDay(now).AddDate(0, 0, -1)
		r.Start = y
		r.End = startOfDay(now).Add(-time.Nanosecond)
	case "this week":
		r.Start = startOfWeek(now)
		r.End = now
	case "last week":
		thisWeek := startOfWeek(now)
		r.Start = thisWeek.AddDate(0, 0, -7)
		r.End = thisWeek.Add(-time.Nanosecond)
	case "this month":
		r.Start = startOfMonth(now)
		r.End = now
	case "last month":
		thisMonth := startOfMonth(now)
		r.Start = thisMonth.AddDate(0, -1, 0)
		r.End = thisMonth.Add(-time.Nanosecond)
	case "this year":
		r.Start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())
		r.End = now
	default:
		if m := relativeAgoRe.FindStringSubmatch(norm); m != nil {
			n, _ := strconv.Atoi(m[1])
			d := unitDuration(m[2], n)
			r.Start = now.Add(-d)
			r.End = now
		} else if m := shortUnitRe.FindStringSubmatch(norm); m != nil {
			n, _ := strconv.Atoi(m[1])
			d := unitDuration(shortUnitName(m[2]), n)
			r.Start = now.Add(-d)
			r.End = now
		} else if m := lastWeekdayRe.FindStringSubmatch(norm); m != nil {
			target, ok := weekdayByPrefix[m[1]]
			if !ok {
				return r, fmt.Errorf("search: unknown weekday %q", m[1])
			}
			day := lastWeekday(now, target)
			r.Start = startOfDay(day)
			r.End = startOfDay(day).AddDate(0, 0, 1).Add(-time.Nanosecond)
		} else if isoDateRe.MatchString(norm) {
			t, err := dateparse.ParseAny(expr)
			if err != nil {
				return r, fmt.Errorf("search: parse iso date %q: %w", expr, err)
			}
			r.Start = t
			r.End = endOfDayIfDateOnly(expr, t)
		} else {
			return r, fmt.Errorf("search: unrecognised time range %q", expr)
		}
	}

	if customStart != nil {
		r.Start = *customStart
	}
	if customEnd != nil {
		r.End = *customEnd
	}
	return r, nil
}

// endOfDayIfDateOnly extends a bare YYYY-MM-DD to the end of that day so a
// date-only filter covers the whole day rather than just its first instant.
func endOfDayIfDateOnly(raw string, t time.Time) time.Time {
	if len(strings.TrimSpace(raw)) <= len("2006-01-02") {
		return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t
}

func unitDuration(unit string, n int) time.Duration {
	switch unit {
	case "hour":
		return time.Duration(n) * time.Hour
	case "day":
		return time.Duration(n) * 24 * time.Hour
	case "week":
		return time.Duration(n) * 7 * 24 * time.Hour
	case "month":
		return time.Duration(n) * 30 * 24 * time.Hour
	default:
		return 0
	}
}

func shortUnitName(abbrev string) string {
	switch strings.ToLower(abbrev) {
	case "h":
		return "hour"
	case "d":
		return "day"
	case "w":
		return "week"
	case "m":
		return "month"
	default:
		return ""
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent Monday at 00:00 (weeks begin Monday).
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}

// lastWeekday returns the most recent occurrence of target strictly before
// today; if today is target, it goes back a full 7 days.
func lastWeekday(now time.Time, target time.Weekday) time.Time {
	today := startOfDay(now)
	delta := (int(today.Weekday()) - int(target) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return today.AddDate(0, 0, -delta)
}

// RecencyBoost computes the additive time-recency ramp used when a temporal
// filter is active: a linear ramp from maxBoost at age 0 to 0 at
// decayDays, clipped to [0, maxBoost].
func RecencyBoost(lastModified, now time.Time, maxBoost, decayDays float64) float64 {
	if lastModified.IsZero() || decayDays <= 0 {
		return 0
	}
	ageDays := now.Sub(lastModified).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	boost := maxBoost * (1 - ageDays/decayDays)
	if boost < 0 {
		return 0
	}
	if boost > maxBoost {
		return maxBoost
	}
	return boost
}
