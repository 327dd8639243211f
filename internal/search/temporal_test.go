package search

import (
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 7, 29, 15, 30, 0, 0, time.UTC) // Wednesday

func mustRange(t *testing.T, expr string) TimeRange {
	t.Helper()
	r, err := ParseTimeRange(expr, fixedNow, nil, nil)
	if err != nil {
		t.Fatalf("ParseTimeRange(%q): %v", expr, err)
	}
	return r
}

func TestNamedRanges(t *testing.T) {
	cases := map[string]struct {
		wantStartDay int
		wantEndDay   int
	}{
		"today":     {29, 29},
		"yesterday": {28, 28},
	}
	for expr, want := range cases {
		r := mustRange(t, expr)
		if r.Start.Day() != want.wantStartDay {
			t.Errorf("%s: Start.Day() = %d, want %d", expr, r.Start.Day(), want.wantStartDay)
		}
		if r.End.Day() != want.wantEndDay {
			t.Errorf("%s: End.Day() = %d, want %d", expr, r.End.Day(), want.wantEndDay)
		}
	}
}

func TestThisWeekStartsMonday(t *testing.T) {
	r := mustRange(t, "this_week")
	if r.Start.Weekday() != time.Monday {
		t.Errorf("this_week Start weekday = %v, want Monday", r.Start.Weekday())
	}
	if r.Start.After(fixedNow) {
		t.Errorf("this_week Start should not be after now")
	}
}

func TestLastWeekIsFullPreviousWeek(t *testing.T) {
	this := mustRange(t, "this_week")
	last := mustRange(t, "last_week")
	if !last.End.Before(this.Start) {
		t.Errorf("last_week.End (%v) should precede this_week.Start (%v)", last.End, this.Start)
	}
	if last.Start.Weekday() != time.Monday {
		t.Errorf("last_week Start weekday = %v, want Monday", last.Start.Weekday())
	}
}

func TestRelativeAgo(t *testing.T) {
	r := mustRange(t, "3 days ago")
	wantStart := fixedNow.Add(-3 * 24 * time.Hour)
	if !r.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", r.Start, wantStart)
	}
}

func TestShortUnit(t *testing.T) {
	r := mustRange(t, "2h")
	wantStart := fixedNow.Add(-2 * time.Hour)
	if !r.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", r.Start, wantStart)
	}
}

func TestLastWeekday(t *testing.T) {
	r := mustRange(t, "last monday")
	if r.Start.Weekday() != time.Monday {
		t.Errorf("Start weekday = %v, want Monday", r.Start.Weekday())
	}
	if !r.Start.Before(fixedNow) {
		t.Errorf("last monday should be strictly before now")
	}
}

func TestISODate(t *testing.T) {
	r := mustRange(t, "2026-07-01")
	if r.Start.Year() != 2026 || r.Start.Month() != 7 || r.Start.Day() != 1 {
		t.Errorf("Start = %v, want 2026-07-01", r.Start)
	}
	if r.End.Day() != 1 || r.End.Hour() != 23 {
		t.Errorf("bare date should extend End to end of day, got %v", r.End)
	}
}

func TestCustomOverrideWinsOverNamedRange(t *testing.T) {
	custom := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err := ParseTimeRange("today", fixedNow, &custom, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Start.Equal(custom) {
		t.Errorf("Start = %v, want override %v", r.Start, custom)
	}
}

func TestUnrecognisedExpressionErrors(t *testing.T) {
	if _, err := ParseTimeRange("not a time range", fixedNow, nil, nil); err == nil {
		t.Error("expected error for unrecognised expression")
	}
}

func TestRecencyBoostRamp(t *testing.T) {
	now := fixedNow
	if b := RecencyBoost(now, now, 0.2, 30); b != 0.2 {
		t.Errorf("boost at age 0 = %v, want 0.2", b)
	}
	if b := RecencyBoost(now.Add(-30*24*time.Hour), now, 0.2, 30); b != 0 {
		t.Errorf("boost at age==decayDays = %v, want 0", b)
	}
	if b := RecencyBoost(now.Add(-60*24*time.Hour), now, 0.2, 30); b != 0 {
		t.Errorf("boost beyond decayDays = %v, want clipped to 0", b)
	}
	if b := RecencyBoost(time.Time{}, now, 0.2, 30); b != 0 {
		t.Errorf("boost with zero lastModified = %v, want 0", b)
	}
}
