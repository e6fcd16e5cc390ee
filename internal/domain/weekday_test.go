package domain

import (
	"testing"
	"time"
)

func TestResolveDayBucketSameDay(t *testing.T) {
	// 2025-10-29 is a Wednesday.
	ref := time.Date(2025, time.October, 29, 15, 30, 0, 0, time.UTC)
	bucket := ResolveDayBucket(time.Wednesday, ref)

	wantStart := time.Date(2025, time.October, 29, 0, 0, 0, 0, time.UTC)
	if !bucket.Start.Equal(wantStart) {
		t.Fatalf("expected start %v got %v", wantStart, bucket.Start)
	}
	if !bucket.End.Equal(wantStart.AddDate(0, 0, 1)) {
		t.Fatalf("expected 24h interval, got end %v", bucket.End)
	}
}

func TestResolveDayBucketEarlierInWeek(t *testing.T) {
	ref := time.Date(2025, time.October, 29, 15, 30, 0, 0, time.UTC)
	bucket := ResolveDayBucket(time.Monday, ref)

	wantStart := time.Date(2025, time.October, 27, 0, 0, 0, 0, time.UTC)
	if !bucket.Start.Equal(wantStart) {
		t.Fatalf("expected start %v got %v", wantStart, bucket.Start)
	}
}

func TestResolveDayBucketWrapsToPreviousWeek(t *testing.T) {
	// Asking for Saturday on a Wednesday resolves four days back, not ahead.
	ref := time.Date(2025, time.October, 29, 15, 30, 0, 0, time.UTC)
	bucket := ResolveDayBucket(time.Saturday, ref)

	wantStart := time.Date(2025, time.October, 25, 0, 0, 0, 0, time.UTC)
	if !bucket.Start.Equal(wantStart) {
		t.Fatalf("expected start %v got %v", wantStart, bucket.Start)
	}
}

func TestResolveDayBucketSundayOrdering(t *testing.T) {
	// Sunday is day 0: on a Sunday, resolving Sunday is the same day and
	// resolving Saturday is yesterday.
	ref := time.Date(2025, time.November, 2, 8, 0, 0, 0, time.UTC)

	sunday := ResolveDayBucket(time.Sunday, ref)
	if got := sunday.Start.Day(); got != 2 {
		t.Fatalf("expected Sunday bucket on the 2nd, got day %d", got)
	}

	saturday := ResolveDayBucket(time.Saturday, ref)
	if got := saturday.Start.Day(); got != 1 {
		t.Fatalf("expected Saturday bucket on the 1st, got day %d", got)
	}
}

func TestResolveDayBucketIsDeterministic(t *testing.T) {
	ref := time.Date(2026, time.January, 7, 23, 59, 59, 0, time.UTC)
	a := ResolveDayBucket(time.Monday, ref)
	b := ResolveDayBucket(time.Monday, ref)
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) {
		t.Fatalf("expected identical buckets, got %v and %v", a, b)
	}

	wantStart := time.Date(2026, time.January, 5, 0, 0, 0, 0, time.UTC)
	if !a.Start.Equal(wantStart) {
		t.Fatalf("expected start %v got %v", wantStart, a.Start)
	}
}

func TestDayBucketHalfOpen(t *testing.T) {
	bucket := DayBucketOf(time.Date(2025, time.October, 29, 12, 0, 0, 0, time.UTC))

	if !bucket.Contains(bucket.Start) {
		t.Fatal("bucket must contain its start")
	}
	if bucket.Contains(bucket.End) {
		t.Fatal("bucket must not contain its end")
	}
	if !bucket.Contains(bucket.End.Add(-time.Nanosecond)) {
		t.Fatal("bucket must contain the last instant before end")
	}
}

func TestWeekdaySet(t *testing.T) {
	set := WeekdaySet(0).With(time.Monday).With(time.Friday)

	if !set.Has(time.Monday) || !set.Has(time.Friday) {
		t.Fatal("expected monday and friday enabled")
	}
	if set.Has(time.Sunday) || set.Has(time.Tuesday) {
		t.Fatal("unexpected weekday enabled")
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if !AllWeekdays.Has(d) {
			t.Fatalf("AllWeekdays missing %s", d)
		}
	}
}
