package domain

import "time"

// WeekdaySet is a bitset of enabled weekdays. Bit i corresponds to
// time.Weekday(i), so Sunday is bit 0 and Saturday is bit 6.
type WeekdaySet uint8

// AllWeekdays has every weekday enabled.
const AllWeekdays WeekdaySet = 0x7F

// Has reports whether the given weekday is enabled in the set.
func (s WeekdaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

// With returns a copy of the set with the given weekday enabled.
func (s WeekdaySet) With(d time.Weekday) WeekdaySet {
	return s | 1<<uint(d)
}

// DayBucket is the half-open 24-hour interval [Start, End) that deduplicates
// per-day records. Start is always midnight UTC.
type DayBucket struct {
	Start time.Time
	End   time.Time
}

// Date returns the calendar date identifying the bucket.
func (b DayBucket) Date() time.Time {
	return b.Start
}

// Contains reports whether t falls inside the bucket.
func (b DayBucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// ResolveDayBucket maps a weekday to the bucket of its most recent occurrence
// on or before ref's calendar date, i.e. "this week's" slot for that weekday.
// Weekday ordering follows time.Weekday (Sunday=0..Saturday=6). The function
// is pure: the reference instant is always an explicit input.
func ResolveDayBucket(day time.Weekday, ref time.Time) DayBucket {
	if day < time.Sunday || day > time.Saturday {
		panic("domain: weekday out of range")
	}
	ref = ref.UTC()
	back := int(ref.Weekday()) - int(day)
	if back < 0 {
		back += 7
	}
	start := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -back)
	return DayBucket{Start: start, End: start.AddDate(0, 0, 1)}
}

// DayBucketOf returns the bucket containing the given instant.
func DayBucketOf(t time.Time) DayBucket {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return DayBucket{Start: start, End: start.AddDate(0, 0, 1)}
}
