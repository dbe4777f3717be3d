package models

import "time"

// Bucket groups messages under date headers.
type Bucket string

const (
	BucketToday     Bucket = "today"
	BucketYesterday Bucket = "yesterday"
	BucketOlder     Bucket = "older"
)

// DayBucket places ts relative to now in the calendar of loc. Future
// timestamps count as today.
func DayBucket(ts, now time.Time, loc *time.Location) Bucket {
	if loc == nil {
		loc = time.Local
	}
	day := startOfDay(ts.In(loc))
	today := startOfDay(now.In(loc))
	switch {
	case !day.Before(today):
		return BucketToday
	case day.Equal(today.AddDate(0, 0, -1)):
		return BucketYesterday
	default:
		return BucketOlder
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
