package readings

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the bucket granularity of an aggregation.
type Timeframe string

const (
	Daily   Timeframe = "daily"
	Weekly  Timeframe = "weekly"
	Monthly Timeframe = "monthly"
	Yearly  Timeframe = "yearly"
)

// ParseTimeframe accepts a timeframe name case-insensitively. An empty
// string means Daily.
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case "":
		return Daily, nil
	case Daily, Weekly, Monthly, Yearly:
		return tf, nil
	default:
		return "", fmt.Errorf("unknown timeframe %q (allowed: daily, weekly, monthly, yearly)", s)
	}
}

// Bucket is the inclusive date span a reading is folded into.
type Bucket struct {
	Start Date
	End   Date
}

// BucketFunc maps a date to its bucket.
type BucketFunc func(Date) Bucket

// WeekBounds returns the Monday on or before d and the Sunday after it.
// A week may start in the previous month or year.
func WeekBounds(d Date) Bucket {
	offset := (int(d.Weekday()) + 6) % 7
	start := d.AddDays(-offset)
	return Bucket{Start: start, End: start.AddDays(6)}
}

// MonthKey returns d with the day forced to 1.
func MonthKey(d Date) Date {
	return NewDate(d.Year(), d.Month(), 1)
}

// YearKey returns d with the month and day forced to 1.
func YearKey(d Date) Date {
	return NewDate(d.Year(), time.January, 1)
}

func dayBucket(d Date) Bucket { return Bucket{Start: d, End: d} }

func weekBucket(d Date) Bucket { return WeekBounds(d) }

func monthBucket(d Date) Bucket {
	start := MonthKey(d)
	return Bucket{Start: start, End: NewDate(start.Year(), start.Month()+1, 0)}
}

func yearBucket(d Date) Bucket {
	start := YearKey(d)
	return Bucket{Start: start, End: NewDate(start.Year(), time.December, 31)}
}

// BucketFunc returns the grouping function for the timeframe.
func (tf Timeframe) BucketFunc() BucketFunc {
	switch tf {
	case Weekly:
		return weekBucket
	case Monthly:
		return monthBucket
	case Yearly:
		return yearBucket
	default:
		return dayBucket
	}
}

// Matches reports whether the bucket falls in the requested year and month.
// Zero means "any". Either end of the bucket may satisfy each filter, so a
// week spanning two months matches both of them.
func (b Bucket) Matches(year int, month time.Month) bool {
	if year != 0 && b.Start.Year() != year && b.End.Year() != year {
		return false
	}
	if month != 0 && b.Start.Month() != month && b.End.Month() != month {
		return false
	}
	return true
}
