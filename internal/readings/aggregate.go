package readings

import (
	"time"

	"github.com/shopspring/decimal"
)

// averagePlaces is the number of decimal places kept by StatAverage.
// Rounding is half-to-even.
const averagePlaces = 2

// Summary is one aggregated row: the bucket span and its derived value.
// Device is only set for Daily rows, where readings pass through unchanged.
type Summary struct {
	Bucket
	Device string
	Value  decimal.Decimal
}

// Filter narrows aggregation output. Zero fields mean "any".
type Filter struct {
	Year  int
	Month time.Month
}

// Fold reduces the values of one bucket under the policy. values must not be
// empty.
func (st Stat) Fold(values []decimal.Decimal) decimal.Decimal {
	switch st {
	case StatHigh:
		return decimal.Max(values[0], values[1:]...)
	case StatLow:
		return decimal.Min(values[0], values[1:]...)
	case StatAverage:
		return decimal.Avg(values[0], values[1:]...).RoundBank(averagePlaces)
	default:
		return decimal.Sum(values[0], values[1:]...)
	}
}

// Aggregate groups readings by the timeframe's bucket, folds each group with
// the policy and keeps the buckets matching the filter. Buckets come out in the
// order their first reading was seen; callers wanting date order pass sorted
// input. Daily is the identity: readings are only filtered.
func Aggregate(rs []Reading, tf Timeframe, st Stat, f Filter) []Summary {
	if tf == Yearly {
		f.Month = 0
	}

	if tf == Daily {
		out := make([]Summary, 0, len(rs))
		for _, r := range rs {
			b := dayBucket(r.Date)
			if !b.Matches(f.Year, f.Month) {
				continue
			}
			out = append(out, Summary{Bucket: b, Device: r.Key().Device, Value: r.Value})
		}
		return out
	}

	bucketOf := tf.BucketFunc()
	var order []Bucket
	grouped := make(map[Bucket][]decimal.Decimal)
	for _, r := range rs {
		b := bucketOf(r.Date)
		if _, ok := grouped[b]; !ok {
			order = append(order, b)
		}
		grouped[b] = append(grouped[b], r.Value)
	}

	out := make([]Summary, 0, len(order))
	for _, b := range order {
		if !b.Matches(f.Year, f.Month) {
			continue
		}
		out = append(out, Summary{Bucket: b, Value: st.Fold(grouped[b])})
	}
	return out
}

// Tail keeps the last n rows of a date-ascending sequence, i.e. the most
// recent ones. n <= 0 keeps everything.
func Tail(rows []Summary, n int) []Summary {
	if n <= 0 || len(rows) <= n {
		return rows
	}
	return rows[len(rows)-n:]
}
