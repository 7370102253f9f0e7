package readings

import (
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

// MergeRule decides what happens when a write targets a key that already
// holds a value.
type MergeRule string

const (
	// MergeReplace always takes the incoming value.
	MergeReplace MergeRule = "replace"
	// MergeMax keeps the larger of the stored and incoming values.
	MergeMax MergeRule = "max"
	// MergeMin keeps the smaller of the stored and incoming values.
	MergeMin MergeRule = "min"
)

// Apply returns the value that should be stored for a key currently holding
// existing when candidate arrives.
func (m MergeRule) Apply(existing, candidate decimal.Decimal) decimal.Decimal {
	switch m {
	case MergeMax:
		if candidate.GreaterThan(existing) {
			return candidate
		}
		return existing
	case MergeMin:
		if candidate.LessThan(existing) {
			return candidate
		}
		return existing
	default:
		return candidate
	}
}

// Stat is an aggregation policy applied to the readings of one bucket.
type Stat string

const (
	StatTotal   Stat = "total"
	StatHigh    Stat = "high"
	StatLow     Stat = "low"
	StatAverage Stat = "average"
)

// ParseStat accepts a policy name case-insensitively.
func ParseStat(s string) (Stat, error) {
	switch st := Stat(strings.ToLower(strings.TrimSpace(s))); st {
	case StatTotal, StatHigh, StatLow, StatAverage:
		return st, nil
	default:
		return "", fmt.Errorf("unknown stat %q (allowed: total, high, low, average)", s)
	}
}

// Category is one measurement type: its remote source, how repeated writes
// for a day are merged and which aggregation policies make sense for it.
type Category struct {
	Name string
	// Remote is the "group_1.group_2" call_back selector understood by the
	// station API.
	Remote string
	Merge  MergeRule
	Stats  []Stat
	// Default is the policy used when a caller does not choose one.
	Default Stat
}

// Allows reports whether st may be used to aggregate this category.
func (c Category) Allows(st Stat) bool {
	return slices.Contains(c.Stats, st)
}

// RemoteGroups splits Remote into its two JSON group names.
func (c Category) RemoteGroups() (string, string) {
	g1, g2, _ := strings.Cut(c.Remote, ".")
	return g1, g2
}

var (
	rangeStats = []Stat{StatHigh, StatLow, StatAverage}

	Rainfall        = Category{Name: "rainfall", Remote: "rainfall.daily", Merge: MergeReplace, Stats: []Stat{StatTotal, StatHigh, StatAverage}, Default: StatTotal}
	Solar           = Category{Name: "solar", Remote: "solar_and_uvi.solar", Merge: MergeMax, Stats: rangeStats, Default: StatHigh}
	UVIndex         = Category{Name: "uv-index", Remote: "solar_and_uvi.uvi", Merge: MergeMax, Stats: rangeStats, Default: StatHigh}
	Wind            = Category{Name: "wind", Remote: "wind.wind_speed", Merge: MergeMax, Stats: rangeStats, Default: StatHigh}
	TemperatureHigh = Category{Name: "temperature-high", Remote: "indoor.temperature", Merge: MergeMax, Stats: rangeStats, Default: StatHigh}
	TemperatureLow  = Category{Name: "temperature-low", Remote: "indoor.temperature", Merge: MergeMin, Stats: rangeStats, Default: StatLow}
	Humidity        = Category{Name: "humidity", Remote: "indoor.humidity", Merge: MergeReplace, Stats: rangeStats, Default: StatAverage}
	Pressure        = Category{Name: "pressure", Remote: "pressure.relative", Merge: MergeReplace, Stats: rangeStats, Default: StatAverage}
)

// Categories lists every known category in display order.
func Categories() []Category {
	return []Category{Rainfall, Solar, UVIndex, Wind, TemperatureHigh, TemperatureLow, Humidity, Pressure}
}

// LookupCategory finds a category by name.
func LookupCategory(name string) (Category, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range Categories() {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}
