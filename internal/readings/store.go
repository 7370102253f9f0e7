package readings

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned when a natural key holds no reading.
var ErrNotFound = errors.New("reading not found")

// ErrMalformedCSV is returned by Import when the upload cannot be decoded.
var ErrMalformedCSV = errors.New("malformed csv")

// ErrStatNotAllowed is returned when a category cannot be aggregated with the
// requested policy.
var ErrStatNotAllowed = errors.New("stat not available")

// Store is the contract every persistence backend satisfies. Backends keep at
// most one reading per (category, device, date).
type Store interface {
	// Merge writes readings for a category. A reading whose key is already
	// stored is combined with the stored value using rule. The stored results
	// are returned in input order.
	Merge(ctx context.Context, cat Category, rule MergeRule, rs ...Reading) ([]Reading, error)
	// Remove deletes the reading with the given key and reports whether one
	// existed. An absent key is not an error.
	Remove(ctx context.Context, cat Category, key Key) (bool, error)
	// List returns every reading of the category, scoped to one device when
	// device is non-empty. Order is unspecified.
	List(ctx context.Context, cat Category, device string) ([]Reading, error)
}

// MergeInto applies rs to set under rule and returns the resulting stored
// readings in input order. Backends holding the whole category in memory share
// this so that every backend resolves conflicts identically.
func MergeInto(set map[Key]Reading, rule MergeRule, rs ...Reading) []Reading {
	out := make([]Reading, 0, len(rs))
	for _, r := range rs {
		r = r.Normalize()
		k := r.Key()
		if existing, ok := set[k]; ok {
			r.Value = rule.Apply(existing.Value, r.Value)
		}
		set[k] = r
		out = append(out, r)
	}
	return out
}

// Sorted returns the readings of set ordered by Compare.
func Sorted(set map[Key]Reading) []Reading {
	out := make([]Reading, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	slices.SortFunc(out, Compare)
	return out
}

// FilterDevice keeps readings for one device; an empty device keeps all.
func FilterDevice(rs []Reading, device string) []Reading {
	if device == "" {
		return rs
	}
	out := make([]Reading, 0, len(rs))
	for _, r := range rs {
		if r.Key().Device == device {
			out = append(out, r)
		}
	}
	return out
}
