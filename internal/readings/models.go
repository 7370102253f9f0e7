package readings

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultDevice labels readings that were stored without a device.
const DefaultDevice = "default"

const dateLayout = "2006-01-02"

// Date is a calendar date with no time-of-day. The wrapped time is always
// midnight UTC so two Dates for the same day compare equal with ==.
type Date struct {
	time.Time
}

// NewDate returns the Date for the given year, month and day. Out-of-range
// values are normalised the same way time.Date does.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates an instant to its calendar date as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return NewDate(local.Year(), local.Month(), local.Day())
}

// ParseDate parses an ISO-8601 calendar date (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{t}, nil
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return NewDate(d.Year(), d.Month(), d.Day()+n)
}

// Compare orders dates ascending.
func (d Date) Compare(o Date) int {
	return d.Time.Compare(o.Time)
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Key is the natural key of a Reading. Value never takes part in identity.
type Key struct {
	Device string
	Date   Date
}

func (k Key) String() string {
	return k.Device + "@" + k.Date.String()
}

// Reading is one measurement for one calendar day on one device.
type Reading struct {
	Device string          `json:"device"`
	Date   Date            `json:"datestamp"`
	Value  decimal.Decimal `json:"value"`
}

// Key returns the natural key, substituting DefaultDevice for an empty label.
func (r Reading) Key() Key {
	device := r.Device
	if device == "" {
		device = DefaultDevice
	}
	return Key{Device: device, Date: r.Date}
}

// Normalize fills the default device label.
func (r Reading) Normalize() Reading {
	r.Device = r.Key().Device
	return r
}

// SameKey reports whether a and b identify the same stored reading.
func SameKey(a, b Reading) bool {
	return a.Key() == b.Key()
}

// Compare orders readings by date ascending, then device label.
func Compare(a, b Reading) int {
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	return cmp.Compare(a.Key().Device, b.Key().Device)
}
