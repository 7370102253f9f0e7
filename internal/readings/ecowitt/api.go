package ecowitt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/i474232898/station-readings/internal/readings"
)

const (
	pageSize = 100

	// WindowSpan is the length of one history request; the API rejects
	// ranges much longer than a month.
	WindowSpan = 31 * 24 * time.Hour
	// WindowStep is how far successive windows advance, so consecutive
	// windows overlap by one day.
	WindowStep = 30 * 24 * time.Hour

	isoLayout = "2006-01-02T15:04:05"
)

// Device is a station registered to the account.
type Device struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	MAC         string          `json:"mac"`
	Type        int             `json:"type"`
	DateZoneID  string          `json:"date_zone_id"`
	StationType string          `json:"stationtype"`
	Longitude   decimal.Decimal `json:"longitude"`
	Latitude    decimal.Decimal `json:"latitude"`
}

// LiveReading is the current value of one category on one device.
type LiveReading struct {
	Time  time.Time
	Unit  string
	Value decimal.Decimal
}

// Window is one history request range.
type Window struct {
	Start time.Time
	End   time.Time
}

// unit selection sent with every data request: Celsius, hPa, km/h, mm, W/m².
func unitParams(params url.Values) url.Values {
	params.Set("temp_unitid", "1")
	params.Set("pressure_unitid", "3")
	params.Set("wind_speed_unitid", "7")
	params.Set("rainfall_unitid", "12")
	params.Set("solar_irradiance_unitid", "14")
	return params
}

// TestCredentials lists devices and reports false only when the keys were
// rejected. Other failures are returned as errors.
func (c *Client) TestCredentials(ctx context.Context) (bool, error) {
	_, err := c.ListDevices(ctx)
	if err == nil {
		return true, nil
	}
	if IsAuthentication(err) {
		return false, nil
	}
	return false, err
}

type devicePage struct {
	Total json.Number `json:"total"`
	List  []Device    `json:"list"`
}

// ListDevices walks every page of /device/list. It stops once the reported
// total is reached or a page comes back empty, whichever happens first.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var all []Device
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageSize))
		params.Set("page", strconv.Itoa(page))

		data, err := c.get(ctx, "/device/list", params)
		if err != nil {
			return nil, err
		}
		var p devicePage
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, serviceErr("unable to decode device list", err)
		}
		total, err := p.Total.Int64()
		if err != nil {
			return nil, serviceErr(fmt.Sprintf("invalid device total %q", p.Total), err)
		}

		all = append(all, p.List...)
		if len(p.List) == 0 || int64(len(all)) >= total {
			return all, nil
		}
	}
}

// Windows splits [start, now) into history request ranges. Each is at most
// WindowSpan long and starts WindowStep after the previous one; the last is
// clipped to now.
func Windows(start, now time.Time) []Window {
	var out []Window
	for s := start; s.Before(now); s = s.Add(WindowStep) {
		end := s.Add(WindowSpan)
		if end.After(now) {
			end = now
		}
		out = append(out, Window{Start: s, End: end})
	}
	return out
}

// History fetches every window from start until now for one device and
// merges the results. The first failing window aborts the whole call.
func (c *Client) History(ctx context.Context, mac string, cat readings.Category, start time.Time) (map[time.Time]decimal.Decimal, error) {
	all := make(map[time.Time]decimal.Decimal)
	for _, w := range Windows(start, c.clock.Now()) {
		values, err := c.historyWindow(ctx, mac, cat, w)
		if err != nil {
			return nil, fmt.Errorf("history %s..%s: %w", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly), err)
		}
		for ts, v := range values {
			all[ts] = v
		}
	}
	return all, nil
}

type historySeries struct {
	Unit string                     `json:"unit"`
	List map[string]decimal.Decimal `json:"list"`
}

func (c *Client) historyWindow(ctx context.Context, mac string, cat readings.Category, w Window) (map[time.Time]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("mac", mac)
	params.Set("start_date", w.Start.In(c.loc).Format(isoLayout))
	params.Set("end_date", w.End.In(c.loc).Format(isoLayout))
	params.Set("cycle_type", "30min")
	params.Set("call_back", cat.Remote)

	data, err := c.get(ctx, "/device/history", unitParams(params))
	if err != nil {
		return nil, err
	}
	if isEmpty(data) {
		return nil, nil
	}

	var groups map[string]map[string]historySeries
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, serviceErr("unable to decode history", err)
	}
	g1, g2 := cat.RemoteGroups()
	series, ok := groups[g1][g2]
	if !ok {
		return nil, nil
	}

	out := make(map[time.Time]decimal.Decimal, len(series.List))
	for k, v := range series.List {
		unix, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, serviceErr(fmt.Sprintf("invalid history timestamp %q", k), err)
		}
		out[time.Unix(unix, 0).UTC()] = v
	}
	return out, nil
}

type liveValue struct {
	Time  json.Number     `json:"time"`
	Unit  string          `json:"unit"`
	Value decimal.Decimal `json:"value"`
}

// Live fetches the current value of cat on one device. A nil reading with a
// nil error means the device reported nothing for the category.
func (c *Client) Live(ctx context.Context, mac string, cat readings.Category) (*LiveReading, error) {
	params := url.Values{}
	params.Set("mac", mac)
	params.Set("call_back", cat.Remote)

	data, err := c.get(ctx, "/device/real_time", unitParams(params))
	if err != nil {
		return nil, err
	}
	if isEmpty(data) {
		return nil, nil
	}

	var groups map[string]map[string]liveValue
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, serviceErr("unable to decode live reading", err)
	}
	g1, g2 := cat.RemoteGroups()
	v, ok := groups[g1][g2]
	if !ok {
		return nil, nil
	}
	unix, err := v.Time.Int64()
	if err != nil {
		return nil, serviceErr(fmt.Sprintf("invalid live timestamp %q", v.Time), err)
	}
	return &LiveReading{Time: time.Unix(unix, 0).UTC(), Unit: v.Unit, Value: v.Value}, nil
}

// isEmpty reports whether data is null or an empty array or object, which the
// API returns for ranges without samples.
func isEmpty(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 ||
		bytes.Equal(d, []byte("null")) ||
		bytes.Equal(d, []byte("[]")) ||
		bytes.Equal(d, []byte("{}"))
}
