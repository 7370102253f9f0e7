package ecowitt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/station-readings/internal/readings"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.slept = append(f.slept, d)
	return nil
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

var epoch = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, code int, msg string, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data}))
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	clock := newFakeClock(epoch)
	c := NewClient(Options{
		BaseURL:        srv.URL,
		ApplicationKey: "app-secret",
		APIKey:         "api-secret",
		HTTPClient:     srv.Client(),
		Clock:          clock,
		Limiter:        NewSlidingWindow(100, time.Minute, clock),
		Location:       time.UTC,
	})
	return c, clock
}

func TestSlidingWindow_DelaysOnlyWhenFull(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	w := NewSlidingWindow(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Acquire(ctx))
		clock.Advance(20 * time.Second)
	}
	assert.Empty(t, clock.slept)

	// The first call was 60s ago and has just left the window.
	require.NoError(t, w.Acquire(ctx))
	assert.Empty(t, clock.slept)

	// Three calls now sit at +20s, +40s and +60s; the next must wait for +20s to expire.
	require.NoError(t, w.Acquire(ctx))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 20*time.Second, clock.slept[0])
	assert.Equal(t, epoch.Add(80*time.Second), clock.Now())
}

func TestSlidingWindow_BurstWaitsFullPeriod(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(epoch)
	w := NewSlidingWindow(10, time.Minute, clock)

	for i := 0; i < 25; i++ {
		require.NoError(t, w.Acquire(ctx))
	}

	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, clock.slept)
}

func TestSlidingWindow_CancelledWhileWaiting(t *testing.T) {
	clock := newFakeClock(epoch)
	w := NewSlidingWindow(1, time.Minute, clock)
	require.NoError(t, w.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Acquire(ctx), context.Canceled)
}

func TestGet_SendsCredentialsAndMapsAuthError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app-secret", r.URL.Query().Get("application_key"))
		assert.Equal(t, "api-secret", r.URL.Query().Get("api_key"))
		writeEnvelope(t, w, 40010, "Illegal Application_Key Parameter", []any{})
	})

	_, err := c.ListDevices(context.Background())
	require.Error(t, err)
	assert.True(t, IsAuthentication(err))

	ok, err := c.TestCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_MapsFailuresToServiceError(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"api code": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(t, w, 40000, "Illegal parameter", nil)
		},
		"http status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, h)

			_, err := c.Live(context.Background(), "AA:BB", readings.Rainfall)

			var svcErr *ServiceError
			require.True(t, errors.As(err, &svcErr), "got %T: %v", err, err)
			assert.False(t, IsAuthentication(err))
			if name == "api code" {
				assert.Equal(t, 40000, svcErr.Code)
				assert.Contains(t, err.Error(), "Illegal parameter")
			}
		})
	}
}

func TestGet_ConnectionRefusedIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	clock := newFakeClock(epoch)
	c := NewClient(Options{BaseURL: srv.URL, Clock: clock})

	_, err := c.ListDevices(context.Background())
	var svcErr *ServiceError
	assert.True(t, errors.As(err, &svcErr), "got %T: %v", err, err)
}

func TestListDevices_Paginates(t *testing.T) {
	var pages []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		pages = append(pages, page)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))

		var list []map[string]any
		switch page {
		case "1":
			list = []map[string]any{{"mac": "AA", "name": "roof"}, {"mac": "BB", "name": "garden"}}
		case "2":
			list = []map[string]any{{"mac": "CC", "name": "shed"}}
		}
		writeEnvelope(t, w, 0, "success", map[string]any{"total": 3, "totalPage": 2, "list": list})
	})

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, pages)
	require.Len(t, devices, 3)
	assert.Equal(t, "CC", devices[2].MAC)
	assert.Equal(t, "roof", devices[0].Name)
}

func TestListDevices_StopsOnEmptyPage(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		list := []map[string]any{}
		if r.URL.Query().Get("page") == "1" {
			list = append(list, map[string]any{"mac": "AA", "name": "roof"})
		}
		// The reported total is wrong; an empty page must still end the walk.
		writeEnvelope(t, w, 0, "success", map[string]any{"total": "50", "list": list})
	})

	devices, err := c.ListDevices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Len(t, devices, 1)
}

func TestWindows_OverlapByOneDay(t *testing.T) {
	now := epoch
	start := now.Add(-65 * 24 * time.Hour)

	ws := Windows(start, now)

	require.Len(t, ws, 3)
	assert.Equal(t, start, ws[0].Start)
	assert.Equal(t, 31*24*time.Hour, ws[0].End.Sub(ws[0].Start))
	assert.Equal(t, 31*24*time.Hour, ws[1].End.Sub(ws[1].Start))
	assert.Equal(t, now, ws[2].End)
	assert.LessOrEqual(t, ws[2].End.Sub(ws[2].Start), 31*24*time.Hour)
	for i := 1; i < len(ws); i++ {
		assert.Equal(t, 24*time.Hour, ws[i-1].End.Sub(ws[i].Start), "overlap between window %d and %d", i-1, i)
	}

	assert.Empty(t, Windows(now, now))
	assert.Len(t, Windows(now.Add(-time.Hour), now), 1)
}

func TestHistory_RequestsEveryWindowAndMerges(t *testing.T) {
	start := epoch.Add(-65 * 24 * time.Hour)
	var starts []string

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/device/history", r.URL.Path)
		assert.Equal(t, "rainfall.daily", q.Get("call_back"))
		assert.Equal(t, "30min", q.Get("cycle_type"))
		assert.Equal(t, "12", q.Get("rainfall_unitid"))
		starts = append(starts, q.Get("start_date"))

		s, err := time.Parse(isoLayout, q.Get("start_date"))
		require.NoError(t, err)
		writeEnvelope(t, w, 0, "success", map[string]any{
			"rainfall": map[string]any{
				"daily": map[string]any{
					"unit": "mm",
					"list": map[string]string{
						strconv.FormatInt(s.Unix(), 10): "1.5",
					},
				},
			},
		})
	})

	got, err := c.History(context.Background(), "AA:BB", readings.Rainfall, start)
	require.NoError(t, err)

	require.Len(t, starts, 3)
	assert.Equal(t, start.Format(isoLayout), starts[0])
	assert.Len(t, got, 3)
	assert.True(t, got[start].Equal(dec("1.5")))
}

func TestHistory_EmptyArrayMeansNoSamples(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, 0, "success", []any{})
	})

	got, err := c.History(context.Background(), "AA:BB", readings.Humidity, epoch.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistory_FailingWindowAbortsCall(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			writeEnvelope(t, w, -1, "System is busy", nil)
			return
		}
		writeEnvelope(t, w, 0, "success", []any{})
	})

	_, err := c.History(context.Background(), "AA:BB", readings.Rainfall, epoch.Add(-65*24*time.Hour))

	var svcErr *ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, 2, calls)
}

func TestHistory_RejectsNonDecimalValues(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, 0, "success", map[string]any{
			"indoor": map[string]any{"humidity": map[string]any{"list": map[string]string{"1717243200": "n/a"}}},
		})
	})

	_, err := c.History(context.Background(), "AA:BB", readings.Humidity, epoch.Add(-time.Hour))
	assert.Error(t, err)
}

func TestLive_DecodesReading(t *testing.T) {
	ts := epoch.Add(-5 * time.Minute)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/real_time", r.URL.Path)
		assert.Equal(t, "solar_and_uvi.uvi", r.URL.Query().Get("call_back"))
		writeEnvelope(t, w, 0, "success", map[string]any{
			"solar_and_uvi": map[string]any{
				"uvi": map[string]any{"time": fmt.Sprint(ts.Unix()), "unit": "", "value": "3"},
			},
		})
	})

	got, err := c.Live(context.Background(), "AA:BB", readings.UVIndex)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ts, got.Time)
	assert.True(t, got.Value.Equal(dec("3")))
}

func TestLive_MissingGroupIsNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, 0, "success", map[string]any{"outdoor": map[string]any{}})
	})

	got, err := c.Live(context.Background(), "AA:BB", readings.Wind)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedactURL(t *testing.T) {
	u, err := url.Parse("https://api.example/device/real_time?application_key=app-secret&api_key=api-secret&mac=AA%3ABB&call_back=rainfall.daily")
	require.NoError(t, err)

	got := RedactURL(u)

	assert.NotContains(t, got, "app-secret")
	assert.NotContains(t, got, "api-secret")
	assert.NotContains(t, got, "AA")
	assert.Contains(t, got, "call_back=rainfall.daily")
	assert.Contains(t, got, "mac=REDACTED")
}
