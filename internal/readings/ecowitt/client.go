// Package ecowitt is a client for the Ecowitt v3 cloud API: device listing,
// live readings and windowed history, rate limited and without retries.
package ecowitt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "https://api.ecowitt.net/api/v3"
	userAgent      = "station-readings"
)

// Options configures a Client. Zero values fall back to the defaults noted on
// each field.
type Options struct {
	BaseURL        string // DefaultBaseURL
	ApplicationKey string
	APIKey         string
	HTTPClient     *http.Client // 30s timeout
	// Limiter defaults to 10 calls per minute.
	Limiter *SlidingWindow
	Clock   Clock // SystemClock
	// Location is the zone used for history window bounds; nil means Local.
	Location *time.Location
}

// Client talks to the station API. It is safe for concurrent use.
type Client struct {
	baseURL string
	appKey  string
	apiKey  string
	http    *http.Client
	limiter *SlidingWindow
	clock   Clock
	loc     *time.Location
	circuit *gobreaker.CircuitBreaker
}

// NewClient builds a Client from opts.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Limiter == nil {
		opts.Limiter = NewSlidingWindow(10, time.Minute, opts.Clock)
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ecowitt",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		appKey:  opts.ApplicationKey,
		apiKey:  opts.APIKey,
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		clock:   opts.Clock,
		loc:     opts.Location,
		circuit: cb,
	}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// get performs one rate-limited call and returns the envelope's data. The
// credentials are added to params here.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("application_key", c.appKey)
	q.Set("api_key", c.apiKey)

	u, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, serviceErr("invalid url", err)
	}
	u.RawQuery = q.Encode()

	body, err := c.do(ctx, u)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, serviceErr(fmt.Sprintf("unable to parse response from %q as json", c.baseURL+endpoint), err)
	}
	switch env.Code {
	case 0:
		return env.Data, nil
	case codeAuthentication:
		return nil, &AuthenticationError{Message: env.Msg}
	default:
		return nil, &ServiceError{Code: env.Code, Message: env.Msg}
	}
}

// do sends the request through the circuit breaker. Only transport and HTTP
// status failures count against the breaker.
func (c *Client) do(ctx context.Context, u *url.URL) ([]byte, error) {
	started := c.clock.Now()

	result, err := c.circuit.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		slog.Info("GET", "url", RedactURL(u), "status", resp.StatusCode, "elapsed", c.clock.Now().Sub(started).Round(time.Millisecond))

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ServiceError{Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		}
		return body, nil
	})
	if err != nil {
		var svcErr *ServiceError
		switch {
		case errors.As(err, &svcErr):
			return nil, err
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, serviceErr("circuit breaker open", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, serviceErr("server took too long to respond", err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, serviceErr(fmt.Sprintf("unable to connect to %q", u.Host), err)
		}
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, serviceErr("unexpected result type from circuit breaker", nil)
	}
	return body, nil
}

var redactedParams = []string{"application_key", "api_key", "mac"}

// RedactURL renders u with credentials and device identifiers masked.
func RedactURL(u *url.URL) string {
	q := u.Query()
	for _, k := range redactedParams {
		if q.Has(k) {
			q.Set(k, "REDACTED")
		}
	}
	redacted := *u
	redacted.RawQuery = q.Encode()
	return redacted.String()
}
