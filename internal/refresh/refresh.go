// Package refresh pulls history and live readings from the station API into
// the store and advances the per-category watermark once every device has
// been read successfully.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/i474232898/station-readings/internal/notify"
	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/readings/ecowitt"
)

// ErrNotDue is returned when the cooldown since the last refresh has not
// elapsed and the caller did not force one.
var ErrNotDue = errors.New("no update needed")

// Remote is the part of the station API used by a refresh.
type Remote interface {
	ListDevices(ctx context.Context) ([]ecowitt.Device, error)
	History(ctx context.Context, mac string, cat readings.Category, start time.Time) (map[time.Time]decimal.Decimal, error)
	Live(ctx context.Context, mac string, cat readings.Category) (*ecowitt.LiveReading, error)
}

// Watermarks persists the last successful refresh per category.
type Watermarks interface {
	LastUpdated(category string) (time.Time, error)
	SetLastUpdated(category string, t time.Time) error
}

// DeviceLabels remembers the storage label given to each station, keyed by
// MAC, so a station's series keeps its label when stations are added.
type DeviceLabels interface {
	DeviceLabel(mac string) (string, bool, error)
	SetDeviceLabel(mac, label string) error
}

// Options tunes a Refresher. Zero values use the documented defaults.
type Options struct {
	Cooldown time.Duration // 3h
	// Location decides which calendar day a remote timestamp belongs to.
	Location *time.Location // Local
	Now      func() time.Time
	Notifier notify.Notifier
	Logger   *slog.Logger
	// Labels defaults to an in-memory map.
	Labels DeviceLabels
}

// Result summarises one refresh cycle.
type Result struct {
	Category string
	Devices  int
	Stored   int
	Advanced bool
}

// Refresher runs refresh cycles. Cycles are serialised; a manual refresh
// waits for a scheduled one to finish.
type Refresher struct {
	remote   Remote
	service  *readings.Service
	marks    Watermarks
	cooldown time.Duration
	loc      *time.Location
	now      func() time.Time
	notifier notify.Notifier
	logger   *slog.Logger
	labels   DeviceLabels

	mu sync.Mutex

	liveMu sync.RWMutex
	// key: device name, then category name; value: whether the last read
	// for that category succeeded
	live map[string]map[string]bool
}

func New(remote Remote, service *readings.Service, marks Watermarks, opts Options) *Refresher {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 3 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger)
	}
	if opts.Labels == nil {
		opts.Labels = memLabels{}
	}
	return &Refresher{
		remote:   remote,
		service:  service,
		marks:    marks,
		cooldown: opts.Cooldown,
		loc:      opts.Location,
		now:      opts.Now,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		labels:   opts.Labels,
		live:     make(map[string]map[string]bool),
	}
}

// Refresh runs one cycle for cat. Without force it returns ErrNotDue while the
// cooldown since the category's watermark has not elapsed.
//
// Every device is backfilled from the watermark and then polled for its live
// value. A failing device is skipped and reported, and the watermark stays put
// so the next cycle covers the same range again. An authentication failure
// stops the cycle immediately.
func (r *Refresher) Refresh(ctx context.Context, cat readings.Category, force bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Category: cat.Name}

	last, err := r.marks.LastUpdated(cat.Name)
	if err != nil {
		return res, fmt.Errorf("load watermark: %w", err)
	}
	now := r.now().UTC()
	if !force && now.Sub(last) < r.cooldown {
		return res, ErrNotDue
	}

	logger := r.logger.With("cycle", uuid.NewString(), "category", cat.Name)
	logger.Info("refresh started", "since", last, "force", force)
	started := time.Now()

	devices, err := r.remote.ListDevices(ctx)
	if err != nil {
		return res, fmt.Errorf("list devices: %w", err)
	}
	res.Devices = len(devices)

	var errs []error
	for _, dev := range devices {
		name := deviceName(dev)
		label, err := r.label(dev.MAC, name, len(devices))
		if err != nil {
			return res, fmt.Errorf("device %s label: %w", name, err)
		}

		stored, err := r.refreshDevice(ctx, cat, dev.MAC, label, last)
		res.Stored += stored
		if err != nil {
			if ecowitt.IsAuthentication(err) || ctx.Err() != nil {
				return res, err
			}
			logger.Error("device refresh failed", "device", name, "error", err)
			r.setLive(ctx, name, cat.Name, false, err)
			errs = append(errs, fmt.Errorf("device %s: %w", name, err))
			continue
		}
		r.setLive(ctx, name, cat.Name, true, nil)
	}

	if len(errs) > 0 {
		logger.Warn("refresh incomplete, watermark kept", "failed", len(errs), "devices", len(devices))
		return res, errors.Join(errs...)
	}

	if err := r.marks.SetLastUpdated(cat.Name, now); err != nil {
		return res, fmt.Errorf("save watermark: %w", err)
	}
	res.Advanced = true
	logger.Info("refresh finished", "devices", res.Devices, "stored", res.Stored, "elapsed", time.Since(started).Round(time.Millisecond))
	return res, nil
}

// refreshDevice backfills and then polls one device. History is merged before
// the live value so a live reading may override a same-day sample.
func (r *Refresher) refreshDevice(ctx context.Context, cat readings.Category, mac, label string, since time.Time) (int, error) {
	history, err := r.remote.History(ctx, mac, cat, since)
	if err != nil {
		return 0, fmt.Errorf("history: %w", err)
	}
	rs := FoldDaily(history, cat.Merge, label, r.loc)
	stored, err := r.service.Ingest(ctx, cat, rs...)
	if err != nil {
		return 0, err
	}
	n := len(stored)

	live, err := r.remote.Live(ctx, mac, cat)
	if err != nil {
		return n, fmt.Errorf("live: %w", err)
	}
	if live == nil {
		return n, nil
	}
	reading := readings.Reading{Device: label, Date: readings.DateOf(live.Time, r.loc), Value: live.Value}
	if _, err := r.service.Ingest(ctx, cat, reading); err != nil {
		return n, err
	}
	return n + 1, nil
}

// FoldDaily collapses timestamped samples into one reading per calendar day
// in loc. Samples are applied oldest first under rule, so MergeReplace keeps
// the last sample of each day. The result is ordered by date.
func FoldDaily(samples map[time.Time]decimal.Decimal, rule readings.MergeRule, device string, loc *time.Location) []readings.Reading {
	stamps := make([]time.Time, 0, len(samples))
	for ts := range samples {
		stamps = append(stamps, ts)
	}
	slices.SortFunc(stamps, func(a, b time.Time) int { return a.Compare(b) })

	set := make(map[readings.Key]readings.Reading)
	for _, ts := range stamps {
		readings.MergeInto(set, rule, readings.Reading{Device: device, Date: readings.DateOf(ts, loc), Value: samples[ts]})
	}
	return readings.Sorted(set)
}

// Liveness returns the last known state of every device seen so far. A device
// is live only while every category polled from it is succeeding.
func (r *Refresher) Liveness() map[string]bool {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()

	out := make(map[string]bool, len(r.live))
	for device, cats := range r.live {
		out[device] = allLive(cats)
	}
	return out
}

// setLive records the outcome of one category for a device and notifies when
// the device as a whole changes state. A device not seen before counts as
// live.
func (r *Refresher) setLive(ctx context.Context, device, category string, ok bool, cause error) {
	r.liveMu.Lock()
	cats := r.live[device]
	if cats == nil {
		cats = make(map[string]bool)
		r.live[device] = cats
	}
	was := allLive(cats)
	cats[category] = ok
	live := allLive(cats)
	r.liveMu.Unlock()

	if was == live {
		return
	}
	e := notify.Event{Device: device, Live: live, At: r.now().UTC()}
	if cause != nil {
		e.Reason = category + ": " + cause.Error()
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.logger.Warn("liveness notification failed", "device", device, "error", err)
	}
}

func allLive(cats map[string]bool) bool {
	for _, ok := range cats {
		if !ok {
			return false
		}
	}
	return true
}

// label returns the station's stored label, assigning one on first sight: the
// default label when it is the only station, otherwise its name.
func (r *Refresher) label(mac, name string, stations int) (string, error) {
	if l, ok, err := r.labels.DeviceLabel(mac); err != nil || ok {
		return l, err
	}
	l := name
	if stations == 1 {
		l = readings.DefaultDevice
	}
	if err := r.labels.SetDeviceLabel(mac, l); err != nil {
		return "", err
	}
	return l, nil
}

type memLabels map[string]string

func (m memLabels) DeviceLabel(mac string) (string, bool, error) {
	l, ok := m[mac]
	return l, ok, nil
}

func (m memLabels) SetDeviceLabel(mac, label string) error {
	m[mac] = label
	return nil
}

func deviceName(d ecowitt.Device) string {
	if d.Name != "" {
		return d.Name
	}
	if d.ID != 0 {
		return fmt.Sprintf("device-%d", d.ID)
	}
	return "device"
}
