// Package state persists refresh watermarks and station labels between runs
// in a small TOML file.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type document struct {
	// key: category name
	Watermarks map[string]time.Time `toml:"watermarks"`
	// key: station MAC, value: device label readings are stored under
	Devices map[string]string `toml:"devices"`
}

// File stores one last-updated instant per category. A category never
// refreshed, or whose watermark is older than the backfill horizon, reports
// now minus the horizon.
type File struct {
	mu      sync.Mutex
	path    string
	horizon time.Duration
	now     func() time.Time
}

// Open returns a File at path. The file is created on first write.
func Open(path string, horizon time.Duration, now func() time.Time) *File {
	if now == nil {
		now = time.Now
	}
	return &File{path: path, horizon: horizon, now: now}
}

// LastUpdated returns the watermark for a category, in UTC.
func (f *File) LastUpdated(category string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return time.Time{}, err
	}
	floor := f.now().UTC().Add(-f.horizon)
	t, ok := doc.Watermarks[category]
	if !ok || t.Before(floor) {
		return floor, nil
	}
	return t.UTC(), nil
}

// SetLastUpdated records t for a category and rewrites the file.
func (f *File) SetLastUpdated(category string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Watermarks[category] = t.UTC().Truncate(time.Second)
	return f.save(doc)
}

// DeviceLabel returns the label recorded for a station.
func (f *File) DeviceLabel(mac string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return "", false, err
	}
	label, ok := doc.Devices[mac]
	return label, ok, nil
}

// SetDeviceLabel records the label for a station and rewrites the file.
func (f *File) SetDeviceLabel(mac, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	doc.Devices[mac] = label
	return f.save(doc)
}

func (f *File) load() (document, error) {
	doc := document{Watermarks: map[string]time.Time{}, Devices: map[string]string{}}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read state %s: %w", f.path, err)
	}
	if err := toml.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode state %s: %w", f.path, err)
	}
	if doc.Watermarks == nil {
		doc.Watermarks = map[string]time.Time{}
	}
	if doc.Devices == nil {
		doc.Devices = map[string]string{}
	}
	return doc, nil
}

func (f *File) save(doc document) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.toml.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace state %s: %w", f.path, err)
	}
	return nil
}
