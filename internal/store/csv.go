package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/i474232898/station-readings/internal/readings"
)

// FileStore keeps one CSV file per category under a directory. Every write
// re-reads the file, applies the change and rewrites the whole set through a
// temporary file and a rename, so edits made to the file by another process
// between writes are kept and an interrupted write never leaves a torn file.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed and returns a FileStore on it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the CSV file backing a category.
func (s *FileStore) Path(cat readings.Category) string {
	return filepath.Join(s.dir, cat.Name+".csv")
}

// Merge applies rs to the category under rule and rewrites its file.
func (s *FileStore) Merge(ctx context.Context, cat readings.Category, rule readings.MergeRule, rs ...readings.Reading) ([]readings.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.load(cat)
	if err != nil {
		return nil, err
	}
	stored := readings.MergeInto(set, rule, rs...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.save(cat, set); err != nil {
		return nil, err
	}
	return stored, nil
}

// Remove deletes one reading and rewrites the file when it existed.
func (s *FileStore) Remove(ctx context.Context, cat readings.Category, key readings.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.load(cat)
	if err != nil {
		return false, err
	}
	if _, ok := set[key]; !ok {
		return false, nil
	}
	delete(set, key)
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.save(cat, set); err != nil {
		return false, err
	}
	return true, nil
}

// List reads the category's file. A missing file is an empty category.
func (s *FileStore) List(_ context.Context, cat readings.Category, device string) ([]readings.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.load(cat)
	if err != nil {
		return nil, err
	}
	out := make([]readings.Reading, 0, len(set))
	for _, r := range set {
		out = append(out, r)
	}
	return readings.FilterDevice(out, device), nil
}

func (s *FileStore) load(cat readings.Category) (map[readings.Key]readings.Reading, error) {
	set := make(map[readings.Key]readings.Reading)

	f, err := os.Open(s.Path(cat))
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.Path(cat), err)
	}
	defer f.Close()

	rs, err := readings.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.Path(cat), err)
	}
	// A hand-edited file may repeat a day; the later row wins.
	readings.MergeInto(set, readings.MergeReplace, rs...)
	return set, nil
}

func (s *FileStore) save(cat readings.Category, set map[readings.Key]readings.Reading) error {
	path := s.Path(cat)
	tmp, err := os.CreateTemp(s.dir, "."+cat.Name+"-*.csv.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	if err := readings.WriteCSV(tmp, readings.Sorted(set)); err != nil {
		cleanup()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
