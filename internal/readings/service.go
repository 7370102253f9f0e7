package readings

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Query selects an aggregated view of one category.
type Query struct {
	Timeframe Timeframe
	// Stat is the aggregation policy; empty means the category default.
	Stat   Stat
	Filter Filter
	Device string
	// MaxEntries keeps only the most recent rows; 0 keeps all.
	MaxEntries int
}

// Service is the read/write entry point used by the HTTP layer and the
// refresher. It owns no state besides the store.
type Service struct {
	store Store
}

// NewService creates a new Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Summaries lists the category's readings, folds them per q and returns the
// most recent q.MaxEntries rows in date-ascending order.
func (s *Service) Summaries(ctx context.Context, cat Category, q Query) ([]Summary, error) {
	st := q.Stat
	if st == "" {
		st = cat.Default
	}
	if !cat.Allows(st) {
		return nil, fmt.Errorf("%w: %q for %s", ErrStatNotAllowed, st, cat.Name)
	}

	rs, err := s.store.List(ctx, cat, q.Device)
	if err != nil {
		return nil, fmt.Errorf("list %s readings: %w", cat.Name, err)
	}
	slices.SortFunc(rs, Compare)

	rows := Aggregate(rs, q.Timeframe, st, q.Filter)
	return Tail(rows, q.MaxEntries), nil
}

// Put stores r, replacing any value already held for its key.
func (s *Service) Put(ctx context.Context, cat Category, r Reading) (Reading, error) {
	stored, err := s.store.Merge(ctx, cat, MergeReplace, r)
	if err != nil {
		return Reading{}, fmt.Errorf("store %s reading %s: %w", cat.Name, r.Key(), err)
	}
	return stored[0], nil
}

// Ingest merges polled readings using the category's merge rule, so repeated
// polling of a day never regresses a running high or low.
func (s *Service) Ingest(ctx context.Context, cat Category, rs ...Reading) ([]Reading, error) {
	if len(rs) == 0 {
		return nil, nil
	}
	stored, err := s.store.Merge(ctx, cat, cat.Merge, rs...)
	if err != nil {
		return nil, fmt.Errorf("merge %d %s readings: %w", len(rs), cat.Name, err)
	}
	return stored, nil
}

// Remove deletes the reading for key. ErrNotFound is returned when nothing was
// stored under it.
func (s *Service) Remove(ctx context.Context, cat Category, key Key) error {
	if key.Device == "" {
		key.Device = DefaultDevice
	}
	removed, err := s.store.Remove(ctx, cat, key)
	if err != nil {
		return fmt.Errorf("remove %s reading %s: %w", cat.Name, key, err)
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// Import decodes a CSV export and stores every row with replace semantics.
// Nothing is written if any row fails to parse.
func (s *Service) Import(ctx context.Context, cat Category, r io.Reader) (int, error) {
	rs, err := ReadCSV(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedCSV, err)
	}
	if len(rs) == 0 {
		return 0, nil
	}
	if _, err := s.store.Merge(ctx, cat, MergeReplace, rs...); err != nil {
		return 0, fmt.Errorf("import %d %s readings: %w", len(rs), cat.Name, err)
	}
	slog.Info("imported readings", "category", cat.Name, "count", len(rs))
	return len(rs), nil
}
