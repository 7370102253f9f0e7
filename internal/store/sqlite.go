package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/i474232898/station-readings/internal/readings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sql/sqlite_schema.sql
var sqliteSchema string

const (
	sqliteSelectValue = `SELECT value FROM readings WHERE category = ? AND device = ? AND datestamp = ?`
	sqliteUpsert      = `INSERT INTO readings (category, device, datestamp, value) VALUES (?, ?, ?, ?)
ON CONFLICT (category, device, datestamp) DO UPDATE SET value = excluded.value`
	sqliteDelete = `DELETE FROM readings WHERE category = ? AND device = ? AND datestamp = ?`
	sqliteList   = `SELECT device, datestamp, value FROM readings WHERE category = ?`
	sqliteListBy = `SELECT device, datestamp, value FROM readings WHERE category = ? AND device = ?`
)

// SQLStore keeps readings in a SQLite table whose primary key is the natural
// key. Values are stored as text so no precision is lost. Each Merge runs in
// one transaction.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path and applies
// the schema. path may also be a "file:" URI or ":memory:".
func OpenSQLite(path string) (*SQLStore, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	s, err := NewSQLStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and applies the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func sqliteDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	params := []string{"_busy_timeout=5000", "_journal_mode=WAL"}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

// Merge applies rs under rule inside a single transaction.
func (s *SQLStore) Merge(ctx context.Context, cat readings.Category, rule readings.MergeRule, rs ...readings.Reading) (_ []readings.Reading, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("rollback merge", "category", cat.Name, "error", rbErr)
			}
		}
	}()

	out := make([]readings.Reading, 0, len(rs))
	for _, r := range rs {
		r = r.Normalize()

		var existing string
		err = tx.QueryRowContext(ctx, sqliteSelectValue, cat.Name, r.Device, r.Date.String()).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("select %s: %w", r.Key(), err)
		default:
			current, perr := decimal.NewFromString(existing)
			if perr != nil {
				err = fmt.Errorf("stored value for %s: %w", r.Key(), perr)
				return nil, err
			}
			r.Value = rule.Apply(current, r.Value)
		}

		if _, err = tx.ExecContext(ctx, sqliteUpsert, cat.Name, r.Device, r.Date.String(), readings.FormatValue(r.Value)); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", r.Key(), err)
		}
		out = append(out, r)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Remove deletes one row and reports whether it existed.
func (s *SQLStore) Remove(ctx context.Context, cat readings.Category, key readings.Key) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteDelete, cat.Name, key.Device, key.Date.String())
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns the category's rows, optionally for one device.
func (s *SQLStore) List(ctx context.Context, cat readings.Category, device string) ([]readings.Reading, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if device == "" {
		rows, err = s.db.QueryContext(ctx, sqliteList, cat.Name)
	} else {
		rows, err = s.db.QueryContext(ctx, sqliteListBy, cat.Name, device)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Error("close readings rows", "error", err)
		}
	}()

	var out []readings.Reading
	for rows.Next() {
		var dev, date, value string
		if err := rows.Scan(&dev, &date, &value); err != nil {
			return nil, err
		}
		r, err := parseRow(dev, date, value)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseRow(device, date, value string) (readings.Reading, error) {
	d, err := readings.ParseDate(date)
	if err != nil {
		return readings.Reading{}, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return readings.Reading{}, fmt.Errorf("stored value %q: %w", value, err)
	}
	return readings.Reading{Device: device, Date: d, Value: v}, nil
}
