package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/i474232898/station-readings/internal/readings"
)

//go:embed sql/postgres_schema.sql
var postgresSchema string

// PostgresStore keeps readings in a PostgreSQL table. Values use NUMERIC so
// the scale written is the scale read back.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, checks the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Merge locks each existing row, applies rule in Go and upserts, all in one
// transaction.
func (s *PostgresStore) Merge(ctx context.Context, cat readings.Category, rule readings.MergeRule, rs ...readings.Reading) ([]readings.Reading, error) {
	out := make([]readings.Reading, 0, len(rs))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range rs {
			r = r.Normalize()

			var existing string
			err := tx.QueryRow(ctx,
				`SELECT value::text FROM readings
				 WHERE category = $1 AND device = $2 AND datestamp = $3::date
				 FOR UPDATE`,
				cat.Name, r.Device, r.Date.String(),
			).Scan(&existing)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
			case err != nil:
				return fmt.Errorf("select %s: %w", r.Key(), err)
			default:
				current, err := decimal.NewFromString(existing)
				if err != nil {
					return fmt.Errorf("stored value for %s: %w", r.Key(), err)
				}
				r.Value = rule.Apply(current, r.Value)
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO readings (category, device, datestamp, value)
				 VALUES ($1, $2, $3::date, $4::numeric)
				 ON CONFLICT (category, device, datestamp) DO UPDATE SET value = EXCLUDED.value`,
				cat.Name, r.Device, r.Date.String(), readings.FormatValue(r.Value),
			); err != nil {
				return fmt.Errorf("upsert %s: %w", r.Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Remove(ctx context.Context, cat readings.Category, key readings.Key) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM readings WHERE category = $1 AND device = $2 AND datestamp = $3::date`,
		cat.Name, key.Device, key.Date.String(),
	)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) List(ctx context.Context, cat readings.Category, device string) ([]readings.Reading, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT device, to_char(datestamp, 'YYYY-MM-DD'), value::text
		 FROM readings
		 WHERE category = $1 AND ($2 = '' OR device = $2)`,
		cat.Name, device,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
