package readings_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/store"
)

func newService() *readings.Service {
	return readings.NewService(store.NewMemoryStore())
}

func put(t *testing.T, svc *readings.Service, cat readings.Category, day int, v string) {
	t.Helper()
	_, err := svc.Put(context.Background(), cat, readings.Reading{
		Date:  readings.NewDate(2024, time.January, day),
		Value: decimal.RequireFromString(v),
	})
	require.NoError(t, err)
}

func TestService_SummariesUseCategoryDefault(t *testing.T) {
	svc := newService()
	put(t, svc, readings.Rainfall, 1, "2.0")
	put(t, svc, readings.Rainfall, 2, "3.0")
	put(t, svc, readings.Rainfall, 8, "1.0")

	rows, err := svc.Summaries(context.Background(), readings.Rainfall, readings.Query{Timeframe: readings.Weekly})
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, "5", rows[0].Value.String())
}

func TestService_SummariesRejectDisallowedStat(t *testing.T) {
	_, err := newService().Summaries(context.Background(), readings.Rainfall, readings.Query{Stat: readings.StatLow})
	assert.ErrorIs(t, err, readings.ErrStatNotAllowed)
}

func TestService_SummariesTruncateToMostRecent(t *testing.T) {
	svc := newService()
	for d := 1; d <= 31; d++ {
		put(t, svc, readings.Humidity, d, "50")
	}

	rows, err := svc.Summaries(context.Background(), readings.Humidity, readings.Query{MaxEntries: 28})
	require.NoError(t, err)

	require.Len(t, rows, 28)
	assert.Equal(t, 4, rows[0].Start.Day())
	assert.Equal(t, 31, rows[27].Start.Day())
}

func TestService_RemoveMissingIsNotFound(t *testing.T) {
	svc := newService()
	key := readings.Key{Date: readings.NewDate(2024, time.January, 1)}

	assert.ErrorIs(t, svc.Remove(context.Background(), readings.Rainfall, key), readings.ErrNotFound)

	put(t, svc, readings.Rainfall, 1, "1")
	require.NoError(t, svc.Remove(context.Background(), readings.Rainfall, key))
	assert.ErrorIs(t, svc.Remove(context.Background(), readings.Rainfall, key), readings.ErrNotFound)
}

func TestService_IngestUsesCategoryMergeRule(t *testing.T) {
	svc := newService()
	day := readings.NewDate(2024, time.January, 1)

	_, err := svc.Ingest(context.Background(), readings.Wind, readings.Reading{Date: day, Value: decimal.RequireFromString("12")})
	require.NoError(t, err)
	stored, err := svc.Ingest(context.Background(), readings.Wind, readings.Reading{Date: day, Value: decimal.RequireFromString("8")})
	require.NoError(t, err)

	assert.Equal(t, "12", stored[0].Value.String())

	// Manual edits replace regardless of the rule.
	got, err := svc.Put(context.Background(), readings.Wind, readings.Reading{Date: day, Value: decimal.RequireFromString("8")})
	require.NoError(t, err)
	assert.Equal(t, "8", got.Value.String())
}

func TestService_ImportIsAllOrNothing(t *testing.T) {
	svc := newService()

	_, err := svc.Import(context.Background(), readings.Rainfall, strings.NewReader("Timestamp,Value\n2024-01-01,1\n2024-01-02,oops\n"))
	assert.ErrorIs(t, err, readings.ErrMalformedCSV)

	rows, err := svc.Summaries(context.Background(), readings.Rainfall, readings.Query{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	n, err := svc.Import(context.Background(), readings.Rainfall, strings.NewReader("Timestamp,Value\n2024-01-01,1\n2024-01-02,2.25\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err = svc.Summaries(context.Background(), readings.Rainfall, readings.Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
