package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/readings/ecowitt"
	"github.com/i474232898/station-readings/internal/refresh"
)

type fakeRefresher struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeRefresher) Refresh(_ context.Context, cat readings.Category, force bool) (refresh.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cat.Name)
	return refresh.Result{Category: cat.Name}, f.errs[cat.Name]
}

func (f *fakeRefresher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestRunOnce_RefreshesInOrderAndSkipsFailures(t *testing.T) {
	r := &fakeRefresher{errs: map[string]error{
		readings.Rainfall.Name: refresh.ErrNotDue,
		readings.Solar.Name:    errors.New("boom"),
	}}
	s := New([]readings.Category{readings.Rainfall, readings.Solar, readings.Wind}, time.Hour, r, nil, nil)

	s.RunOnce(context.Background())

	assert.Equal(t, []string{"rainfall", "solar", "wind"}, r.Calls())
	assert.False(t, s.Halted())
}

func TestRunOnce_HaltsOnAuthenticationFailure(t *testing.T) {
	r := &fakeRefresher{errs: map[string]error{
		readings.Solar.Name: &ecowitt.AuthenticationError{Message: "bad key"},
	}}
	var reported []error
	s := New([]readings.Category{readings.Rainfall, readings.Solar, readings.Wind}, time.Hour, r, nil, func(err error) {
		reported = append(reported, err)
	})

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())

	assert.Equal(t, []string{"rainfall", "solar"}, r.Calls(), "nothing runs after the credentials are rejected")
	assert.True(t, s.Halted())
	require.Len(t, reported, 1)
	assert.True(t, ecowitt.IsAuthentication(reported[0]))
}

func TestRunOnce_StopsWhenContextDone(t *testing.T) {
	r := &fakeRefresher{}
	s := New([]readings.Category{readings.Rainfall}, time.Hour, r, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)

	assert.Empty(t, r.Calls())
}

func TestStart_RunsImmediately(t *testing.T) {
	r := &fakeRefresher{}
	s := New([]readings.Category{readings.Rainfall}, time.Hour, r, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool { return len(r.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStart_NoCategories(t *testing.T) {
	s := New(nil, time.Hour, &fakeRefresher{}, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}
