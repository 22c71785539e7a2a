package schedule_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type staticSource []schedule.Entry

func (s staticSource) Schedules() []schedule.Entry { return s }

func mustCron(t *testing.T, expr string) *schedule.Cron {
	t.Helper()

	c, err := schedule.ParseCron(expr)
	require.NoError(t, err)

	return c
}

func TestParseCron_RejectsInvalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "61 * * * *", "0 25 * * *", "@hourly", "0 0 * * * *", "foo"} {
		_, err := schedule.ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCron_NineAMDaily(t *testing.T) {
	c := mustCron(t, "0 9 * * *")

	tests := []struct {
		at       time.Time
		expected bool
	}{
		{time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), true},
		{time.Date(2026, 3, 2, 9, 0, 42, 500, time.UTC), true},
		{time.Date(2026, 12, 31, 9, 0, 59, 0, time.UTC), true},
		{time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC), false},
		{time.Date(2026, 3, 2, 8, 59, 59, 0, time.UTC), false},
		{time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, c.Matches(tt.at), tt.at.String())
	}
}

func TestCron_StepsListsAndRanges(t *testing.T) {
	c := mustCron(t, "*/15 8-10 * * 1-5")

	monday := time.Date(2026, 10, 12, 8, 45, 0, 0, time.UTC)
	assert.True(t, c.Matches(monday))
	assert.False(t, c.Matches(monday.Add(time.Minute)))
	assert.False(t, c.Matches(monday.AddDate(0, 0, 5)), "saturday")
	assert.Equal(t, monday.Add(15*time.Minute), c.Next(monday))
}

func TestTicker_FiresOncePerMinute(t *testing.T) {
	source := staticSource{
		{TriggerID: "daily", WorkflowID: "wf-1", Cron: mustCron(t, "0 9 * * *")},
		{TriggerID: "every-minute", WorkflowID: "wf-2", Cron: mustCron(t, "* * * * *")},
	}
	ticker := schedule.NewTicker(source, schedule.NewMemoryFiredStore(), logger)
	ctx := context.Background()

	nine := time.Date(2026, 3, 2, 9, 0, 5, 0, time.UTC)

	first := ticker.DueTriggers(ctx, nine)
	require.Len(t, first, 2)

	second := ticker.DueTriggers(ctx, nine.Add(30*time.Second))
	assert.Empty(t, second, "second tick within the same minute fires nothing")

	next := ticker.DueTriggers(ctx, nine.Add(time.Minute))
	require.Len(t, next, 1)
	assert.Equal(t, "every-minute", next[0].TriggerID)
}

func TestTicker_ConcurrentTicksFireOnce(t *testing.T) {
	source := staticSource{{TriggerID: "t", WorkflowID: "wf", Cron: mustCron(t, "* * * * *")}}
	ticker := schedule.NewTicker(source, nil, logger)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			due := ticker.DueTriggers(context.Background(), now)

			mu.Lock()
			fired += len(due)
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, fired)
}

func TestMemoryFiredStore_IgnoresOlderMinutes(t *testing.T) {
	store := schedule.NewMemoryFiredStore()
	ctx := context.Background()
	minute := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	ok, err := store.MarkFired(ctx, "t", minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = store.MarkFired(ctx, "t", minute.Add(-time.Minute))
	assert.False(t, ok)

	last, found := store.LastFired("t")
	assert.True(t, found)
	assert.Equal(t, minute, last)
}

func TestTicker_RunFiresImmediately(t *testing.T) {
	source := staticSource{{TriggerID: "t", WorkflowID: "wf", Cron: mustCron(t, "* * * * *")}}
	ticker := schedule.NewTicker(source, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan schedule.Entry, 1)

	go ticker.Run(ctx, time.Hour, func(_ context.Context, entry schedule.Entry, _ time.Time) {
		fired <- entry

		cancel()
	})

	select {
	case entry := <-fired:
		assert.Equal(t, "wf", entry.WorkflowID)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not fire")
	}
}
