package schedule

import (
	"context"
	"log/slog"
	"time"
)

// Entry is one active schedule trigger as seen by the ticker.
type Entry struct {
	TriggerID  string
	WorkflowID string
	Cron       *Cron
}

// Source lists the active schedule triggers. The trigger registry implements it.
type Source interface {
	Schedules() []Entry
}

// FiredStore records which minute a trigger last fired for.
// MarkFired returns false when the trigger already fired for minute.
type FiredStore interface {
	MarkFired(ctx context.Context, triggerID string, minute time.Time) (bool, error)
}

// FireFunc starts the workflow of a due entry.
type FireFunc func(ctx context.Context, entry Entry, minute time.Time)

type Ticker struct {
	source Source
	fired  FiredStore
	logger *slog.Logger
}

func NewTicker(source Source, fired FiredStore, logger *slog.Logger) *Ticker {
	if fired == nil {
		fired = NewMemoryFiredStore()
	}

	return &Ticker{
		source: source,
		fired:  fired,
		logger: logger.With("module", "schedule_ticker"),
	}
}

// DueTriggers returns the entries matching now that have not fired yet in this minute.
// Calling it several times within one minute yields each entry at most once.
func (t *Ticker) DueTriggers(ctx context.Context, now time.Time) []Entry {
	minute := now.Truncate(time.Minute)
	due := make([]Entry, 0)

	for _, entry := range t.source.Schedules() {
		if !entry.Cron.Matches(minute) {
			continue
		}

		first, err := t.fired.MarkFired(ctx, entry.TriggerID, minute)
		if err != nil {
			t.logger.ErrorContext(ctx, "Failed to record schedule fire", "trigger_id", entry.TriggerID, "error", err)

			continue
		}

		if first {
			due = append(due, entry)
		}
	}

	return due
}

// Run ticks every interval until ctx is done, firing due entries. The first tick is immediate.
func (t *Ticker) Run(ctx context.Context, interval time.Duration, fire FireFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.tick(ctx, time.Now(), fire)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(ctx, now, fire)
		}
	}
}

func (t *Ticker) tick(ctx context.Context, now time.Time, fire FireFunc) {
	minute := now.Truncate(time.Minute)

	for _, entry := range t.DueTriggers(ctx, now) {
		t.logger.InfoContext(ctx, "Schedule trigger due",
			"trigger_id", entry.TriggerID,
			"workflow_id", entry.WorkflowID,
			"cron", entry.Cron.String(),
			"minute", minute.Format(time.RFC3339))

		fire(ctx, entry, minute)
	}
}
