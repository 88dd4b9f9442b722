package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/sentibot/internal/ledger"
)

// CounterResetter is the part of the ledger the daily reset drives.
type CounterResetter interface {
	ResetDailyCounters()
}

// DayArchiver copies one UTC day of history to cold storage.
type DayArchiver interface {
	ArchiveDay(ctx context.Context, day time.Time) (int64, error)
}

// DailyReset fires at every UTC midnight, resets the ledger's daily
// counters and archives the day that just ended. The schedule follows the
// wall clock, not process uptime.
type DailyReset struct {
	ledger   CounterResetter
	archiver DayArchiver // optional
	logger   *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewDailyReset creates a DailyReset. archiver may be nil.
func NewDailyReset(l CounterResetter, archiver DayArchiver, logger *slog.Logger) *DailyReset {
	return &DailyReset{
		ledger:   l,
		archiver: archiver,
		logger:   logger.With(slog.String("component", "daily_reset")),
		now:      func() time.Time { return time.Now().UTC() },
		after:    time.After,
	}
}

// NextBoundary returns the first UTC midnight strictly after t.
func NextBoundary(t time.Time) time.Time {
	return ledger.StartOfDay(t).Add(24 * time.Hour)
}

// Run waits for each UTC midnight and performs the reset until ctx is
// cancelled. Call in a goroutine.
func (d *DailyReset) Run(ctx context.Context) error {
	var last time.Time
	for {
		next := NextBoundary(d.now())
		if !next.After(last) {
			// Timer fired ahead of the wall clock; never fire one boundary twice.
			next = last.Add(24 * time.Hour)
		}
		wait := next.Sub(d.now())
		d.logger.DebugContext(ctx, "daily reset scheduled",
			slog.Time("at", next),
			slog.Duration("in", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.after(wait):
			last = next
			d.Fire(ctx, next.Add(-24*time.Hour))
		}
	}
}

// Fire resets the counters and archives endedDay.
func (d *DailyReset) Fire(ctx context.Context, endedDay time.Time) {
	d.ledger.ResetDailyCounters()
	d.logger.InfoContext(ctx, "daily counters reset", slog.Time("ended_day", endedDay))

	if d.archiver == nil {
		return
	}
	n, err := d.archiver.ArchiveDay(ctx, endedDay)
	if err != nil {
		d.logger.WarnContext(ctx, "daily archive failed",
			slog.Time("day", endedDay),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.InfoContext(ctx, "daily archive complete",
		slog.Time("day", endedDay),
		slog.Int64("records", n),
	)
}
