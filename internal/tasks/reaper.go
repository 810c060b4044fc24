package tasks

import (
	"context"
	"errors"
	"time"

	"uniapply-backend/internal/components/assert"
	"uniapply-backend/internal/components/chrono"
	"uniapply-backend/internal/components/telemetry"
)

const (
	report_reaper_sweep = "reaper.sweep"
	report_reaper_cron  = "reaper.cron"
)

// LeaseExpired is the error recorded on tasks failed by the reaper.
const LeaseExpired = "session lease expired"

// Reaper fails in_progress tasks whose session stopped reporting, for example
// because the process running it died. A running session checkpoints every
// step so its updated_at stays within the lease.
type Reaper struct {
	store Store
	lease time.Duration
	tel   telemetry.API
}

// NewReaper creates a Reaper, sessions are considered dead once they have not
// updated their task for twice the session timeout.
func NewReaper(store Store, sessionTimeout time.Duration, tel telemetry.API) Reaper {
	assert.NotNil(tel, "telemetry")
	return Reaper{
		store: store,
		lease: 2 * sessionTimeout,
		tel:   telemetry.NewScopedAPI("tasks", tel),
	}
}

// Sweep fails every expired task once and returns how many it failed.
func (r Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.store.clock.Now().Add(-r.lease)
	rows, err := r.store.qry.ListStaleTasks(ctx, cutoff.Unix())
	if err != nil {
		r.tel.ReportBroken(report_db_query, err, "ListStaleTasks")
		return 0, err
	}

	reaped := 0
	for _, row := range rows {
		_, err := r.store.Report(ctx, row.ID, Transition{
			Status: StatusFailed,
			Error:  LeaseExpired,
			Actor:  ActorSystem,
			From:   StatusInProgress,
		})
		if errors.Is(err, ErrInvalidTransition) {
			// finished between listing and reporting
			continue
		}
		if err != nil {
			r.tel.ReportBroken(report_reaper_sweep, err, row.ID)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.tel.ReportCount(report_reaper_sweep, int64(reaped))
	}
	return reaped, nil
}

// Start sweeps once a minute.
func (r Reaper) Start(ctx context.Context, cron chrono.CronAPI) error {
	return cron.Cron("@every 1m", func() {
		if ctx.Err() != nil {
			return
		}
		_, err := r.Sweep(ctx)
		if err != nil {
			r.tel.ReportWarning(report_reaper_cron, err)
		}
	})
}
