package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that the connection pool can reach the server.
func Database(db Pinger) Checker {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		return nil
	}
}

// Scheduler describes a background sweeper such as the escrow timer.
type Scheduler interface {
	Running() bool
	LastSweep() time.Time
}

// SchedulerFreshness fails when the scheduler is stopped or has not completed
// a sweep within maxAge. A scheduler that has not swept yet is healthy for
// its first maxAge after startedAt.
func SchedulerFreshness(s Scheduler, maxAge time.Duration, startedAt time.Time, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		if !s.Running() {
			return errors.New("scheduler not running")
		}
		last := s.LastSweep()
		if last.IsZero() {
			last = startedAt
		}
		if age := now().Sub(last); age > maxAge {
			return fmt.Errorf("last sweep %s ago", age.Truncate(time.Second))
		}
		return nil
	}
}
