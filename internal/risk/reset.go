package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// ResetStore is what the daily reset touches.
type ResetStore interface {
	ResetDailyCounters(ctx context.Context) (int64, error)
	PurgeViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DailyReset zeroes per-user daily counters and purges violations older
// than the retention window.
type DailyReset struct {
	store     ResetStore
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// NewDailyReset creates the reset job body. retention defaults to 30 days.
func NewDailyReset(store ResetStore, retention, timeout time.Duration) *DailyReset {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DailyReset{store: store, retention: retention, timeout: timeout, now: time.Now}
}

// Run performs the reset. Both steps are attempted even if the first fails.
func (r *DailyReset) Run(ctx context.Context) error {
	log.Println("[risk] resetting daily risk metrics")

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	users, resetErr := r.store.ResetDailyCounters(ctx)
	if resetErr != nil {
		resetErr = fmt.Errorf("risk: reset daily counters: %w", resetErr)
	}

	cutoff := r.now().Add(-r.retention)
	purged, purgeErr := r.store.PurgeViolationsBefore(ctx, cutoff)
	if purgeErr != nil {
		purgeErr = fmt.Errorf("risk: purge violations: %w", purgeErr)
	}

	if err := errors.Join(resetErr, purgeErr); err != nil {
		return err
	}
	log.Printf("[risk] daily reset completed: users=%d violations_purged=%d cutoff=%s",
		users, purged, cutoff.Format(time.RFC3339))
	return nil
}
