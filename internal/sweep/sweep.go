// Package sweep persists the expired status of lapsed licenses on a schedule.
// Reads already derive the status; the sweep keeps stored rows honest for
// reporting and other consumers of the table.
package sweep

import (
	"context"
	"fmt"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/storage"
	"github.com/robfig/cron/v3"
)

type Sweeper struct {
	ledger  storage.Ledger
	timeout time.Duration
	now     func() time.Time
}

func New(ledger storage.Ledger, timeout time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Sweeper{ledger: ledger, timeout: timeout, now: time.Now}
}

// Run expires lapsed trial and active licenses once.
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	changed, err := s.ledger.ExpireLapsed(ctx, s.now())
	if err != nil {
		logger.Error("Expiry sweep failed", logger.Fields{"error": err.Error()})
		return 0, err
	}
	if changed > 0 {
		logger.Info("Expiry sweep finished", logger.Fields{"expired": changed})
	}
	return changed, nil
}

// Schedule registers Run with a cron scheduler. The caller starts and stops
// the returned scheduler.
func (s *Sweeper) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		s.Run(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return c, nil
}
