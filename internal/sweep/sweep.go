// Package sweep periodically reclaims expired refresh tokens and revocation
// entries. Expiry is already enforced at read time; the sweep only frees
// storage.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"corpsite.io/internal/auth"
	"corpsite.io/internal/obs"
)

// Target is one store to purge, named for logging.
type Target struct {
	Name   string
	Purger auth.Purger
}

// Sweeper runs PurgeExpired on every target.
type Sweeper struct {
	targets []Target
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry
}

// New creates a sweeper. Targets with a nil purger are skipped.
func New(targets ...Target) *Sweeper {
	s := &Sweeper{
		timeout: time.Minute,
		now:     time.Now,
		log:     obs.Component("sweep"),
	}
	for _, t := range targets {
		if t.Purger != nil {
			s.targets = append(s.targets, t)
		}
	}
	return s
}

// RunOnce purges every target and returns the number of removed records per
// target. A failing target does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) (map[string]int64, error) {
	now := s.now()
	removed := make(map[string]int64, len(s.targets))
	var firstErr error
	for _, t := range s.targets {
		tctx, cancel := context.WithTimeout(ctx, s.timeout)
		n, err := t.Purger.PurgeExpired(tctx, now)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("target", t.Name).Error("sweep failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sweep %s: %w", t.Name, err)
			}
			continue
		}
		removed[t.Name] = n
		if n > 0 {
			s.log.WithFields(logrus.Fields{"target": t.Name, "removed": n}).Info("expired records purged")
		}
	}
	return removed, firstErr
}

// Run schedules RunOnce on schedule (standard cron syntax or @every) and blocks
// until ctx is cancelled, then waits for a running sweep to finish.
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		_, _ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	s.log.WithField("schedule", schedule).Info("sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
