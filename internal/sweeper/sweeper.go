// Package sweeper clears disappearing messages on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/pliu/sniffguard/internal/logging"
)

// DefaultCron runs the sweep every minute.
const DefaultCron = "* * * * *"

// Expirer applies delete-for-everyone to every expired message and returns
// how many it cleared.
type Expirer interface {
	ExpireMessages(ctx context.Context) (int, error)
}

type Sweeper struct {
	expirer Expirer
	cron    string
	log     logging.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func New(expirer Expirer, cron string, log logging.Logger) (*Sweeper, error) {
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cron)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Sweeper{
		expirer: expirer,
		cron:    cron,
		log:     log.With("module", "sweeper"),
		now:     func() time.Time { return time.Now().UTC() },
		after:   time.After,
	}, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	n, err := s.expirer.ExpireMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	if n > 0 {
		s.log.Info(ctx, "expired messages cleared", "count", n)
	}
	return n, nil
}

// Next returns the first scheduled tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run sweeps on every tick until ctx is done. Sweeps run inline, so a slow
// sweep delays the next one instead of overlapping it.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info(ctx, "sweeper started", "cron", s.cron)
	for {
		wait := 30 * time.Second
		next, err := s.Next(s.now())
		if err != nil {
			s.log.Error(ctx, "next tick", "cron", s.cron, "err", err)
		} else {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}

		select {
		case <-ctx.Done():
			s.log.Info(ctx, "sweeper stopping")
			return
		case <-s.after(wait):
		}
		if err != nil {
			continue
		}
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "sweep failed", "err", err)
		}
	}
}
