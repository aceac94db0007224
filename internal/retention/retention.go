// Package retention prunes the service node's envelope history on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"trollbox/internal/debuglog"
)

const DefaultCron = "0 3 * * *"

// Pruner removes history older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int, error)
}

type Options struct {
	Cron   string
	Period time.Duration
	Now    func() time.Time
	// OnPrune observes each completed run.
	OnPrune func(removed int)
}

type Scheduler struct {
	opts   Options
	pruner Pruner
}

func New(p Pruner, opts Options) (*Scheduler, error) {
	if opts.Cron == "" {
		opts.Cron = DefaultCron
	}
	if !gronx.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", opts.Cron)
	}
	if opts.Period <= 0 {
		return nil, fmt.Errorf("retention period must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, pruner: p}, nil
}

// RunOnce prunes everything older than now minus the period.
func (s *Scheduler) RunOnce() (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.Period)
	n, err := s.pruner.Prune(cutoff)
	if err != nil {
		return 0, err
	}
	debuglog.Logf("retention: pruned %d envelopes older than %s", n, cutoff.UTC().Format(time.RFC3339))
	if s.opts.OnPrune != nil {
		s.opts.OnPrune(n)
	}
	return n, nil
}

// Next is the first tick strictly after ref.
func (s *Scheduler) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.opts.Cron, ref.UTC(), false)
}

// Run sleeps until each cron tick and prunes, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	debuglog.Logf("retention: scheduler started cron=%q period=%s", s.opts.Cron, s.opts.Period)
	for {
		next, err := s.Next(s.opts.Now())
		if err != nil {
			debuglog.Warnf("retention: next tick for %q: %v", s.opts.Cron, err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := s.RunOnce(); err != nil {
				debuglog.Warnf("retention: prune failed: %v", err)
			}
		case <-ctx.Done():
			debuglog.Debugf("retention: scheduler stopping")
			return
		}
	}
}
