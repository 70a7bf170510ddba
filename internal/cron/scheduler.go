// Package cron provides a periodic ticker that pokes the substrate on a
// fixed interval or a cron schedule, standing in for "cron hits" in
// deployments with no external poke source. Ocean has no schedule table of
// its own — the ticker simply drains Advance() until it returns zero.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// exprParser accepts both standard five-field specs ("*/5 * * * *") and
// descriptors ("@every 15s", "@hourly"), the latter mainly useful for tests
// and for deployments that want sub-minute poke cadence via Expr.
var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Drainer is the subset of *ocean.Ocean the ticker needs. Defined here so
// this package doesn't import the root package (avoiding a cycle, since
// the root package does not depend back on internal/cron).
type Drainer interface {
	Drain(ctx context.Context, maxRounds int) (int, error)
}

// Config holds the dependencies for the poke ticker.
type Config struct {
	Ocean    Drainer
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero

	// Expr, if set, is a standard five-field cron expression ("*/5 * * * *")
	// or a descriptor ("@hourly", "@every 90s") that overrides Interval: the
	// ticker wakes at each scheduled time instead of on a fixed cadence.
	// Deployments that want pokes to line up with, say, the top of every
	// hour use this instead of Interval.
	Expr string
}

// Scheduler periodically drains Advance() calls against the substrate,
// either on a fixed interval or against a cron expression's schedule.
type Scheduler struct {
	ocean    Drainer
	logger   *slog.Logger
	interval time.Duration
	schedule cron.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config. It returns an
// error only if cfg.Expr is set and fails to parse.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var schedule cron.Schedule
	if cfg.Expr != "" {
		s, err := exprParser.Parse(cfg.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron: parse poke schedule %q: %w", cfg.Expr, err)
		}
		schedule = s
	}
	return &Scheduler{
		ocean:    cfg.Ocean,
		logger:   logger,
		interval: interval,
		schedule: schedule,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	if s.schedule != nil {
		go s.cronLoop(ctx)
		s.logger.Info("poke ticker started", "mode", "cron")
	} else {
		go s.loop(ctx)
		s.logger.Info("poke ticker started", "mode", "interval", "interval", s.interval)
	}
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("poke ticker stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval and
// drains Advance() on each tick.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// cronLoop wakes at each time s.schedule produces and drains Advance().
func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	next := s.schedule.Next(time.Now())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
			next = s.schedule.Next(time.Now())
		}
	}
}

// tick drains Advance() until it returns advanced=0.
func (s *Scheduler) tick(ctx context.Context) {
	rounds, err := s.ocean.Drain(ctx, 0)
	if err != nil {
		s.logger.Error("cron: drain failed", "error", err)
		return
	}
	if rounds > 0 {
		s.logger.Info("cron: drained", "rounds", rounds)
	}
}
