// Package schedule triggers recurring assessment runs on a cron spec.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/redloop-ai/redloop/internal/logging"
)

// RunFunc executes one assessment run against the configured target.
type RunFunc func(ctx context.Context) error

// Service fires a RunFunc on a cron expression. Overlapping firings are
// skipped so a slow run never stacks a second one behind it.
type Service struct {
	spec    string
	run     RunFunc
	cron    *cron.Cron
	started bool
}

// NewService creates a cron-backed scheduler for recurring runs.
func NewService(spec string, run RunFunc) *Service {
	return &Service{
		spec: spec,
		run:  run,
		cron: cron.New(
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
}

// Start registers the run schedule and starts cron execution.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return errors.New("scheduler already started")
	}
	if s.run == nil {
		return errors.New("run function is required")
	}

	_, err := s.cron.AddFunc(s.spec, func() {
		if runErr := s.run(ctx); runErr != nil {
			logging.Logger().Warn("scheduled run failed", "err", runErr)
			return
		}
		logging.Logger().Info("scheduled run finished", "next", s.Next().Format(time.RFC3339))
	})
	if err != nil {
		return fmt.Errorf("register cron schedule %q: %w", s.spec, err)
	}

	s.cron.Start()
	s.started = true
	logging.Logger().Info("scheduler started", "cron", s.spec)
	return nil
}

// Stop stops cron and waits for an in-flight run to finish or ctx
// cancellation.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}

	doneCtx := s.cron.Stop()
	s.started = false
	select {
	case <-doneCtx.Done():
		logging.Logger().Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports when the schedule fires next. The zero time means the
// service is not started.
func (s *Service) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// NextAfter reports when spec would first fire after t. It doubles as
// spec validation for configs that have scheduling disabled.
func NextAfter(spec string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return sched.Next(t), nil
}
