// Copyright (c) 2024, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler is the task scheduler. It buckets a minute interval
// into the coarsest cron expression that still honors it and runs named
// jobs on github.com/robfig/cron/v3, tracking each job's status the way a
// ticker lifecycle with a cancellable context tracks health-check state.
// A job already running when its next tick (or an out-of-band trigger)
// fires is left alone rather than started a second time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/SavvyMeat/aw-downloader/internal/logging"
	"github.com/SavvyMeat/aw-downloader/internal/models"
)

// JobFunc is one scheduled task's body. It receives a context bound to the
// scheduler's lifetime, not the individual run, so long jobs can honor
// cancellation on shutdown.
type JobFunc func(ctx context.Context) error

type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	mu        sync.RWMutex
	jobs      map[string]*models.TaskRecord
	fns       map[string]JobFunc
	schedules map[string]cron.Schedule

	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(),
		logger:    logging.For("scheduler"),
		jobs:      make(map[string]*models.TaskRecord),
		fns:       make(map[string]JobFunc),
		schedules: make(map[string]cron.Schedule),
		ctx:       ctx,
		cancel:    cancel,
	}
}

const (
	minutesPerHour = 60
	minutesPerDay  = 24 * minutesPerHour
	minutesPerWeek = 7 * minutesPerDay
)

// IntervalToSpec buckets a minute interval into a cron expression, coarsening
// as the interval grows so a "run every N days" setting doesn't spawn a job
// that re-evaluates every minute:
//   - under an hour: every N minutes
//   - under a day: hourly, every floor(N/60) hours, on the hour
//   - under a week: daily, every floor(N/1440) days, at 00:00
//   - a week or more: monthly, on the 1st at 02:00
func IntervalToSpec(minutes int) string {
	switch {
	case minutes < minutesPerHour:
		if minutes <= 0 {
			minutes = 1
		}
		return fmt.Sprintf("@every %dm", minutes)
	case minutes < minutesPerDay:
		hours := minutes / minutesPerHour
		if hours < 1 {
			hours = 1
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	case minutes < minutesPerWeek:
		days := minutes / minutesPerDay
		if days < 1 {
			days = 1
		}
		return fmt.Sprintf("0 0 */%d * *", days)
	default:
		return "0 2 1 * *"
	}
}

// Register schedules fn to run every intervalMinutes, under name. NextRun is
// computed from the parsed schedule directly rather than from the cron
// entry, since cron only backfills Entry.Next once the scheduler is
// running and Register runs before Start.
func (s *Scheduler) Register(name, description string, intervalMinutes int, fn JobFunc) error {
	schedule, err := cron.ParseStandard(IntervalToSpec(intervalMinutes))
	if err != nil {
		return fmt.Errorf("scheduler: parse schedule for %q: %w", name, err)
	}

	s.mu.Lock()
	s.jobs[name] = &models.TaskRecord{
		ID:              name,
		Name:            name,
		Description:     description,
		IntervalMinutes: intervalMinutes,
		Status:          models.TaskIdle,
		NextRun:         schedule.Next(time.Now()),
	}
	s.fns[name] = fn
	s.schedules[name] = schedule
	s.mu.Unlock()

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(name, fn)
	}))
	return nil
}

// TriggerNow runs fn immediately under the status record of the job
// registered as name, out of band from its schedule; the job's own
// registered function is not run (Trigger does that).
func (s *Scheduler) TriggerNow(name string, fn JobFunc) {
	go s.run(name, fn)
}

// Trigger looks up a job by name and runs it immediately, returning an
// error if no job was ever registered under that name.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	fn, ok := s.fns[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("scheduler: no job registered as %q", name)
	}
	go s.run(name, fn)
	return nil
}

func (s *Scheduler) run(name string, fn JobFunc) {
	s.mu.Lock()
	rec := s.jobs[name]
	if rec == nil {
		rec = &models.TaskRecord{Name: name}
		s.jobs[name] = rec
	}
	if rec.Status == models.TaskRunning {
		s.mu.Unlock()
		s.logger.Warn().Str("task", name).Msg("scheduler: skipping trigger, task already running")
		return
	}
	rec.Status = models.TaskRunning
	s.mu.Unlock()

	start := time.Now()
	err := fn(s.ctx)
	took := time.Since(start)

	s.mu.Lock()
	rec.LastRun = start
	rec.LastRunTook = took.String()
	if sched, ok := s.schedules[name]; ok {
		rec.NextRun = sched.Next(time.Now())
	}
	if err != nil {
		rec.Status = models.TaskFailed
		rec.LastError = err.Error()
		s.logger.Error().Err(err).Str("task", name).Dur("took", took).Msg("scheduled task failed")
	} else {
		rec.Status = models.TaskSuccess
		rec.LastError = ""
		s.logger.Info().Str("task", name).Dur("took", took).Msg("scheduled task completed")
	}
	s.mu.Unlock()
}

// Start begins running scheduled jobs. Safe to call once.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs' context and waits for the cron scheduler to
// drain in-flight runs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()
}

// Status returns a snapshot of every registered task's record.
func (s *Scheduler) Status() []models.TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TaskRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, *rec)
	}
	return out
}
