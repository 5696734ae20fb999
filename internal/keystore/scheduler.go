package keystore

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronScheduler implements Scheduler on a cron runner. The rotation trigger
// is a one-shot entry fired at an absolute timestamp; each ScheduleAt call
// removes the entry from the previous one so stale triggers never fire.
type CronScheduler struct {
	runner *cron.Cron
	logger *zap.Logger

	mu    sync.Mutex
	entry cron.EntryID
}

var _ Scheduler = (*CronScheduler)(nil)

// NewCronScheduler starts the underlying cron runner.
func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.L()
	}
	runner := cron.New()
	runner.Start()
	return &CronScheduler{runner: runner, logger: logger}
}

// ScheduleAt registers fn to run once at t, superseding the trigger from any
// previous call. Timestamps already in the past are skipped.
func (s *CronScheduler) ScheduleAt(t time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.runner.Remove(s.entry)
		s.entry = 0
	}
	if !t.After(time.Now()) {
		s.logger.Warn("skipping rotation trigger in the past", zap.Time("at", t))
		return nil
	}
	s.entry = s.runner.Schedule(onceAt{at: t}, cron.FuncJob(fn))
	return nil
}

// Stop halts the runner, waiting for in-flight jobs.
func (s *CronScheduler) Stop() {
	ctx := s.runner.Stop()
	<-ctx.Done()
}

// onceAt fires exactly once at the stored time; returning the zero time
// afterwards removes the entry from the runner.
type onceAt struct {
	at time.Time
}

func (s onceAt) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}
