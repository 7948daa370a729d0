package sched

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs named one-shot and periodic jobs. Callbacks are serialized
// through a single mutex so jobs never observe each other mid-update, and a
// rescheduled name replaces the previous job of that name.
type Scheduler struct {
	mu      sync.Mutex
	runMu   sync.Mutex
	cron    *cron.Cron
	timers  map[string]*time.Timer
	entries map[string]cron.EntryID
	logger  *zap.Logger
	stopped bool
}

func New(logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		timers:  map[string]*time.Timer{},
		entries: map[string]cron.EntryID{},
		logger:  logger,
	}
	s.cron.Start()
	return s
}

// After schedules fn to run once after delay. A previous job with the same
// name is cancelled first.
func (s *Scheduler) After(name string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked(name)
	s.logger.Debug("Scheduling one-shot job",
		zap.String("name", name),
		zap.Duration("delay", delay))
	s.timers[name] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, name)
		s.mu.Unlock()
		s.run(name, fn)
	})
}

// Every schedules fn to run at the given interval until cancelled.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}
	s.cancelLocked(name)
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.run(name, fn)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Debug("Scheduling periodic job",
		zap.String("name", name),
		zap.Duration("interval", interval))
	s.entries[name] = id
	return nil
}

func (s *Scheduler) run(name string, fn func()) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled job panicked",
				zap.String("name", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// Run executes fn immediately, serialized with scheduled jobs. It lets
// request handlers touch state that is otherwise only mutated from
// callbacks.
func (s *Scheduler) Run(name string, fn func()) {
	s.run(name, fn)
}

// Cancel removes the named job. It is a no-op for unknown names.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
}

// CancelPrefix removes every job whose name starts with prefix.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.timers {
		if strings.HasPrefix(name, prefix) {
			s.cancelLocked(name)
		}
	}
	for name := range s.entries {
		if strings.HasPrefix(name, prefix) {
			s.cancelLocked(name)
		}
	}
}

func (s *Scheduler) cancelLocked(name string) {
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Pending reports whether a job with the given name is scheduled.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.timers[name]
	_, e := s.entries[name]
	return t || e
}

// Stop cancels all jobs and waits for the running one, if any, to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for name := range s.timers {
		s.cancelLocked(name)
	}
	for name := range s.entries {
		s.cancelLocked(name)
	}
	s.mu.Unlock()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.runMu.Lock()
	s.runMu.Unlock() //nolint:staticcheck // barrier for in-flight timer callbacks
}
