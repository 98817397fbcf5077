// Package scheduler runs the monitor's periodic tasks on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps robfig/cron. A run still in progress when its next
// activation fires makes that activation a no-op.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	tasks  map[string]*scheduledTask
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

type scheduledTask struct {
	task    Task
	entryID cron.EntryID
	stats   Stats
}

// New creates a Scheduler evaluating cron expressions in loc (Local when nil).
func New(ctx context.Context, logger *slog.Logger, loc *time.Location) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}

	schedCtx, cancel := context.WithCancel(ctx)
	cronLogger := &cronSlogAdapter{logger: logger}

	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithLocation(loc),
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	)

	return &Scheduler{
		cron:   c,
		ctx:    schedCtx,
		cancel: cancel,
		logger: logger,
		tasks:  make(map[string]*scheduledTask),
	}
}

// Add schedules a task. Names must be unique.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if task.Run == nil {
		return fmt.Errorf("task %q has no run function", task.Name)
	}

	schedule, err := ParseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("failed to parse schedule for task %q: %w", task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.Name]; exists {
		return fmt.Errorf("task %q already exists", task.Name)
	}

	st := &scheduledTask{
		task:  task,
		stats: Stats{Name: task.Name, Schedule: task.Schedule, NextRun: schedule.Next(time.Now())},
	}
	st.entryID = s.cron.Schedule(schedule, s.wrap(task.Name))
	s.tasks[task.Name] = st

	s.logger.Info("task scheduled",
		slog.String("task", task.Name),
		slog.String("schedule", task.Schedule),
		slog.Time("next_run", st.stats.NextRun),
	)
	return nil
}

func (s *Scheduler) wrap(name string) cron.FuncJob {
	return func() {
		s.mu.Lock()
		st, ok := s.tasks[name]
		if !ok {
			s.mu.Unlock()
			return
		}
		task := st.task
		st.stats.LastRun = time.Now()
		st.stats.RunCount++
		s.mu.Unlock()

		s.wg.Add(1)
		defer s.wg.Done()

		runCtx := s.ctx
		if task.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(s.ctx, task.Timeout)
			defer cancel()
		}

		start := time.Now()
		err := task.Run(runCtx)
		duration := time.Since(start)

		if err != nil {
			s.logger.Error("task failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
				slog.Duration("duration", duration),
			)
		} else {
			s.logger.Debug("task completed",
				slog.String("task", name),
				slog.Duration("duration", duration),
			)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			st.stats.Failures++
			st.stats.LastError = err.Error()
		} else {
			st.stats.LastError = ""
		}
		if entry := s.cron.Entry(st.entryID); entry.ID != 0 {
			st.stats.NextRun = entry.Next
		}
	}
}

// RunNow runs a scheduled task synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	_, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %q not found", name)
	}
	s.wrap(name)()
	return nil
}

// Start begins firing tasks.
func (s *Scheduler) Start() {
	s.mu.RLock()
	n := len(s.tasks)
	s.mu.RUnlock()

	if n == 0 {
		s.logger.Warn("starting scheduler with no tasks")
	}
	s.logger.Info("starting scheduler", slog.Int("task_count", n))
	s.cron.Start()
}

// Stop cancels running tasks and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("stopping scheduler")
	s.cancel()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all tasks stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout reached, some tasks may still be running")
		return ctx.Err()
	}
}

// Stats returns the stats of one task.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.tasks[name]
	if !ok {
		return Stats{}, false
	}
	stats := st.stats
	if entry := s.cron.Entry(st.entryID); entry.ID != 0 && !entry.Next.IsZero() {
		stats.NextRun = entry.Next
	}
	return stats, true
}

// AllStats returns the stats of every task ordered by name.
func (s *Scheduler) AllStats() []Stats {
	s.mu.RLock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		if st, ok := s.Stats(name); ok {
			out = append(out, st)
		}
	}
	return out
}

// cronSlogAdapter adapts slog.Logger to cron.Logger.
type cronSlogAdapter struct {
	logger *slog.Logger
}

func (a *cronSlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *cronSlogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := make([]any, 0, len(keysAndValues)+1)
	attrs = append(attrs, slog.String("error", err.Error()))
	attrs = append(attrs, keysAndValues...)
	a.logger.Error(msg, attrs...)
}
