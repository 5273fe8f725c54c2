package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/internal/metrics"
)

// ErrUnknownTask is returned by RunNow for a task never registered
var ErrUnknownTask = errors.New("unknown task")

// TaskTimeout bounds a single task run
const TaskTimeout = 10 * time.Minute

type entry struct {
	task     Task
	schedule string
	mu       sync.Mutex // a task never overlaps itself, scheduled or manual
}

// Runner drives tasks on cron schedules ("@every 1m", "0 3 * * *")
type Runner struct {
	cron    *cron.Cron
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a stopped runner
func NewRunner() *Runner {
	l := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.DelayIfStillRunning(l)),
		),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register schedules t. An empty schedule registers the task for manual runs
// only.
func (r *Runner) Register(t Task, schedule string) error {
	if _, ok := r.entries[t.Name()]; ok {
		return fmt.Errorf("task %s registered twice", t.Name())
	}
	e := &entry{task: t, schedule: schedule}
	if schedule != "" {
		if _, err := r.cron.AddFunc(schedule, func() { _ = r.run(r.ctx, e) }); err != nil {
			return fmt.Errorf("invalid schedule %q for task %s: %w", schedule, t.Name(), err)
		}
	}
	r.entries[t.Name()] = e
	return nil
}

// Start begins scheduled execution
func (r *Runner) Start() {
	r.cron.Start()
	logger.Info("scheduler started", "tasks", r.Tasks())
}

// Stop cancels running tasks and waits for them to return or ctx to expire
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a task immediately, waiting for a running instance to finish
func (r *Runner) RunNow(ctx context.Context, name string) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.run(ctx, e)
}

// Tasks lists the registered task names
func (r *Runner) Tasks() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schedule returns the schedule of a task and whether it is registered
func (r *Runner) Schedule(name string) (string, bool) {
	e, ok := r.entries[name]
	if !ok {
		return "", false
	}
	return e.schedule, true
}

func (r *Runner) run(ctx context.Context, e *entry) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, TaskTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", e.task.Name(), p)
		}
		metrics.ObserveTask(e.task.Name(), start, err)
		if err != nil {
			logger.Error("task failed", "task", e.task.Name(), "error", err)
		} else {
			logger.Debug("task finished", "task", e.task.Name(), "duration", time.Since(start))
		}
	}()

	return e.task.Run(ctx)
}

// cronLogger routes robfig/cron logs to the process logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Trace("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
