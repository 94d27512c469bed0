package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Runner drives tasks on cron schedules. Overlapping firings of the same
// entry are skipped by the cron chain and again by each task's own guard.
type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	mu    sync.Mutex
	tasks []*Task
}

// NewRunner creates a runner whose jobs receive baseCtx. Cancelling baseCtx
// makes in-flight jobs wind down and later firings return immediately.
func NewRunner(baseCtx context.Context, logger *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Named("cron").Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Every schedules task at a fixed interval.
func (r *Runner) Every(interval time.Duration, task *Task) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("schedule %s: interval must be positive", task.Name())
	}
	return r.Add(fmt.Sprintf("@every %s", interval), task)
}

// Add schedules task with a cron spec (seconds field enabled).
func (r *Runner) Add(spec string, task *Task) (cron.EntryID, error) {
	id, err := r.cron.AddFunc(spec, func() {
		task.Run(r.baseCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s: %w", task.Name(), err)
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	return id, nil
}

// Start begins firing schedules.
func (r *Runner) Start() {
	r.logger.Info("cron started")
	r.cron.Start()
}

// Stop prevents new firings and waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

// Stats reports every scheduled task.
func (r *Runner) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Stats())
	}
	return out
}

// cronLogger routes cron's internal logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
