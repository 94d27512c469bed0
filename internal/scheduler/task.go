// Package scheduler runs recurring tasks without overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"position-core/pkg/cache"
)

// Locker provides an optional cross-instance lock, such as cache.RedisLocker.
// Acquire returns cache.ErrLockHeld when another instance owns the key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Task is a named job guarded by a single-flight lock: a run that starts
// while the previous one is still going is skipped, never queued.
type Task struct {
	name   string
	fn     func(ctx context.Context) error
	logger *zap.Logger

	locker  Locker
	lockTTL time.Duration

	mu       sync.Mutex
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	statMu   sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithLocker makes the task also take a cross-instance lock for ttl.
func WithLocker(l Locker, ttl time.Duration) TaskOption {
	return func(t *Task) {
		t.locker = l
		t.lockTTL = ttl
	}
}

// WithLogger sets the task logger.
func WithLogger(l *zap.Logger) TaskOption {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTask wraps fn.
func NewTask(name string, fn func(ctx context.Context) error, opts ...TaskOption) *Task {
	t := &Task{name: name, fn: fn, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("task", name))
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Run executes the task unless a run is already in flight. It reports whether
// the task actually ran.
func (t *Task) Run(ctx context.Context) bool {
	ran, _ := t.Try(ctx)
	return ran
}

// Try is Run for on-demand callers: ran is false when the run was skipped
// because another one holds the task, locally or on another instance. err is
// the task's own error, or why the cross-instance lock could not be checked.
func (t *Task) Try(ctx context.Context) (ran bool, err error) {
	if !t.mu.TryLock() {
		t.skips.Add(1)
		t.logger.Debug("previous run still in flight, skipping")
		return false, nil
	}
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	if t.locker != nil {
		release, err := t.locker.Acquire(ctx, "task:"+t.name, t.lockTTL)
		if err != nil {
			t.skips.Add(1)
			if errors.Is(err, cache.ErrLockHeld) {
				return false, nil
			}
			t.logger.Warn("task lock unavailable", zap.Error(err))
			return false, err
		}
		defer release()
	}

	start := time.Now()
	err = t.safeCall(ctx)
	took := time.Since(start)

	t.runs.Add(1)
	t.statMu.Lock()
	t.lastRun = start
	t.lastTook = took
	t.lastErr = ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.statMu.Unlock()

	if err != nil {
		t.failures.Add(1)
		t.logger.Warn("task failed", zap.Duration("took", took), zap.Error(err))
	} else {
		t.logger.Debug("task done", zap.Duration("took", took))
	}
	return true, err
}

func (t *Task) safeCall(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.New("task panicked")
		}
	}()
	return t.fn(ctx)
}

// Stats is a snapshot of task counters.
type Stats struct {
	Name     string        `json:"name"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"last_run"`
	LastTook time.Duration `json:"last_took_ns"`
	LastErr  string        `json:"last_error,omitempty"`
}

// Stats returns the current counters.
func (t *Task) Stats() Stats {
	t.statMu.Lock()
	defer t.statMu.Unlock()
	return Stats{
		Name:     t.name,
		Runs:     t.runs.Load(),
		Skips:    t.skips.Load(),
		Failures: t.failures.Load(),
		LastRun:  t.lastRun,
		LastTook: t.lastTook,
		LastErr:  t.lastErr,
	}
}
