package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"position-core/pkg/cache"
)

func TestTaskSkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	task := NewTask("monitor", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})

	done := make(chan bool)
	go func() { done <- task.Run(context.Background()) }()
	<-started

	if task.Run(context.Background()) {
		t.Fatal("second run started while first was in flight")
	}
	close(release)
	if !<-done {
		t.Fatal("first run reported skipped")
	}
	if !task.Run(context.Background()) {
		t.Fatal("run after completion was skipped")
	}

	s := task.Stats()
	if s.Runs != 2 || s.Skips != 1 || calls.Load() != 2 {
		t.Errorf("stats = %+v calls = %d", s, calls.Load())
	}
}

func TestTaskRecordsFailureAndPanic(t *testing.T) {
	task := NewTask("sync", func(ctx context.Context) error { return errors.New("exchange down") })
	task.Run(context.Background())
	if s := task.Stats(); s.Failures != 1 || s.LastErr != "exchange down" {
		t.Errorf("stats = %+v", s)
	}

	boom := NewTask("boom", func(ctx context.Context) error { panic("bad") })
	if !boom.Run(context.Background()) {
		t.Fatal("panicking task reported skipped")
	}
	if s := boom.Stats(); s.Failures != 1 {
		t.Errorf("panic not counted: %+v", s)
	}
}

func TestTaskDoesNotStartAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var called atomic.Bool
	task := NewTask("funding", func(ctx context.Context) error {
		called.Store(true)
		return nil
	})
	if task.Run(ctx) || called.Load() {
		t.Error("task ran after shutdown")
	}
}

type heldLocker struct{}

func (heldLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	return nil, cache.ErrLockHeld
}

func TestTaskHonoursLocker(t *testing.T) {
	var called atomic.Bool
	task := NewTask("sync", func(ctx context.Context) error {
		called.Store(true)
		return nil
	}, WithLocker(heldLocker{}, time.Minute))
	if task.Run(context.Background()) || called.Load() {
		t.Error("task ran while another instance held the lock")
	}
}

func TestTryReportsRunError(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	task := NewTask("sync", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return nil
		}
		return errors.New("exchange down")
	})

	done := make(chan bool)
	go func() { done <- task.Run(context.Background()) }()
	<-started
	if ran, err := task.Try(context.Background()); ran || err != nil {
		t.Fatalf("overlapping Try = %v, %v", ran, err)
	}
	close(release)
	if !<-done {
		t.Fatal("first run reported skipped")
	}
	ran, err := task.Try(context.Background())
	if !ran || err == nil || err.Error() != "exchange down" {
		t.Fatalf("Try = %v, %v", ran, err)
	}

	locked := NewTask("sync", func(ctx context.Context) error { return nil }, WithLocker(heldLocker{}, time.Minute))
	if ran, err := locked.Try(context.Background()); ran || err != nil {
		t.Errorf("Try under a held lock = %v, %v", ran, err)
	}
}

func TestRunnerFiresTask(t *testing.T) {
	var calls atomic.Int32
	task := NewTask("tick", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	r := NewRunner(context.Background(), nil)
	if _, err := r.Every(time.Second, task); err != nil {
		t.Fatalf("Every: %v", err)
	}
	if _, err := r.Every(0, task); err == nil {
		t.Error("zero interval accepted")
	}
	r.Start()
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	r.Stop()
	if calls.Load() == 0 {
		t.Fatal("task never fired")
	}
	if len(r.Stats()) != 1 {
		t.Errorf("stats = %+v", r.Stats())
	}
}
