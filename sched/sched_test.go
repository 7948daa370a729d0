package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAfterRunsOnce(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	var calls atomic.Int32
	done := make(chan struct{})
	s.After("finalize:abc", 10*time.Millisecond, func() {
		calls.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot job did not run")
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if s.Pending("finalize:abc") {
		t.Error("job should not be pending after running")
	}
}

func TestAfterReplacesSameName(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	var first, second atomic.Int32
	s.After("job", time.Hour, func() { first.Add(1) })
	done := make(chan struct{})
	s.After("job", 10*time.Millisecond, func() {
		second.Add(1)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replacement job did not run")
	}
	if first.Load() != 0 {
		t.Error("replaced job should not run")
	}
}

func TestCancel(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	var calls atomic.Int32
	s.After("job", 30*time.Millisecond, func() { calls.Add(1) })
	s.Cancel("job")
	if s.Pending("job") {
		t.Error("cancelled job still pending")
	}

	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("cancelled job ran")
	}
}

func TestCancelPrefix(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	s.After("cycle:finalize", time.Hour, func() {})
	s.After("cycle:rebalance", time.Hour, func() {})
	s.After("export", time.Hour, func() {})

	s.CancelPrefix("cycle:")
	if s.Pending("cycle:finalize") || s.Pending("cycle:rebalance") {
		t.Error("cycle jobs should be cancelled")
	}
	if !s.Pending("export") {
		t.Error("unrelated job should survive")
	}
}

func TestEveryRepeats(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	var calls atomic.Int32
	if err := s.Every("tick", 100*time.Millisecond, func() { calls.Add(1) }); err != nil {
		t.Fatalf("Every() error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("periodic job ran %d times, want >= 2", calls.Load())
	}

	s.Cancel("tick")
	n := calls.Load()
	time.Sleep(300 * time.Millisecond)
	if calls.Load() > n+1 {
		t.Error("periodic job kept running after cancel")
	}
}

func TestPanicRecovered(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(logger)
	defer s.Stop()

	done := make(chan struct{})
	s.After("bad", 5*time.Millisecond, func() { panic("boom") })
	s.After("good", 50*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stopped running jobs after a panic")
	}
}
