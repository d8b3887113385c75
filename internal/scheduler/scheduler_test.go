package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingRefresher struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (r *countingRefresher) RefreshData(ctx context.Context) error {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return r.err
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(&countingRefresher{}, time.Second, nil)
	if err := s.Start("every minute please"); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestScheduledRefreshRuns(t *testing.T) {
	r := &countingRefresher{err: errors.New("offline")}
	s := New(r, time.Second, nil)
	if err := s.Start("@every 1s"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for r.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("refresh never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	r := &countingRefresher{block: make(chan struct{})}
	s := New(r, time.Minute, nil)

	done := make(chan struct{})
	go func() {
		s.refresh()
		close(done)
	}()
	for r.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	s.refresh()
	if got := r.calls.Load(); got != 1 {
		t.Fatalf("expected overlapping tick to be skipped, got %d calls", got)
	}

	close(r.block)
	<-done
}
