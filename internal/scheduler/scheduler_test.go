package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "proposalbot/pkg/logx"
)

func TestTickFiresOnlyDueJobs(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, TickEvery: time.Hour}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	var fired atomic.Int32
	s.Enqueue(1, "due", time.Now().Add(-time.Second), func(ctx context.Context) error {
		fired.Add(1)
		return nil
	})
	s.Enqueue(1, "future", time.Now().Add(time.Hour), func(ctx context.Context) error {
		fired.Add(100)
		return nil
	})

	s.tick()
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].Note != "due" || hist[0].Error != "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestFailedJobRecordsError(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, TickEvery: time.Hour}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	s.Enqueue(1, "broken", time.Now().Add(-time.Second), func(ctx context.Context) error {
		return errors.New("boom")
	})
	s.tick()
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)

	hist := s.History()
	if len(hist) != 1 || hist[0].Error != "boom" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, TickEvery: time.Hour, HistorySize: 2}, logx.Nop())
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.record(Job{ID: uint64(i)}, now, "")
	}
	if got := len(s.History()); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, TickEvery: time.Hour}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
}
