package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	kclocktesting "k8s.io/utils/clock/testing"
)

func TestRealSleepWakesOnClock(t *testing.T) {
	t.Parallel()
	fake := kclocktesting.NewFakeClock(time.Unix(0, 0))
	s := Real{Clock: fake}

	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), time.Minute) }()

	deadline := time.Now().Add(2 * time.Second)
	for !fake.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("sleeper never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	fake.Step(30 * time.Second)
	select {
	case <-done:
		t.Fatalf("woke before the full duration")
	case <-time.After(20 * time.Millisecond):
	}
	fake.Step(30 * time.Second)
	if err := <-done; err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestRealSleepCancelled(t *testing.T) {
	t.Parallel()
	s := Real{Clock: kclocktesting.NewFakeClock(time.Unix(0, 0))}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := s.Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestZeroDurationReturnsImmediately(t *testing.T) {
	t.Parallel()
	if err := New().Sleep(context.Background(), 0); err != nil {
		t.Fatalf("err=%v", err)
	}
	calls := 0
	var s Sleeper = SleeperFunc(func(context.Context, time.Duration) error { calls++; return nil })
	_ = s.Sleep(context.Background(), time.Second)
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}
