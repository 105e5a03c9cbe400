package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

func startLoop(t *testing.T, clock mesh.Clock) *Loop {
	t.Helper()
	l := NewLoop(clock)
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

func TestPostRunsTasksInOrder(t *testing.T) {
	l := startLoop(t, mesh.NewSystemClock())

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Sync()

	if len(got) != 50 {
		t.Fatalf("Expected 50 tasks to run, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Task order broken at %d: got %d", i, v)
		}
	}
}

func TestAfterFiresInDeadlineOrder(t *testing.T) {
	clock := mesh.NewManualClock(time.Unix(0, 0))
	l := startLoop(t, clock)
	l.Sync()

	var got []int
	l.After(30*time.Millisecond, func() { got = append(got, 30) })
	l.After(10*time.Millisecond, func() { got = append(got, 10) })
	l.After(20*time.Millisecond, func() { got = append(got, 20) })

	clock.Advance(40 * time.Millisecond)
	l.Sync()

	if len(got) != 3 || got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Fatalf("Expected [10 20 30], got %v", got)
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	clock := mesh.NewManualClock(time.Unix(0, 0))
	l := startLoop(t, clock)
	l.Sync()

	var fired atomic.Bool
	id := l.After(10*time.Millisecond, func() { fired.Store(true) })
	l.Cancel(id)

	clock.Advance(20 * time.Millisecond)
	l.Sync()

	if fired.Load() {
		t.Error("Cancelled timer still fired")
	}
}

func TestEveryRepeatsAndStops(t *testing.T) {
	clock := mesh.NewManualClock(time.Unix(0, 0))
	l := startLoop(t, clock)
	l.Sync()

	var count atomic.Int32
	id := l.Every(10*time.Millisecond, func() { count.Add(1) })

	clock.Advance(35 * time.Millisecond)
	l.Sync()
	if got := count.Load(); got != 3 {
		t.Fatalf("Expected 3 periodic firings, got %d", got)
	}

	l.Cancel(id)
	clock.Advance(50 * time.Millisecond)
	l.Sync()
	if got := count.Load(); got != 3 {
		t.Errorf("Periodic timer fired after Cancel: %d", got)
	}
}

func TestTimerScheduledFromHandler(t *testing.T) {
	clock := mesh.NewManualClock(time.Unix(0, 0))
	l := startLoop(t, clock)
	l.Sync()

	done := make(chan struct{})
	l.After(10*time.Millisecond, func() {
		l.After(10*time.Millisecond, func() { close(done) })
	})

	clock.Advance(10 * time.Millisecond)
	l.Sync()
	clock.Advance(10 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Chained timer never fired")
	}
}
