package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "early") })

	c.Advance(500 * time.Millisecond)
	if len(fired) != 0 {
		t.Fatalf("fired = %v before deadline", fired)
	}

	c.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("fired = %v, want [early late]", fired)
	}
	if got := c.Now(); !got.Equal(epoch.Add(2500 * time.Millisecond)) {
		t.Fatalf("Now() = %v", got)
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatal("expected second Stop to be a no-op")
	}

	c.Advance(time.Minute)
	if called {
		t.Fatal("stopped timer fired")
	}
	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
}

func TestFakeTimerStopAfterFireIsNoop(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	timer := c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)

	if timer.Stop() {
		t.Fatal("Stop after fire should return false")
	}
}

func TestFakeClockCallbackCanReschedule(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestFakeClockSetDoesNotFire(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	called := false
	c.AfterFunc(time.Second, func() { called = true })

	c.Set(epoch.Add(time.Hour))
	if called {
		t.Fatal("Set must not fire timers")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", c.PendingCount())
	}
}
