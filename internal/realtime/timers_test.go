package realtime

import (
	"testing"
	"time"
)

func TestSchedulerReplacesTaskAndIgnoresStaleFiring(t *testing.T) {
	clock := newManualClock()
	var queued []func()
	post := func(fn func()) bool {
		queued = append(queued, fn)
		return true
	}
	timers := newScheduler(clock, post)
	key := timerKey{kind: timerLeave, name: "user:a"}

	var ran []string
	timers.schedule(key, time.Second, func() { ran = append(ran, "first") })
	// the first timer fires, but is replaced before the loop runs it
	clock.fireNext(clock.Now().Add(time.Second))
	timers.schedule(key, time.Second, func() { ran = append(ran, "second") })
	for _, fn := range queued {
		fn()
	}
	queued = nil
	if len(ran) != 0 {
		t.Fatalf("stale firing must not run, got %v", ran)
	}

	clock.fireNext(clock.Now().Add(time.Second))
	for _, fn := range queued {
		fn()
	}
	if len(ran) != 1 || ran[0] != "second" {
		t.Fatalf("expected replacement to run once, got %v", ran)
	}
	if timers.pending(key) {
		t.Fatalf("task must be forgotten after running")
	}
}

func TestSchedulerCancelKind(t *testing.T) {
	clock := newManualClock()
	timers := newScheduler(clock, func(fn func()) bool { fn(); return true })
	timers.schedule(timerKey{kind: timerAck, name: "t-1"}, time.Second, func() {})
	timers.schedule(timerKey{kind: timerAck, name: "t-2"}, time.Second, func() {})
	timers.schedule(timerKey{kind: timerLeave, name: "user:a"}, time.Second, func() {})

	timers.cancelKind(timerAck)
	if timers.pending(timerKey{kind: timerAck, name: "t-1"}) || timers.pending(timerKey{kind: timerAck, name: "t-2"}) {
		t.Fatalf("ack timers must be cancelled")
	}
	if !timers.pending(timerKey{kind: timerLeave, name: "user:a"}) {
		t.Fatalf("other kinds must survive")
	}
}
