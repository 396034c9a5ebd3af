package realtime

import "time"

// Clock abstracts time so timer-driven behaviour can be driven from tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind uint8

const (
	timerReconnect timerKind = iota + 1
	timerHeartbeat
	timerPong
	timerLeave
	timerTypingIdle
	timerTypingSweep
	timerAck
	timerJoinRetry
)

type timerKey struct {
	kind timerKind
	name string
}

type scheduledTask struct {
	timer Timer
}

// scheduler keeps at most one task per key. Scheduling a key replaces the
// previous task; a replaced or cancelled task never runs even if its timer
// already fired and is waiting in the event queue.
type scheduler struct {
	clock Clock
	post  func(func()) bool
	tasks map[timerKey]*scheduledTask
}

func newScheduler(clock Clock, post func(func()) bool) *scheduler {
	return &scheduler{
		clock: clock,
		post:  post,
		tasks: make(map[timerKey]*scheduledTask),
	}
}

func (s *scheduler) schedule(key timerKey, delay time.Duration, fn func()) {
	s.cancel(key)
	task := &scheduledTask{}
	s.tasks[key] = task
	task.timer = s.clock.AfterFunc(delay, func() {
		s.post(func() {
			if s.tasks[key] != task {
				return
			}
			delete(s.tasks, key)
			fn()
		})
	})
}

func (s *scheduler) cancel(key timerKey) bool {
	task, ok := s.tasks[key]
	if !ok {
		return false
	}
	delete(s.tasks, key)
	if task.timer != nil {
		task.timer.Stop()
	}
	return true
}

func (s *scheduler) pending(key timerKey) bool {
	_, ok := s.tasks[key]
	return ok
}

func (s *scheduler) cancelKind(kind timerKind) {
	for key := range s.tasks {
		if key.kind == kind {
			s.cancel(key)
		}
	}
}

func (s *scheduler) cancelAll() {
	for key := range s.tasks {
		s.cancel(key)
	}
}
