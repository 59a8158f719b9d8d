// Package scheduler implements the delayed-execution facility behind
// automatic prohibition expiry. It runs in-process on time.AfterFunc
// timers; durability across restarts is the caller's concern (the
// service re-derives pending jobs from the store on startup).
package scheduler

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/imignatov/reservation-disputes/internal/clock"
)

// ErrUnknownJob is returned by Reschedule when the supplied handle no
// longer refers to a live job (it already fired, was cancelled, or
// never existed). Callers fall back to a fresh Schedule.
var ErrUnknownJob = errors.New("unknown job")

// Action is the termination callback attached to a job. It receives
// the prohibition id the job was scheduled for and the id of the job
// that fired, so the owner can detect stale firings. A returned error
// is logged; the job still ends FIRED and is never retried.
type Action func(prohibitionID, jobID uint64) error

type jobState uint8

const (
	statePending jobState = iota
	stateFired
	stateCancelled
)

// job tracks one scheduled termination. A job moves from PENDING to
// exactly one of FIRED or CANCELLED; there is no transition out of a
// terminal state.
type job struct {
	id            uint64
	prohibitionID uint64
	fireAt        time.Time
	act           Action
	timer         *time.Timer
	state         jobState
}

// TimerScheduler executes actions at a future instant, exactly once
// per job, with cancel and reschedule support. All methods are safe
// for concurrent use; actions run on timer goroutines and may execute
// concurrently with foreground calls.
type TimerScheduler struct {
	clk clock.Clock

	mu     sync.Mutex
	nextID uint64
	jobs   map[uint64]*job
}

// NewTimerScheduler returns an empty scheduler. A nil clock defaults
// to the system clock.
func NewTimerScheduler(clk clock.Clock) *TimerScheduler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &TimerScheduler{
		clk:  clk,
		jobs: make(map[uint64]*job),
	}
}

// Schedule registers act to run at fireAt and returns the job handle.
// A fireAt in the past or at the current instant fires immediately on
// a timer goroutine; this is not an error.
func (s *TimerScheduler) Schedule(prohibitionID uint64, fireAt time.Time, act Action) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	j := &job{
		id:            s.nextID,
		prohibitionID: prohibitionID,
		fireAt:        fireAt.UTC(),
		act:           act,
		state:         statePending,
	}
	delay := j.fireAt.Sub(s.clk.Now())
	jobID := j.id
	j.timer = time.AfterFunc(delay, func() { s.fire(jobID) })
	s.jobs[j.id] = j
	return j.id, nil
}

// Cancel stops a pending job. It is idempotent: cancelling a job that
// already fired, was already cancelled, or never existed is a no-op.
func (s *TimerScheduler) Cancel(jobID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.state != statePending {
		return
	}
	j.timer.Stop()
	j.state = stateCancelled
	delete(s.jobs, jobID)
}

// Reschedule cancels jobID and schedules its action afresh at
// newFireAt, returning the new handle. The old handle becomes inert.
// When jobID is no longer live, ErrUnknownJob is returned and nothing
// is scheduled.
func (s *TimerScheduler) Reschedule(jobID uint64, newFireAt time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.jobs[jobID]
	if !ok || old.state != statePending {
		return 0, ErrUnknownJob
	}
	old.timer.Stop()
	old.state = stateCancelled
	delete(s.jobs, jobID)

	s.nextID++
	j := &job{
		id:            s.nextID,
		prohibitionID: old.prohibitionID,
		fireAt:        newFireAt.UTC(),
		act:           old.act,
		state:         statePending,
	}
	delay := j.fireAt.Sub(s.clk.Now())
	newID := j.id
	j.timer = time.AfterFunc(delay, func() { s.fire(newID) })
	s.jobs[j.id] = j
	return j.id, nil
}

// Close cancels all pending jobs. In-flight actions are left to
// finish on their own goroutines.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if j.state == statePending {
			j.timer.Stop()
			j.state = stateCancelled
		}
		delete(s.jobs, id)
	}
}

// Pending reports the number of jobs still waiting to fire.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// fire runs on the timer goroutine. The state check under the lock
// resolves the race between a firing timer and a concurrent Cancel:
// whichever transition happens first wins, and the loser is a no-op.
func (s *TimerScheduler) fire(jobID uint64) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok || j.state != statePending {
		s.mu.Unlock()
		return
	}
	j.state = stateFired
	s.mu.Unlock()

	// The action runs outside the lock so a slow termination cannot
	// block scheduling or cancellation of other jobs. A failed action
	// is logged and the job stays FIRED; retrying forever would be
	// worse than one missed expiry, which the startup re-scan repairs.
	if err := j.act(j.prohibitionID, j.id); err != nil {
		log.Printf("scheduler: job %d for prohibition %d failed: %v", j.id, j.prohibitionID, err)
	}

	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}
