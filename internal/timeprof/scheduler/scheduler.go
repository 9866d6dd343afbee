// Package scheduler arms one pending wall-clock timer per user on top of a
// robfig/cron engine.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler maps each user to at most one armed one-shot timer.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a stopped scheduler; call Start before arming timers.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels all armed timers and waits for any running callback to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, entryID := range s.entries {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ScheduleAt arms fn to run once at the given absolute time, replacing any
// timer previously armed for this user. Replacement is atomic from the
// caller's point of view: the old timer is removed before the new one is
// added, so a rearm can never double-fire. A time in the past fires almost
// immediately.
func (s *Scheduler) ScheduleAt(userID string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[userID]; ok {
		s.cron.Remove(old)
	}

	sched := &onceAt{at: at}
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		sched.done.Store(true)
		s.forget(userID, sched)
		fn()
	}))
	sched.entry = entryID
	s.entries[userID] = entryID
	slog.Debug("scheduler: armed", "user", userID, "at", at)
}

// Cancel removes the user's armed timer; a no-op when none is armed.
func (s *Scheduler) Cancel(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[userID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, userID)
		slog.Debug("scheduler: cancelled", "user", userID)
	}
}

// Armed reports whether the user currently has a pending timer.
func (s *Scheduler) Armed(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

// forget drops the bookkeeping for a fired timer, unless the user was
// rearmed in the meantime (then the map points at a newer entry).
func (s *Scheduler) forget(userID string, sched *onceAt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[userID]; ok && entryID == sched.entry {
		s.cron.Remove(entryID)
		delete(s.entries, userID)
	}
}

// onceAt is a cron.Schedule that activates exactly once at (or as soon as
// possible after) a fixed wall-clock time.
type onceAt struct {
	at    time.Time
	done  atomic.Bool
	entry cron.EntryID
}

// Next returns the activation time while the job has not run, and the zero
// time afterwards so cron never reschedules it.
func (o *onceAt) Next(t time.Time) time.Time {
	if o.done.Load() {
		return time.Time{}
	}
	if t.Before(o.at) {
		return o.at
	}
	// Already due (armed with a past time): fire on the next tick.
	return t.Add(100 * time.Millisecond)
}
