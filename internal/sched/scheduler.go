// Package sched provides a deadline-ordered callback scheduler. All
// authentication timers (retransmission, AAA wait, reauthentication) run
// through a single scheduler instance per authenticator.
package sched

import (
	"container/heap"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dot1xd/dot1xd/internal/metrics"
)

// Job is a handle to a scheduled callback.
type Job struct {
	deadline  time.Time
	seq       uint64
	fn        func()
	index     int // heap index, -1 once popped
	cancelled bool
	s         *Scheduler
}

// Cancel prevents the job from firing. Idempotent; cancelling an already
// fired job is a no-op.
func (j *Job) Cancel() {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if !j.cancelled {
		j.cancelled = true
		if j.index >= 0 {
			heap.Remove(&j.s.jobs, j.index)
			metrics.TimerJobs.Set(float64(len(j.s.jobs)))
		}
	}
}

type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

// Earlier deadlines first; insertion order breaks ties.
func (h jobHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Scheduler fires callbacks in non-decreasing deadline order. Callbacks run
// on the scheduler goroutine with no scheduler lock held, so a callback may
// schedule further jobs, including itself.
type Scheduler struct {
	mu     sync.Mutex
	jobs   jobHeap
	seq    uint64
	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// New creates a scheduler. Run must be called for jobs to fire.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// CallLater schedules fn to run no earlier than now + delay.
func (s *Scheduler) CallLater(delay time.Duration, fn func()) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := &Job{
		deadline: time.Now().Add(delay),
		seq:      s.seq,
		fn:       fn,
		s:        s,
	}
	heap.Push(&s.jobs, j)
	metrics.TimerJobs.Set(float64(len(s.jobs)))
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return j
}

// Pending returns the number of outstanding jobs.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Run sleeps until the next deadline and fires all due jobs, forever until
// Stop. Call in a goroutine.
func (s *Scheduler) Run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	armed := true
	for {
		due, next := s.collectDue()
		for _, j := range due {
			s.fire(j)
		}

		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
		var wait <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			armed = true
			wait = timer.C
		}
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-wait:
			armed = false
		}
	}
}

// Stop halts the run loop. Outstanding jobs never fire.
func (s *Scheduler) Stop() {
	close(s.done)
}

// collectDue pops every job whose deadline has passed, preserving heap
// order, and returns the next pending deadline (zero if none).
func (s *Scheduler) collectDue() (due []*Job, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for len(s.jobs) > 0 && !s.jobs[0].deadline.After(now) {
		due = append(due, heap.Pop(&s.jobs).(*Job))
	}
	if len(s.jobs) > 0 {
		next = s.jobs[0].deadline
	}
	metrics.TimerJobs.Set(float64(len(s.jobs)))
	return due, next
}

// fire runs a job, swallowing panics so one bad callback cannot take down
// the timer loop.
func (s *Scheduler) fire(j *Job) {
	s.mu.Lock()
	cancelled := j.cancelled
	s.mu.Unlock()
	if cancelled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer job panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	j.fn()
}
