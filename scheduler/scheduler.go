// Package scheduler turns absolute deadlines into callbacks.
//
// Jobs are checked against the injected clock on every self-test. The
// loop started by Start runs a self-test per interval of wall time, while
// RunPending runs one synchronously, which is how tests force a deadline
// after moving a mock clock forward. Jobs that share a deadline fire in
// no particular order.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/vfstransfer/clock"
	"github.com/sirupsen/logrus"
)

// DefaultSelfTestInterval is used when no interval is configured.
const DefaultSelfTestInterval = time.Second

const (
	jobPending int32 = iota
	jobFired
	jobCancelled
)

// Job is a scheduled callback.
type Job struct {
	id        string
	deadline  time.Time
	callback  func()
	state     atomic.Int32
	scheduler *Scheduler
}

// ID returns the job's unique id.
func (j *Job) ID() string { return j.id }

// Deadline returns the time after which the job fires.
func (j *Job) Deadline() time.Time { return j.deadline }

// Cancel prevents the callback from running. It returns false if the job
// already fired or was cancelled before.
func (j *Job) Cancel() bool {
	if !j.state.CompareAndSwap(jobPending, jobCancelled) {
		return false
	}
	j.scheduler.remove(j)
	return true
}

// IsPending reports whether the job has neither fired nor been cancelled.
func (j *Job) IsPending() bool {
	return j.state.Load() == jobPending
}

// Scheduler fires jobs whose deadline has passed.
type Scheduler struct {
	mu           sync.Mutex
	jobs         map[string]*Job
	timeProvider clock.TimeProvider
	interval     time.Duration
	running      bool
	stopChan     chan struct{}
	done         chan struct{}
}

// New creates a scheduler. A nil tp uses the system clock; an interval of
// zero or less uses DefaultSelfTestInterval.
func New(tp clock.TimeProvider, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSelfTestInterval
	}
	return &Scheduler{
		jobs:         make(map[string]*Job),
		timeProvider: clock.OrDefault(tp),
		interval:     interval,
	}
}

// SelfTestInterval returns the polling interval.
func (s *Scheduler) SelfTestInterval() time.Duration { return s.interval }

// Schedule registers callback to run once deadline has passed.
func (s *Scheduler) Schedule(deadline time.Time, callback func()) *Job {
	job := &Job{
		id:        uuid.NewString(),
		deadline:  deadline,
		callback:  callback,
		scheduler: s,
	}
	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Schedule",
		"job_id":   job.id,
		"deadline": deadline,
	}).Debug("Job scheduled")
	return job
}

func (s *Scheduler) remove(job *Job) {
	s.mu.Lock()
	delete(s.jobs, job.id)
	s.mu.Unlock()
}

// Pending returns the number of jobs waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// RunPending fires every job whose deadline is not after the current time
// and returns how many callbacks ran.
func (s *Scheduler) RunPending() int {
	now := s.timeProvider.Now()

	s.mu.Lock()
	due := make([]*Job, 0)
	for id, job := range s.jobs {
		if !job.deadline.After(now) {
			due = append(due, job)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, job := range due {
		if !job.state.CompareAndSwap(jobPending, jobFired) {
			continue
		}
		s.fire(job)
		fired++
	}
	return fired
}

func (s *Scheduler) fire(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "fire",
				"job_id":   job.id,
				"panic":    r,
			}).Error("Scheduled job panicked")
		}
	}()
	job.callback()
}

// Start launches the self-test loop. Calling Start on a running scheduler
// does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopChan, s.done)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": s.interval,
	}).Info("Scheduler started")
}

// Stop halts the self-test loop and waits for it to exit. Pending jobs are
// kept and fire after a later Start or RunPending.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunPending()
		case <-stop:
			return
		}
	}
}
