// Package scheduler implements the worker pool (C6): a fixed-N pool of
// workers that dispatch look-ahead jobs, park jobs that outrun the
// available robot history, and emit each pair's results in the order its
// source human samples arrived, regardless of completion order.
package scheduler

import (
	"sync"
	"sync/atomic"

	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/job"
)

// Stats is a monotonic-since-start snapshot of scheduler counters, mirroring
// the C6 observability table.
type Stats struct {
	NumProcessed    int64
	NumCompleted    int64
	NumCollisions   int64
	NumSleepingJobs int64
	AllDone         bool
}

// pairState tracks the FIFO reordering state for one (human_keypoint,
// robot_segment) pair: the next sequence number to assign at enqueue time,
// the next one due to be emitted, and any completed-but-out-of-turn results
// held back until their turn comes.
type pairState struct {
	nextSeq  uint64
	nextEmit uint64
	pending  map[uint64]*job.Result
}

// Scheduler is the C6 worker pool.
type Scheduler struct {
	factory  job.Factory
	hist     *history.History
	onResult func(job.PairKey, *job.Result)

	nextJID atomic.Uint64

	numProcessed  atomic.Int64
	numCompleted  atomic.Int64
	numCollisions atomic.Int64
	running       atomic.Int64

	mu           sync.Mutex
	cond         *sync.Cond
	ready        []*job.Job
	sleeping     map[uint64]*job.Job
	pairs        map[job.PairKey]*pairState
	shuttingDown bool
	wg           sync.WaitGroup
}

// New builds a scheduler bound to the given factory and robot history.
// onResult is invoked, in per-pair arrival order, once for every job that
// reaches Completed (whether or not it found a breach); the caller decides
// what to do with a nil Breach.
func New(factory job.Factory, hist *history.History, onResult func(job.PairKey, *job.Result)) *Scheduler {
	s := &Scheduler{
		factory:  factory,
		hist:     hist,
		onResult: onResult,
		sleeping: make(map[uint64]*job.Job),
		pairs:    make(map[job.PairKey]*pairState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches n worker goroutines.
func (s *Scheduler) Start(n int) {
	s.wg.Add(n)
	for i := 0; i < n; i++ {
		go s.workerLoop()
	}
}

// Submit enqueues a new job for in, assigning it the next sequence number
// within its (human_keypoint, robot_segment) pair.
func (s *Scheduler) Submit(in job.Input) *job.Job {
	s.mu.Lock()
	key := in.PairKey()
	ps := s.pairs[key]
	if ps == nil {
		ps = &pairState{pending: make(map[uint64]*job.Result)}
		s.pairs[key] = ps
	}
	in.PairSeq = ps.nextSeq
	ps.nextSeq++

	jb := job.New(s.nextJID.Add(1), in)
	s.ready = append(s.ready, jb)
	s.mu.Unlock()

	s.numProcessed.Add(1)
	s.cond.Signal()
	return jb
}

// WakeSleepers moves every currently sleeping job back onto the ready
// queue, to be re-evaluated against the (presumably now-larger) history.
// Called by the orchestrator after each RobotState acquisition.
func (s *Scheduler) WakeSleepers() {
	s.mu.Lock()
	if len(s.sleeping) == 0 {
		s.mu.Unlock()
		return
	}
	for jid, jb := range s.sleeping {
		s.ready = append(s.ready, jb)
		delete(s.sleeping, jid)
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Scheduler) workerLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.shuttingDown {
			s.cond.Wait()
		}
		if len(s.ready) == 0 && s.shuttingDown {
			s.mu.Unlock()
			return
		}
		jb := s.ready[0]
		s.ready = s.ready[1:]
		s.mu.Unlock()

		if jb.State() == job.Cancelled {
			continue
		}

		s.running.Add(1)
		jb.MarkRunning()
		result, sleeping, err := s.factory.Run(jb, s.hist)
		s.running.Add(-1)

		if err != nil {
			// Geometry and history are pure/deterministic; a Run error here
			// is an internal invariant violation, not a data error. Drop the
			// job rather than retry it forever.
			jb.Cancel()
			continue
		}

		if sleeping {
			s.mu.Lock()
			s.sleeping[jb.JID] = jb
			s.mu.Unlock()
			continue
		}

		s.numCompleted.Add(1)
		if result != nil && result.Breach != nil {
			s.numCollisions.Add(1)
		}
		s.emitInOrder(jb.Input.PairKey(), jb.Input.PairSeq, result)
	}
}

func (s *Scheduler) emitInOrder(key job.PairKey, seq uint64, result *job.Result) {
	s.mu.Lock()
	ps := s.pairs[key]
	ps.pending[seq] = result
	var ready []*job.Result
	for {
		r, ok := ps.pending[ps.nextEmit]
		if !ok {
			break
		}
		ready = append(ready, r)
		delete(ps.pending, ps.nextEmit)
		ps.nextEmit++
	}
	s.mu.Unlock()

	if s.onResult == nil {
		return
	}
	for _, r := range ready {
		s.onResult(key, r)
	}
}

// Stats returns a snapshot of the worker pool's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	readyLen := len(s.ready)
	sleepingLen := len(s.sleeping)
	s.mu.Unlock()

	return Stats{
		NumProcessed:    s.numProcessed.Load(),
		NumCompleted:    s.numCompleted.Load(),
		NumCollisions:   s.numCollisions.Load(),
		NumSleepingJobs: int64(sleepingLen),
		AllDone:         readyLen == 0 && s.running.Load() == 0,
	}
}

// Shutdown cancels every non-Running job immediately and waits for
// in-flight workers to finish their current trajectory step.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shuttingDown = true
	for _, jb := range s.ready {
		jb.Cancel()
	}
	s.ready = nil
	for _, jb := range s.sleeping {
		jb.Cancel()
	}
	s.sleeping = make(map[uint64]*job.Job)
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}
