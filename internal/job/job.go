// Package job implements the look-ahead job model (C5): units of work
// pairing one human sample with one robot segment over a growing
// trajectory prefix, in both discard and reuse variants.
package job

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ariadne-cps/opera/internal/barrier"
	"github.com/ariadne-cps/opera/internal/cache"
	"github.com/ariadne-cps/opera/internal/geometry"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/types"
)

// State is a job's lifecycle state.
type State int32

const (
	Queued State = iota
	Running
	Sleeping
	Completed
	Cancelled
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Kind distinguishes the discard and reuse job factories.
type Kind int

const (
	Discard Kind = iota
	Reuse
)

// Input describes the unit of work a job performs: one human sample
// against one robot segment, starting from a fixed history anchor.
type Input struct {
	HumanID           types.BodyId
	RobotID           types.BodyId
	HumanKeypoint     types.KeypointId
	HumanKeypointIdx  int // index within the human's Keypoints() ordering
	Candidates        []geometry.Point
	RobotSegmentIndex types.SegmentIndex
	SegmentAIdx       int // index of the segment's A endpoint within a Sample's Points
	SegmentBIdx       int // index of the segment's B endpoint within a Sample's Points
	SegmentThickness  float64
	AnchorTime        types.TimestampType
	PairSeq           uint64
}

// PairKey returns the (human_keypoint, robot_segment) pair identity used
// for per-pair FIFO ordering.
func (in Input) PairKey() PairKey {
	return PairKey{Keypoint: in.HumanKeypoint, Segment: in.RobotSegmentIndex}
}

// PairKey identifies a (human_keypoint, robot_segment) pair.
type PairKey struct {
	Keypoint types.KeypointId
	Segment  types.SegmentIndex
}

// Job is a unit of look-ahead work.
type Job struct {
	JID   uint64
	Input Input

	state atomic.Int32

	mu             sync.Mutex
	partial        *barrier.Sequence
	processedCount int
}

// New creates a job in the Queued state.
func New(jid uint64, in Input) *Job {
	j := &Job{JID: jid, Input: in}
	j.state.Store(int32(Queued))
	return j
}

// State returns the job's current lifecycle state.
func (j *Job) State() State {
	return State(j.state.Load())
}

func (j *Job) setState(s State) {
	j.state.Store(int32(s))
}

// MarkRunning transitions the job to Running. Called by the scheduler
// immediately before handing the job to a factory.
func (j *Job) MarkRunning() {
	j.setState(Running)
}

// Cancel marks the job Cancelled if it is not already Completed.
func (j *Job) Cancel() {
	for {
		cur := j.State()
		if cur == Completed || cur == Cancelled {
			return
		}
		if j.state.CompareAndSwap(int32(cur), int32(Cancelled)) {
			return
		}
	}
}

// Result is what a completed job yields to the scheduler.
type Result struct {
	Job    *Job
	Breach *barrier.Barrier
}

// Factory builds and advances jobs in one of the two behaviourally
// distinct ways (discard vs. reuse) described in spec.md §4.5. The two
// factories MUST yield identical sets of collision notifications for the
// same input stream.
type Factory interface {
	Kind() Kind
	// Run advances job as far as the currently available history allows,
	// returning whether it went back to Sleeping (needs more robot
	// samples) or reached Completed (possibly with a breach).
	Run(j *Job, hist *history.History) (result *Result, sleeping bool, err error)
}

func buildCapsule(s history.Sample, in Input) geometry.Capsule {
	return geometry.Capsule{
		P0:     s.Points[in.SegmentAIdx],
		P1:     s.Points[in.SegmentBIdx],
		Radius: in.SegmentThickness,
	}
}

// stepDistance returns the worst-case (minimum) distance interval across
// all candidate fused positions for the human keypoint, swept across the
// robot segment's motion from s0 to s1.
func stepDistance(s0, s1 history.Sample, in Input) geometry.Interval {
	start := buildCapsule(s0, in)
	end := buildCapsule(s1, in)

	best := geometry.Interval{Lower: math.Inf(1), Upper: math.Inf(1)}
	for _, p := range in.Candidates {
		human := geometry.Capsule{P0: p, P1: p, Radius: 0}
		iv := geometry.SweptCapsuleDistance(start, end, human)
		if iv.Lower < best.Lower {
			best = iv
		}
	}
	return best
}

// walk advances seq from j.processedCount up to whatever is currently
// available in the job's trajectory view, returning done=true if the
// underlying mode run is closed (no more samples will ever arrive for it).
func walk(j *Job, hist *history.History, policy barrier.UpdatePolicy, seq *barrier.Sequence, eq history.Equivalence, weakTol float64) (view history.View, ok bool, done bool) {
	view, ok = hist.Snapshot(j.Input.AnchorTime)
	if !ok {
		return view, false, false
	}

	if j.processedCount == 0 {
		j.processedCount = 1
	}

	for j.processedCount < len(view.Samples) {
		i := j.processedCount - 1
		s0, s1 := view.Samples[i], view.Samples[i+1]
		dist := stepDistance(s0, s1, j.Input)
		prefix := view
		prefix.Samples = view.Samples[:j.processedCount+1]
		fp := history.ComputeFingerprintWithTolerance(prefix, eq, weakTol)
		policy.Extend(seq, barrier.Barrier{
			TStart:      s0.T,
			TEnd:        s1.T,
			Distance:    dist,
			Fingerprint: fp,
		})
		j.processedCount++
	}

	return view, true, view.Closed
}

// humanSnapshotKey returns a stable, order-preserving string identity for
// a human keypoint's fused candidate positions.
func humanSnapshotKey(candidates []geometry.Point) string {
	var b strings.Builder
	for i, p := range candidates {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(strconv.FormatInt(int64(p.X*1e9), 36))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(int64(p.Y*1e9), 36))
		b.WriteByte(',')
		b.WriteString(strconv.FormatInt(int64(p.Z*1e9), 36))
	}
	return b.String()
}

// DiscardFactory builds barrier sequences from scratch on every call and
// never persists them: the sequence is dropped once the job completes.
type DiscardFactory struct {
	Policy barrier.UpdatePolicy
}

// Kind implements Factory.
func (DiscardFactory) Kind() Kind { return Discard }

// Run implements Factory.
func (f DiscardFactory) Run(j *Job, hist *history.History) (*Result, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.partial == nil {
		j.partial = barrier.NewSequence()
	}

	_, ok, done := walk(j, hist, f.Policy, j.partial, history.STRONG, 0)
	if !ok {
		j.setState(Sleeping)
		return nil, true, nil
	}
	if !done {
		j.setState(Sleeping)
		return nil, true, nil
	}

	j.setState(Completed)
	seq := j.partial
	j.partial = nil

	breach, hasBreach := seq.Breached()
	res := &Result{Job: j}
	if hasBreach {
		b := breach
		res.Breach = &b
	}
	return res, false, nil
}

// ReuseFactory builds barrier sequences against the reuse cache: it seeds
// from, and persists to, cached sequences keyed by trajectory-prefix
// fingerprint.
type ReuseFactory struct {
	Policy      barrier.UpdatePolicy
	Equivalence history.Equivalence
	Cache       *cache.Cache

	// WeakTolerance is the WEAK fingerprint quantisation grid; zero selects
	// history.DefaultWeakTolerance. Ignored under STRONG.
	WeakTolerance float64
}

// Kind implements Factory.
func (ReuseFactory) Kind() Kind { return Reuse }

// Run implements Factory.
func (f ReuseFactory) Run(j *Job, hist *history.History) (*Result, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.partial == nil {
		view, ok := hist.Snapshot(j.Input.AnchorTime)
		if !ok {
			j.setState(Sleeping)
			return nil, true, nil
		}
		key := f.cacheKey(j, view)
		switch {
		case view.Closed:
			// The run can never grow, so the whole build is bounded:
			// take it through the per-key latch, and a second consumer
			// of an equivalent prefix waits on this build instead of
			// recomputing it.
			seq, err := f.Cache.GetOrBuild(key, func() (*barrier.Sequence, error) {
				walker := New(j.JID, j.Input)
				built := barrier.NewSequence()
				walk(walker, hist, f.Policy, built, f.Equivalence, f.WeakTolerance)
				return built, nil
			})
			if err != nil {
				return nil, false, err
			}
			j.partial = seq.Clone()
			j.processedCount = len(view.Samples)
		default:
			if seq, hit := f.Cache.Get(key); hit {
				j.partial = seq.Clone()
				j.processedCount = len(view.Samples)
			} else {
				j.partial = barrier.NewSequence()
			}
		}
	}

	view, ok, done := walk(j, hist, f.Policy, j.partial, f.Equivalence, f.WeakTolerance)
	if !ok {
		j.setState(Sleeping)
		return nil, true, nil
	}

	key := f.cacheKey(j, view)
	f.Cache.Store(key, j.partial.Clone())

	if !done {
		j.setState(Sleeping)
		return nil, true, nil
	}

	j.setState(Completed)
	seq := j.partial
	j.partial = nil

	breach, hasBreach := seq.Breached()
	res := &Result{Job: j}
	if hasBreach {
		b := breach
		res.Breach = &b
	}
	return res, false, nil
}

func (f ReuseFactory) cacheKey(j *Job, view history.View) cache.Key {
	return cache.Key{
		HumanSnapshot: humanSnapshotKey(j.Input.Candidates),
		RobotSegment:  j.Input.RobotSegmentIndex,
		Prefix:        history.ComputeFingerprintWithTolerance(view, f.Equivalence, f.WeakTolerance),
	}
}

// NewFactory constructs a Factory for the given kind, policy, equivalence,
// WEAK tolerance, and shared reuse cache (all but the policy are ignored
// for Discard).
func NewFactory(kind Kind, policy barrier.UpdatePolicy, eq history.Equivalence, weakTol float64, c *cache.Cache) Factory {
	switch kind {
	case Reuse:
		return ReuseFactory{Policy: policy, Equivalence: eq, WeakTolerance: weakTol, Cache: c}
	default:
		return DiscardFactory{Policy: policy}
	}
}
