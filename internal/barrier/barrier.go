// Package barrier implements the barrier-sequence engine (C4): a
// monotone-constructive sequence of minimum-distance barriers per
// (human_keypoint, robot_segment) pair, grown step by step as a worker
// walks a trajectory view.
package barrier

import (
	"math"

	"github.com/ariadne-cps/opera/internal/geometry"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/types"
)

// Barrier bounds the minimum capsule distance across a robot-trajectory
// sub-prefix, together with the temporal span it covers.
type Barrier struct {
	TStart, TEnd types.TimestampType
	Distance     geometry.Interval
	Fingerprint  history.Fingerprint
}

// Breached reports whether this barrier's lower bound signals a collision.
func (b Barrier) Breached() bool {
	return b.Distance.Breached()
}

// Sequence is an ordered, monotone-constructive collection of barriers:
// later barriers correspond to longer trajectory prefixes, and distances
// may only tighten. A Sequence is owned by whoever builds it (a discard
// job, or a reuse-cache entry); readers receive an immutable snapshot via
// Barriers().
type Sequence struct {
	barriers []Barrier
}

// NewSequence returns an empty sequence.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Clone returns a deep copy of the sequence, safe for a new owner to keep
// extending independently of the original.
func (s *Sequence) Clone() *Sequence {
	out := make([]Barrier, len(s.barriers))
	copy(out, s.barriers)
	return &Sequence{barriers: out}
}

// Barriers returns an immutable snapshot of the sequence's barriers.
func (s *Sequence) Barriers() []Barrier {
	out := make([]Barrier, len(s.barriers))
	copy(out, s.barriers)
	return out
}

// Len returns the number of barriers currently in the sequence.
func (s *Sequence) Len() int {
	return len(s.barriers)
}

// LastCoveredTime returns the TEnd of the last barrier, or false if the
// sequence is empty.
func (s *Sequence) LastCoveredTime() (types.TimestampType, bool) {
	if len(s.barriers) == 0 {
		return 0, false
	}
	return s.barriers[len(s.barriers)-1].TEnd, true
}

// Breached returns the earliest breached barrier in the sequence, which
// yields the predicted collision time as the left edge of its trajectory
// span.
func (s *Sequence) Breached() (Barrier, bool) {
	for _, b := range s.barriers {
		if b.Breached() {
			return b, true
		}
	}
	return Barrier{}, false
}

// UpdatePolicy admits or rejects a newly computed step barrier into a
// sequence under construction.
type UpdatePolicy interface {
	// Extend appends, replaces, or merges step into seq according to the
	// policy's admission rule.
	Extend(seq *Sequence, step Barrier)
}

// KeepOneMinimumDistance replaces the sequence's tail whenever a new step
// tightens the running minimum; the sequence stays at length <= 1 per
// monotone run.
type KeepOneMinimumDistance struct{}

// Extend implements UpdatePolicy.
func (KeepOneMinimumDistance) Extend(seq *Sequence, step Barrier) {
	if len(seq.barriers) == 0 {
		seq.barriers = append(seq.barriers, step)
		return
	}
	last := &seq.barriers[len(seq.barriers)-1]
	if step.Distance.Lower < last.Distance.Lower {
		seq.barriers[len(seq.barriers)-1] = Barrier{
			TStart:      last.TStart,
			TEnd:        step.TEnd,
			Distance:    step.Distance,
			Fingerprint: step.Fingerprint,
		}
		return
	}
	last.TEnd = step.TEnd
}

// AddWhenDifferentMinimumDistance appends a new barrier whenever the new
// sub-minimum differs from the previous tail beyond epsilon, producing a
// monotone staircase.
type AddWhenDifferentMinimumDistance struct {
	Epsilon float64
}

// Extend implements UpdatePolicy.
func (p AddWhenDifferentMinimumDistance) Extend(seq *Sequence, step Barrier) {
	if len(seq.barriers) == 0 {
		seq.barriers = append(seq.barriers, step)
		return
	}
	last := &seq.barriers[len(seq.barriers)-1]
	if math.Abs(step.Distance.Lower-last.Distance.Lower) > p.Epsilon {
		seq.barriers = append(seq.barriers, step)
		return
	}
	last.TEnd = step.TEnd
}
