// Package history implements the robot state history (C3): a
// time-indexed, mode-segmented trajectory store exposing immutable
// look-ahead window snapshots and equivalence fingerprints.
//
// A History is single-writer (the ingress thread calling Acquire) /
// many-reader (workers calling Snapshot) behind a sync.RWMutex. Readers
// hold the read lock only while taking a snapshot, never while a barrier
// is being built from it, per the shared-resource policy in spec.md §5.
package history

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ariadne-cps/opera/internal/geometry"
	"github.com/ariadne-cps/opera/internal/types"
)

// Equivalence selects how trajectory-prefix fingerprints are quantised.
type Equivalence int

const (
	// STRONG fingerprints compare samples exactly.
	STRONG Equivalence = iota
	// WEAK fingerprints quantise points to a coarser grid.
	WEAK
)

// Fingerprint is a stable digest of a trajectory view under a chosen
// Equivalence. Equal fingerprints under STRONG equivalence guarantee
// identical geometry results along the corresponding views.
type Fingerprint string

// Sample is one robot trajectory sample: a point per keypoint at time T.
type Sample struct {
	T      types.TimestampType
	Points []geometry.Point
}

// run is one contiguous, strictly-increasing-timestamp stretch of samples
// under a single mode.
type run struct {
	mode    types.Mode
	samples []Sample
	closed  bool // true once a later run has started (this run will never grow again)
}

// History is the time-indexed, mode-segmented trajectory store.
type History struct {
	mu               sync.RWMutex
	runs             []*run
	messageFrequency float64
}

// New creates an empty History for a robot with the given expected message
// frequency (samples per second).
func New(messageFrequency float64) *History {
	return &History{messageFrequency: messageFrequency}
}

// ErrNonMonotone is returned by Acquire when the timestamp does not
// strictly increase within the current mode run.
var ErrNonMonotone = fmt.Errorf("history: timestamp does not exceed last sample for mode")

// Acquire inserts a new trajectory sample. It creates a new mode-run when
// mode differs from the current run's mode, or when the gap since the last
// sample in the current run exceeds 2/f_r. It fails with ErrNonMonotone if
// t does not strictly exceed the last timestamp recorded for the run that
// would receive the sample.
func (h *History) Acquire(mode types.Mode, points []geometry.Point, t types.TimestampType) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	maxGap := types.TimestampType(2.0 / h.messageFrequency * 1e9)

	if len(h.runs) == 0 {
		h.runs = append(h.runs, &run{mode: mode, samples: []Sample{{T: t, Points: points}}})
		return nil
	}

	cur := h.runs[len(h.runs)-1]
	last := cur.samples[len(cur.samples)-1]

	sameMode := cur.mode.Equal(mode)
	gapExceeded := sameMode && t-last.T > maxGap

	if !sameMode || gapExceeded {
		cur.closed = true
		h.runs = append(h.runs, &run{mode: mode, samples: []Sample{{T: t, Points: points}}})
		return nil
	}

	if t <= last.T {
		return ErrNonMonotone
	}

	cur.samples = append(cur.samples, Sample{T: t, Points: points})
	return nil
}

// View is an immutable snapshot of a look-ahead window: the samples of one
// mode run starting at the sample nearest <= the query anchor, up to the
// horizon available when the snapshot was taken. Once obtained, a View
// never changes; samples present in it remain valid and unchanged
// forever, regardless of how much the History grows afterward.
type View struct {
	Mode    types.Mode
	Samples []Sample
	// Closed reports whether the run this view was taken from can never
	// receive further samples (a later mode run has already started).
	Closed bool
}

// Snapshot returns the look-ahead window starting at the greatest sample
// with timestamp <= tAnchor, extending to the end of whatever has been
// acquired for that mode run so far. The second return value is false if
// no sample with timestamp <= tAnchor exists yet.
func (h *History) Snapshot(tAnchor types.TimestampType) (View, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := len(h.runs) - 1; i >= 0; i-- {
		r := h.runs[i]
		if len(r.samples) == 0 || r.samples[0].T > tAnchor {
			continue
		}
		start := 0
		for j := len(r.samples) - 1; j >= 0; j-- {
			if r.samples[j].T <= tAnchor {
				start = j
				break
			}
		}
		n := len(r.samples)
		return View{
			Mode:    r.mode,
			Samples: r.samples[start:n:n],
			Closed:  r.closed,
		}, true
	}
	return View{}, false
}

// DefaultWeakTolerance is the quantisation grid WEAK fingerprints use when
// no tolerance is configured.
const DefaultWeakTolerance = 1e-3

// ComputeFingerprint computes a stable digest of a view under the given
// equivalence. Equal fingerprints under STRONG equivalence guarantee
// capsule_distance results along the two views are identical.
func ComputeFingerprint(v View, eq Equivalence) Fingerprint {
	return ComputeFingerprintWithTolerance(v, eq, DefaultWeakTolerance)
}

// ComputeFingerprintWithTolerance is ComputeFingerprint with an explicit
// WEAK quantisation tolerance: each coordinate is divided by weakTol and
// truncated toward zero, so points falling in the same weakTol-sized grid
// cell share a fingerprint (two close points on either side of a cell edge
// do not). The tolerance is ignored under STRONG.
func ComputeFingerprintWithTolerance(v View, eq Equivalence, weakTol float64) Fingerprint {
	if weakTol <= 0 {
		weakTol = DefaultWeakTolerance
	}
	h := sha256.New()
	var buf [8]byte
	writeInt := func(i int64) {
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		h.Write(buf[:])
	}
	quantise := func(f float64) int64 {
		if eq == WEAK {
			return int64(f / weakTol)
		}
		return int64(f * 1e9)
	}

	h.Write([]byte(v.Mode.Key()))
	for _, s := range v.Samples {
		writeInt(int64(s.T))
		for _, p := range s.Points {
			writeInt(quantise(p.X))
			writeInt(quantise(p.Y))
			writeInt(quantise(p.Z))
		}
	}
	return Fingerprint(fmt.Sprintf("%x", h.Sum(nil)))
}
