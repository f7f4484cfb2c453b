// Package body implements the Human/Robot descriptors (C2): segment
// topology and per-segment thicknesses, validated on construction.
package body

import (
	"fmt"

	"github.com/ariadne-cps/opera/internal/types"
)

// Segment is a capsule between two keypoints, indexed by position within
// a body's topology so it can be used as a stable map key via its index.
type Segment struct {
	A, B      types.KeypointId
	Thickness float64
}

// Human is a skeletal body: an identifier plus its segment topology.
type Human struct {
	ID       types.BodyId
	Segments []Segment
}

// NewHuman validates and constructs a Human body descriptor.
func NewHuman(id types.BodyId, pairs [][2]types.KeypointId, thicknesses []float64) (*Human, error) {
	segments, err := buildSegments(pairs, thicknesses)
	if err != nil {
		return nil, fmt.Errorf("human %q: %w", id, err)
	}
	return &Human{ID: id, Segments: segments}, nil
}

// NumPoints returns the count of distinct keypoints referenced by the
// human's segment topology.
func (h *Human) NumPoints() int {
	return countKeypoints(h.Segments)
}

// Keypoints returns the sorted-by-first-occurrence set of keypoint ids
// referenced by the human's segments.
func (h *Human) Keypoints() []types.KeypointId {
	return keypointList(h.Segments)
}

// Robot is a kinematic chain: an identifier, its expected message
// frequency, and its segment topology.
type Robot struct {
	ID               types.BodyId
	MessageFrequency float64
	Segments         []Segment
}

// NewRobot validates and constructs a Robot body descriptor.
func NewRobot(id types.BodyId, pairs [][2]types.KeypointId, thicknesses []float64, messageFrequency float64) (*Robot, error) {
	if messageFrequency <= 0 {
		return nil, fmt.Errorf("robot %q: message_frequency must be positive, got %v", id, messageFrequency)
	}
	segments, err := buildSegments(pairs, thicknesses)
	if err != nil {
		return nil, fmt.Errorf("robot %q: %w", id, err)
	}
	return &Robot{ID: id, MessageFrequency: messageFrequency, Segments: segments}, nil
}

// NumPoints returns the count of distinct keypoints referenced by the
// robot's segment topology.
func (r *Robot) NumPoints() int {
	return countKeypoints(r.Segments)
}

// Keypoints returns the sorted-by-first-occurrence set of keypoint ids
// referenced by the robot's segments.
func (r *Robot) Keypoints() []types.KeypointId {
	return keypointList(r.Segments)
}

func buildSegments(pairs [][2]types.KeypointId, thicknesses []float64) ([]Segment, error) {
	if len(pairs) != len(thicknesses) {
		return nil, fmt.Errorf("segment/thickness count mismatch: %d segments, %d thicknesses", len(pairs), len(thicknesses))
	}
	segments := make([]Segment, len(pairs))
	for i, pair := range pairs {
		if thicknesses[i] <= 0 {
			return nil, fmt.Errorf("segment %d: thickness must be positive, got %v", i, thicknesses[i])
		}
		if pair[0] == pair[1] {
			return nil, fmt.Errorf("segment %d: endpoints must reference distinct keypoints, got %q twice", i, pair[0])
		}
		segments[i] = Segment{A: pair[0], B: pair[1], Thickness: thicknesses[i]}
	}
	return segments, nil
}

func countKeypoints(segments []Segment) int {
	return len(keypointList(segments))
}

func keypointList(segments []Segment) []types.KeypointId {
	seen := make(map[types.KeypointId]bool)
	var out []types.KeypointId
	for _, s := range segments {
		for _, k := range [2]types.KeypointId{s.A, s.B} {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
