// Package message implements the JSON wire codec (C9): the four message
// shapes exchanged over the broker substrate, field-exact per spec.md §6.
package message

import (
	"encoding/json"
	"fmt"
)

// BodyPresentationMessage announces a human or robot body's topology.
type BodyPresentationMessage struct {
	ID               string    `json:"id"`
	IsHuman          bool      `json:"is_human"`
	SegmentPairs     [][2]int  `json:"segment_pairs"`
	Thicknesses      []float64 `json:"thicknesses"`
	MessageFrequency *float64  `json:"message_frequency,omitempty"`
	PointIDs         []string  `json:"point_ids,omitempty"`
}

// HumanStateMessage carries one or more humans' fused keypoint candidates
// at a single timestamp.
type HumanStateMessage struct {
	Timestamp int64                               `json:"timestamp"`
	Bodies    map[string]map[string][][3]float64 `json:"bodies"`
}

// RobotStateMessage carries the robot's mode and one point per keypoint at
// a single timestamp. The inner list is retained for wire symmetry with
// HumanStateMessage; it is usually length 1.
type RobotStateMessage struct {
	Timestamp int64          `json:"timestamp"`
	Mode      map[string]any `json:"mode"`
	Points    [][][3]float64 `json:"points"`
}

// CollisionDistance is a nanosecond time-to-collision interval.
type CollisionDistance struct {
	Lower int64 `json:"lower"`
	Upper int64 `json:"upper"`
}

// CollisionNotificationMessage reports a predicted collision between a
// human segment and a robot segment.
type CollisionNotificationMessage struct {
	HumanID           string            `json:"human_id"`
	HumanSegment      [2]int            `json:"human_segment"`
	HumanSegmentID    int               `json:"human_segment_id"`
	RobotID           string            `json:"robot_id"`
	RobotSegmentID    int               `json:"robot_segment_id"`
	CurrentTime       int64             `json:"current_time"`
	CollisionDistance CollisionDistance `json:"collision_distance"`
	Likelihood        float64           `json:"likelihood"`
	Mode              map[string]any    `json:"mode"`
}

// ErrMalformed wraps any decode failure for a wire message, letting callers
// distinguish it from other errors via errors.Is/errors.As.
type ErrMalformed struct {
	Kind string
	Err  error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("message: malformed %s: %v", e.Kind, e.Err)
}

func (e *ErrMalformed) Unwrap() error {
	return e.Err
}

// UnmarshalBodyPresentation decodes a BodyPresentationMessage, validating
// that robots carry message_frequency.
func UnmarshalBodyPresentation(data []byte) (BodyPresentationMessage, error) {
	var m BodyPresentationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, &ErrMalformed{Kind: "body_presentation", Err: err}
	}
	if len(m.SegmentPairs) != len(m.Thicknesses) {
		return m, &ErrMalformed{Kind: "body_presentation", Err: fmt.Errorf("segment_pairs/thicknesses length mismatch")}
	}
	if !m.IsHuman && (m.MessageFrequency == nil || *m.MessageFrequency <= 0) {
		return m, &ErrMalformed{Kind: "body_presentation", Err: fmt.Errorf("message_frequency required and positive for robots")}
	}
	return m, nil
}

// UnmarshalHumanState decodes a HumanStateMessage.
func UnmarshalHumanState(data []byte) (HumanStateMessage, error) {
	var m HumanStateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, &ErrMalformed{Kind: "human_state", Err: err}
	}
	return m, nil
}

// UnmarshalRobotState decodes a RobotStateMessage.
func UnmarshalRobotState(data []byte) (RobotStateMessage, error) {
	var m RobotStateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, &ErrMalformed{Kind: "robot_state", Err: err}
	}
	return m, nil
}

// MarshalCollisionNotification encodes a CollisionNotificationMessage.
func MarshalCollisionNotification(m CollisionNotificationMessage) ([]byte, error) {
	return json.Marshal(m)
}
