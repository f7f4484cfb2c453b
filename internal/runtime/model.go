package runtime

import (
	"strconv"

	"github.com/ariadne-cps/opera/internal/body"
	"github.com/ariadne-cps/opera/internal/message"
	"github.com/ariadne-cps/opera/internal/types"
)

// keypointName returns the wire name for keypoint index i: the matching
// entry of point_ids if present, otherwise the stringified index, so a
// presentation without point_ids still yields stable, addressable ids.
func keypointName(msg message.BodyPresentationMessage, i int) types.KeypointId {
	if i >= 0 && i < len(msg.PointIDs) {
		return types.KeypointId(msg.PointIDs[i])
	}
	return types.KeypointId(strconv.Itoa(i))
}

func keypointPairs(msg message.BodyPresentationMessage) [][2]types.KeypointId {
	pairs := make([][2]types.KeypointId, len(msg.SegmentPairs))
	for i, p := range msg.SegmentPairs {
		pairs[i] = [2]types.KeypointId{keypointName(msg, p[0]), keypointName(msg, p[1])}
	}
	return pairs
}

// keypointIndex maps every keypoint id named in msg back to the wire index
// it was presented at, so incoming state samples (addressed by id) can be
// resolved back to the point-array position used by history samples.
func keypointIndex(msg message.BodyPresentationMessage) map[types.KeypointId]int {
	idx := make(map[types.KeypointId]int)
	if len(msg.PointIDs) > 0 {
		for i, id := range msg.PointIDs {
			idx[types.KeypointId(id)] = i
		}
		return idx
	}
	seen := make(map[int]bool)
	for _, p := range msg.SegmentPairs {
		seen[p[0]] = true
		seen[p[1]] = true
	}
	for i := range seen {
		idx[types.KeypointId(strconv.Itoa(i))] = i
	}
	return idx
}

// buildHuman constructs the Human descriptor for a body_presentation
// announcing is_human=true.
func buildHuman(msg message.BodyPresentationMessage) (*body.Human, error) {
	return body.NewHuman(types.BodyId(msg.ID), keypointPairs(msg), msg.Thicknesses)
}

// buildRobot constructs the Robot descriptor plus the point-array index
// pair for every segment, in presentation order, so job input can address
// RobotStateMessage.points directly without re-deriving keypoint order.
func buildRobot(msg message.BodyPresentationMessage) (*body.Robot, [][2]int, error) {
	freq := 0.0
	if msg.MessageFrequency != nil {
		freq = *msg.MessageFrequency
	}
	robot, err := body.NewRobot(types.BodyId(msg.ID), keypointPairs(msg), msg.Thicknesses, freq)
	if err != nil {
		return nil, nil, err
	}
	idx := make([][2]int, len(msg.SegmentPairs))
	for i, p := range msg.SegmentPairs {
		idx[i] = [2]int{p[0], p[1]}
	}
	return robot, idx, nil
}
