// Package types holds the small identifier and value types shared across
// every Opera component: body/keypoint identifiers, the monotonic
// timestamp tick, and the robot's symbolic mode label.
package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// BodyId identifies a human or robot body for the lifetime of a run.
type BodyId string

// KeypointId identifies a keypoint within a body's topology.
type KeypointId string

// SegmentIndex identifies a segment (capsule) within a body's topology by
// position, not by keypoint pair, so it can be used as a stable map key.
type SegmentIndex int

// TimestampType is a monotonically non-decreasing nanosecond tick.
type TimestampType int64

// Mode is the robot's discrete symbolic state. A nil or empty Mode is the
// "empty mode" (robot idle / between commanded motions).
type Mode map[string]any

// Empty reports whether this is the empty mode.
func (m Mode) Empty() bool {
	return len(m) == 0
}

// Key returns a canonical, order-independent string representation of the
// mode, suitable for equality comparison and use as a map key component.
func (m Mode) Key() string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(m[k]))
	}
	return b.String()
}

// Equal reports whether two modes are the same symbolic state.
func (m Mode) Equal(other Mode) bool {
	return m.Key() == other.Key()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
