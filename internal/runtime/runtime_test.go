package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ariadne-cps/opera/internal/barrier"
	brokermemory "github.com/ariadne-cps/opera/internal/broker/memory"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/job"
	"github.com/ariadne-cps/opera/internal/message"
)

func freq(f float64) *float64 { return &f }

func humanPresentation() []byte {
	raw, _ := json.Marshal(message.BodyPresentationMessage{
		ID:           "alice",
		IsHuman:      true,
		SegmentPairs: [][2]int{{0, 1}},
		Thicknesses:  []float64{0.05},
		PointIDs:     []string{"head", "torso"},
	})
	return raw
}

func robotPresentation() []byte {
	raw, _ := json.Marshal(message.BodyPresentationMessage{
		ID:               "r1",
		IsHuman:          false,
		SegmentPairs:     [][2]int{{0, 1}},
		Thicknesses:      []float64{0.1},
		MessageFrequency: freq(10),
		PointIDs:         []string{"base", "tip"},
	})
	return raw
}

func robotSample(ts int64, z float64) []byte {
	raw, _ := json.Marshal(message.RobotStateMessage{
		Timestamp: ts,
		Mode:      map[string]any{"task": "pick"},
		Points: [][][3]float64{
			{{0, 0, z}},
			{{0, 1, z}},
		},
	})
	return raw
}

func humanSample(ts int64, x float64) []byte {
	raw, _ := json.Marshal(message.HumanStateMessage{
		Timestamp: ts,
		Bodies: map[string]map[string][][3]float64{
			"alice": {
				"head": {{x, 0, 0}},
			},
		},
	})
	return raw
}

// newTestRuntime wires a Runtime over four independent in-memory brokers
// (mixing substrates per topic is permitted) and returns it alongside the
// publish-side accesses a test drives directly.
func newTestRuntime(t *testing.T, cfg Config) (*Runtime, *brokermemory.Broker) {
	t.Helper()
	bp := brokermemory.New()
	hs := brokermemory.New()
	rs := brokermemory.New()
	cn := brokermemory.New()

	rt, err := New(nil, cfg, Access{
		BodyPresentation:      bp,
		HumanState:            hs,
		RobotState:            rs,
		CollisionNotification: cn,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(rt.Shutdown)
	return rt, cn
}

func TestRuntimeBuffersStateMessagesUntilBothBodiesPresented(t *testing.T) {
	bp := brokermemory.New()
	hs := brokermemory.New()
	rs := brokermemory.New()
	cn := brokermemory.New()

	rt, err := New(nil, Config{Concurrency: 1}, Access{
		BodyPresentation:      bp,
		HumanState:            hs,
		RobotState:            rs,
		CollisionNotification: cn,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer rt.Shutdown()

	ctx := context.Background()
	if err := hs.Publish(ctx, "opera_human_state", humanSample(0, 100)); err != nil {
		t.Fatalf("publish human: %v", err)
	}
	if err := rs.Publish(ctx, "opera_robot_state", robotSample(0, 0)); err != nil {
		t.Fatalf("publish robot: %v", err)
	}

	st := rt.Stats()
	if st.NumPendingHumanRobotPairs != 1 {
		t.Fatalf("expected pending pair before both bodies presented, got %+v", st)
	}
	if st.NumStateMessagesReceived != 2 {
		t.Fatalf("expected 2 state messages recorded, got %d", st.NumStateMessagesReceived)
	}

	if err := bp.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish human presentation: %v", err)
	}
	if err := bp.Publish(ctx, "opera_body_presentation", robotPresentation()); err != nil {
		t.Fatalf("publish robot presentation: %v", err)
	}

	st = rt.Stats()
	if st.NumPendingHumanRobotPairs != 0 {
		t.Fatalf("expected no pending pair once both bodies are installed, got %+v", st)
	}
}

func TestRuntimePublishesCollisionNotificationOnBreach(t *testing.T) {
	rt, cn := newTestRuntime(t, Config{
		Concurrency: 1,
		JobKind:     job.Discard,
		Policy:      barrier.KeepOneMinimumDistance{},
		Equivalence: history.STRONG,
	})

	var mu sync.Mutex
	var notifications [][]byte
	unsub, err := cn.Subscribe("opera_collision_notification", func(payload []byte) {
		mu.Lock()
		notifications = append(notifications, append([]byte(nil), payload...))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	ctx := context.Background()
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish human presentation: %v", err)
	}
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", robotPresentation()); err != nil {
		t.Fatalf("publish robot presentation: %v", err)
	}

	if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", robotSample(0, 0)); err != nil {
		t.Fatalf("publish robot sample 0: %v", err)
	}
	// Human keypoint sits right on top of the robot segment: this pair must breach.
	if err := rt.acc.HumanState.Publish(ctx, "opera_human_state", humanSample(0, 0)); err != nil {
		t.Fatalf("publish human sample: %v", err)
	}
	if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", robotSample(100_000_000, 1)); err != nil {
		t.Fatalf("publish robot sample 1: %v", err)
	}
	// A mode switch with no further samples closes the run so the discard
	// job can reach Completed instead of sleeping forever.
	if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", func() []byte {
		raw, _ := json.Marshal(message.RobotStateMessage{
			Timestamp: 200_000_000,
			Mode:      map[string]any{"task": "idle"},
			Points:    [][][3]float64{{{9, 9, 9}}, {{9, 10, 9}}},
		})
		return raw
	}()); err != nil {
		t.Fatalf("publish closing sample: %v", err)
	}

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(notifications)
	}
	deadline := time.Now().Add(2 * time.Second)
	for count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if count() == 0 {
		t.Fatal("expected at least one collision notification")
	}

	mu.Lock()
	first := notifications[0]
	mu.Unlock()

	var notif message.CollisionNotificationMessage
	if err := json.Unmarshal(first, &notif); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}
	if notif.HumanID != "alice" || notif.RobotID != "r1" {
		t.Fatalf("unexpected notification identities: %+v", notif)
	}
	if notif.HumanSegment != [2]int{0, 0} {
		t.Fatalf("expected degenerate human segment pair [0,0], got %v", notif.HumanSegment)
	}
}

func TestRuntimeIngressBacklogDropsOldestOnOverflow(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{Concurrency: 1, IngressBacklog: 4})

	ctx := context.Background()
	// Burst well past the configured bound before any body is presented.
	for i := 0; i < 40; i++ {
		if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", robotSample(int64(i)*100_000_000, 0)); err != nil {
			t.Fatalf("publish robot sample %d: %v", i, err)
		}
	}

	st := rt.Stats()
	if st.NumBacklogDropped != 36 {
		t.Fatalf("expected 36 oldest messages dropped from a 4-slot backlog, got %d", st.NumBacklogDropped)
	}
	if st.NumStateMessagesReceived != 40 {
		t.Fatalf("expected all 40 receipts counted, got %d", st.NumStateMessagesReceived)
	}

	// Presenting both bodies drains the surviving backlog into the history;
	// the retained messages are the newest four.
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish human presentation: %v", err)
	}
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", robotPresentation()); err != nil {
		t.Fatalf("publish robot presentation: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !rt.Stats().AllDone && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := rt.Stats(); st.NumOutOfOrderDropped != 0 {
		t.Fatalf("drained backlog must replay in order, got %d out-of-order drops", st.NumOutOfOrderDropped)
	}
}

func TestRuntimeDuplicateRobotStateIsDroppedAndCounted(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{Concurrency: 1})

	ctx := context.Background()
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish human presentation: %v", err)
	}
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", robotPresentation()); err != nil {
		t.Fatalf("publish robot presentation: %v", err)
	}
	if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", robotSample(100, 0)); err != nil {
		t.Fatalf("publish robot sample: %v", err)
	}

	before := rt.Stats()

	// Re-submitting the same timestamp must be rejected at the history
	// layer, leaving job counters untouched.
	if err := rt.acc.RobotState.Publish(ctx, "opera_robot_state", robotSample(100, 0)); err != nil {
		t.Fatalf("publish duplicate robot sample: %v", err)
	}

	after := rt.Stats()
	if after.NumOutOfOrderDropped != before.NumOutOfOrderDropped+1 {
		t.Fatalf("expected out-of-order drop counter to increment by one, got %d -> %d",
			before.NumOutOfOrderDropped, after.NumOutOfOrderDropped)
	}
	if after.NumProcessed != before.NumProcessed {
		t.Fatalf("expected num_processed unchanged, got %d -> %d", before.NumProcessed, after.NumProcessed)
	}
}

func TestRuntimeModelConflictOnConflictingRepresentation(t *testing.T) {
	rt, _ := newTestRuntime(t, Config{Concurrency: 1})

	ctx := context.Background()
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish human presentation: %v", err)
	}
	// Identical re-presentation is a no-op, not fatal.
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", humanPresentation()); err != nil {
		t.Fatalf("publish identical human presentation: %v", err)
	}
	select {
	case <-rt.fatalCh:
		t.Fatal("identical re-presentation must not be fatal")
	default:
	}

	conflicting, _ := json.Marshal(message.BodyPresentationMessage{
		ID:           "alice",
		IsHuman:      true,
		SegmentPairs: [][2]int{{0, 1}},
		Thicknesses:  []float64{0.2},
		PointIDs:     []string{"head", "torso"},
	})
	if err := rt.acc.BodyPresentation.Publish(ctx, "opera_body_presentation", conflicting); err != nil {
		t.Fatalf("publish conflicting presentation: %v", err)
	}

	select {
	case <-rt.fatalCh:
	case <-time.After(time.Second):
		t.Fatal("expected conflicting re-presentation to trigger a fatal error")
	}
}
