// Package runtime implements the runtime orchestrator (C7): it wires the
// broker subscribers/publishers, owns the robot state history, reuse
// cache, and worker pool, routes incoming body/state messages into jobs,
// and publishes collision notifications.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ariadne-cps/opera/internal/barrier"
	"github.com/ariadne-cps/opera/internal/body"
	"github.com/ariadne-cps/opera/internal/broker"
	"github.com/ariadne-cps/opera/internal/cache"
	"github.com/ariadne-cps/opera/internal/geometry"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/job"
	"github.com/ariadne-cps/opera/internal/message"
	"github.com/ariadne-cps/opera/internal/opera"
	"github.com/ariadne-cps/opera/internal/scheduler"
	"github.com/ariadne-cps/opera/internal/types"
)

// Topics names the four wire topics, defaulting per spec.md §6.
type Topics struct {
	BodyPresentation      string
	HumanState            string
	RobotState            string
	CollisionNotification string
}

// DefaultTopics returns the spec.md default topic names.
func DefaultTopics() Topics {
	return Topics{
		BodyPresentation:      "opera_body_presentation",
		HumanState:            "opera_human_state",
		RobotState:            "opera_robot_state",
		CollisionNotification: "opera_collision_notification",
	}
}

// Config configures a Runtime.
type Config struct {
	Concurrency    int
	JobKind        job.Kind
	Policy         barrier.UpdatePolicy
	Equivalence    history.Equivalence
	WeakTolerance  float64 // WEAK fingerprint quantisation grid; zero selects the default
	IngressBacklog int     // bound on buffered human/robot state messages while waiting for both bodies
	Topics         Topics
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Policy == nil {
		c.Policy = barrier.KeepOneMinimumDistance{}
	}
	if c.IngressBacklog <= 0 {
		c.IngressBacklog = 256
	}
	if c.Topics == (Topics{}) {
		c.Topics = DefaultTopics()
	}
	return c
}

// Access groups the four independently-instantiated broker connections the
// orchestrator wires on construction; mixing substrates per topic is
// permitted (spec.md §6).
type Access struct {
	BodyPresentation      broker.Access
	HumanState            broker.Access
	RobotState            broker.Access
	CollisionNotification broker.Access
}

// Stats is a snapshot of the orchestrator's observable counters,
// mirroring spec.md §4.6/§4.7.
type Stats struct {
	NumStateMessagesReceived  int64
	NumProcessed              int64
	NumCompleted              int64
	NumCollisions             int64
	NumSleepingJobs           int64
	NumPendingHumanRobotPairs int64
	NumMalformedDropped       int64
	NumOutOfOrderDropped      int64
	NumBacklogDropped         int64
	NumPublishFailed          int64
	AllDone                   bool
}

type bufferedKind int

const (
	bufferedHuman bufferedKind = iota
	bufferedRobot
)

type bufferedMessage struct {
	kind    bufferedKind
	payload []byte
}

// Runtime is the C7 orchestrator.
type Runtime struct {
	log *slog.Logger
	cfg Config
	acc Access

	unsub []func()

	mu                sync.Mutex
	human             *body.Human
	robot             *body.Robot
	humanKeypointIdx  map[types.KeypointId]int
	robotPointIdx     [][2]int
	humanRaw          []byte
	robotRaw          []byte
	hist              *history.History
	cache             *cache.Cache
	sched             *scheduler.Scheduler
	backlog           []bufferedMessage

	numStateMessagesReceived atomic.Int64
	numMalformed             atomic.Int64
	numOutOfOrder            atomic.Int64
	numBacklogDropped        atomic.Int64
	numPublishFailed         atomic.Int64

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}
}

// New constructs a Runtime and subscribes it to its four topics. Until
// both a human and a robot presentation have been received, incoming
// human/robot state messages are buffered (not dropped) up to the
// configured backlog bound.
func New(log *slog.Logger, cfg Config, acc Access) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	r := &Runtime{
		log:     log,
		cfg:     cfg,
		acc:     acc,
		fatalCh: make(chan struct{}),
	}

	unsubBP, err := acc.BodyPresentation.Subscribe(cfg.Topics.BodyPresentation, r.handleBodyPresentation)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribe body_presentation: %w", err)
	}
	r.unsub = append(r.unsub, unsubBP)

	unsubHS, err := acc.HumanState.Subscribe(cfg.Topics.HumanState, r.handleHumanState)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribe human_state: %w", err)
	}
	r.unsub = append(r.unsub, unsubHS)

	unsubRS, err := acc.RobotState.Subscribe(cfg.Topics.RobotState, r.handleRobotState)
	if err != nil {
		return nil, fmt.Errorf("runtime: subscribe robot_state: %w", err)
	}
	r.unsub = append(r.unsub, unsubRS)

	return r, nil
}

// Run blocks until ctx is cancelled or a fatal error (ModelConflict,
// InternalInvariant) occurs, then returns it.
func (r *Runtime) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.fatalCh:
		return r.fatalErr
	}
}

// Shutdown closes subscribers, drains workers to Completed or Cancelled,
// then closes the collision-notification publisher.
func (r *Runtime) Shutdown() {
	for _, unsub := range r.unsub {
		unsub()
	}
	r.mu.Lock()
	sched := r.sched
	r.mu.Unlock()
	if sched != nil {
		sched.Shutdown()
	}
	if err := r.acc.CollisionNotification.Close(); err != nil {
		r.log.Warn("closing collision notification publisher", "error", err)
	}
}

// Stats returns a snapshot of the orchestrator's observable counters.
func (r *Runtime) Stats() Stats {
	r.mu.Lock()
	pending := int64(1)
	if r.human != nil && r.robot != nil {
		pending = 0
	}
	sched := r.sched
	r.mu.Unlock()

	st := Stats{
		NumStateMessagesReceived:  r.numStateMessagesReceived.Load(),
		NumPendingHumanRobotPairs: pending,
		NumMalformedDropped:       r.numMalformed.Load(),
		NumOutOfOrderDropped:      r.numOutOfOrder.Load(),
		NumBacklogDropped:         r.numBacklogDropped.Load(),
		NumPublishFailed:          r.numPublishFailed.Load(),
		AllDone:                   true,
	}
	if sched != nil {
		ss := sched.Stats()
		st.NumProcessed = ss.NumProcessed
		st.NumCompleted = ss.NumCompleted
		st.NumCollisions = ss.NumCollisions
		st.NumSleepingJobs = ss.NumSleepingJobs
		st.AllDone = ss.AllDone
	}
	return st
}

func (r *Runtime) fail(err error) {
	r.fatalOnce.Do(func() {
		r.fatalErr = err
		close(r.fatalCh)
	})
}

// handleBodyPresentation installs the Human or Robot model on first
// receipt. A byte-identical re-presentation for the same body id is
// treated as an idempotent replacement; a conflicting one is fatal for the
// run (spec.md §4.7 Failure semantics).
func (r *Runtime) handleBodyPresentation(payload []byte) {
	msg, err := message.UnmarshalBodyPresentation(payload)
	if err != nil {
		r.numMalformed.Add(1)
		r.log.Warn("dropping malformed body presentation", "error", err)
		return
	}

	r.mu.Lock()

	if msg.IsHuman {
		if r.human != nil {
			if bytes.Equal(r.humanRaw, payload) {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			r.fail(fmt.Errorf("%w: human %q", opera.ErrModelConflict, msg.ID))
			return
		}
		human, err := buildHuman(msg)
		if err != nil {
			r.mu.Unlock()
			r.numMalformed.Add(1)
			r.log.Warn("rejecting invalid human presentation", "error", err)
			return
		}
		r.human = human
		r.humanKeypointIdx = keypointIndex(msg)
		r.humanRaw = append([]byte(nil), payload...)
		r.log.Info("installed human body model", "id", human.ID, "keypoints", human.NumPoints())
	} else {
		if r.robot != nil {
			if bytes.Equal(r.robotRaw, payload) {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			r.fail(fmt.Errorf("%w: robot %q", opera.ErrModelConflict, msg.ID))
			return
		}
		robot, pointIdx, err := buildRobot(msg)
		if err != nil {
			r.mu.Unlock()
			r.numMalformed.Add(1)
			r.log.Warn("rejecting invalid robot presentation", "error", err)
			return
		}
		r.robot = robot
		r.robotPointIdx = pointIdx
		r.robotRaw = append([]byte(nil), payload...)
		r.hist = history.New(robot.MessageFrequency)
		r.cache = cache.New()
		factory := job.NewFactory(r.cfg.JobKind, r.cfg.Policy, r.cfg.Equivalence, r.cfg.WeakTolerance, r.cache)
		r.sched = scheduler.New(factory, r.hist, r.onJobResult)
		r.sched.Start(r.cfg.Concurrency)
		r.log.Info("installed robot body model", "id", robot.ID, "keypoints", robot.NumPoints(), "frequency_hz", robot.MessageFrequency)
	}

	ready := r.human != nil && r.robot != nil
	var backlog []bufferedMessage
	if ready && len(r.backlog) > 0 {
		backlog = r.backlog
		r.backlog = nil
	}
	r.mu.Unlock()

	for _, bm := range backlog {
		switch bm.kind {
		case bufferedHuman:
			r.processHumanState(bm.payload)
		case bufferedRobot:
			r.processRobotState(bm.payload)
		}
	}
}

// handleHumanState buffers the raw message until both bodies are
// installed, then processes it; see bufferLocked for the backpressure
// policy.
func (r *Runtime) handleHumanState(payload []byte) {
	r.numStateMessagesReceived.Add(1)

	r.mu.Lock()
	ready := r.human != nil && r.robot != nil
	if !ready {
		r.bufferLocked(bufferedHuman, payload)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.processHumanState(payload)
}

// handleRobotState buffers the raw message until both bodies are
// installed, then processes it.
func (r *Runtime) handleRobotState(payload []byte) {
	r.numStateMessagesReceived.Add(1)

	r.mu.Lock()
	ready := r.human != nil && r.robot != nil
	if !ready {
		r.bufferLocked(bufferedRobot, payload)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.processRobotState(payload)
}

// bufferLocked appends a pre-presentation message to the bounded ingress
// backlog, dropping the oldest entry on overflow (spec.md §5 Backpressure).
// Caller holds r.mu.
func (r *Runtime) bufferLocked(kind bufferedKind, payload []byte) {
	if len(r.backlog) >= r.cfg.IngressBacklog {
		r.backlog = r.backlog[1:]
		r.numBacklogDropped.Add(1)
	}
	cp := append([]byte(nil), payload...)
	r.backlog = append(r.backlog, bufferedMessage{kind: kind, payload: cp})
}

// processHumanState creates one look-ahead job per (human_keypoint,
// robot_segment) pair present in the sample and enqueues it.
func (r *Runtime) processHumanState(payload []byte) {
	msg, err := message.UnmarshalHumanState(payload)
	if err != nil {
		r.numMalformed.Add(1)
		r.log.Warn("dropping malformed human state", "error", err)
		return
	}

	r.mu.Lock()
	human, robot := r.human, r.robot
	humanIdx := r.humanKeypointIdx
	pointIdx := r.robotPointIdx
	sched := r.sched
	r.mu.Unlock()

	bodySample, ok := msg.Bodies[string(human.ID)]
	if !ok {
		return
	}

	anchor := types.TimestampType(msg.Timestamp)
	for kpName, candidates := range bodySample {
		kp := types.KeypointId(kpName)
		idx, known := humanIdx[kp]
		if !known {
			continue
		}
		points := make([]geometry.Point, len(candidates))
		for i, c := range candidates {
			points[i] = geometry.Point{X: c[0], Y: c[1], Z: c[2]}
		}
		for si, seg := range robot.Segments {
			pi := pointIdx[si]
			sched.Submit(job.Input{
				HumanID:           human.ID,
				RobotID:           robot.ID,
				HumanKeypoint:     kp,
				HumanKeypointIdx:  idx,
				Candidates:        points,
				RobotSegmentIndex: types.SegmentIndex(si),
				SegmentAIdx:       pi[0],
				SegmentBIdx:       pi[1],
				SegmentThickness:  seg.Thickness,
				AnchorTime:        anchor,
			})
		}
	}
}

// processRobotState appends a robot trajectory sample to the history,
// dropping it as out-of-order/duplicate on a non-monotone timestamp, then
// wakes any jobs sleeping on the newly available samples.
func (r *Runtime) processRobotState(payload []byte) {
	msg, err := message.UnmarshalRobotState(payload)
	if err != nil {
		r.numMalformed.Add(1)
		r.log.Warn("dropping malformed robot state", "error", err)
		return
	}
	if len(msg.Points) == 0 {
		r.numMalformed.Add(1)
		return
	}
	points := make([]geometry.Point, len(msg.Points))
	for i, kp := range msg.Points {
		if len(kp) == 0 {
			r.numMalformed.Add(1)
			return
		}
		p := kp[0]
		points[i] = geometry.Point{X: p[0], Y: p[1], Z: p[2]}
	}

	r.mu.Lock()
	hist := r.hist
	sched := r.sched
	r.mu.Unlock()

	mode := types.Mode(msg.Mode)
	ts := types.TimestampType(msg.Timestamp)
	if err := hist.Acquire(mode, points, ts); err != nil {
		r.numOutOfOrder.Add(1)
		return
	}
	sched.WakeSleepers()
}

// onJobResult is the scheduler's per-pair-ordered completion callback: a
// completed job with a breach becomes a published CollisionNotification.
func (r *Runtime) onJobResult(_ job.PairKey, res *job.Result) {
	if res == nil || res.Breach == nil {
		return
	}
	in := res.Job.Input
	b := *res.Breach

	r.mu.Lock()
	hist := r.hist
	r.mu.Unlock()

	mode := types.Mode{}
	if view, ok := hist.Snapshot(b.TStart); ok {
		mode = view.Mode
	}

	notif := message.CollisionNotificationMessage{
		HumanID:        string(in.HumanID),
		HumanSegment:   [2]int{in.HumanKeypointIdx, in.HumanKeypointIdx},
		HumanSegmentID: in.HumanKeypointIdx,
		RobotID:        string(in.RobotID),
		RobotSegmentID: int(in.RobotSegmentIndex),
		CurrentTime:    int64(b.TStart),
		CollisionDistance: message.CollisionDistance{
			Lower: int64(b.TStart),
			Upper: int64(b.TEnd),
		},
		Likelihood: breachLikelihood(b.Distance),
		Mode:       map[string]any(mode),
	}

	data, err := message.MarshalCollisionNotification(notif)
	if err != nil {
		r.log.Error("failed to marshal collision notification", "error", err)
		return
	}

	if err := r.acc.CollisionNotification.Publish(context.Background(), r.cfg.Topics.CollisionNotification, data); err != nil {
		r.numPublishFailed.Add(1)
		r.log.Error("dropping collision notification after publish failure",
			"error", err, "human_id", notif.HumanID, "robot_id", notif.RobotID)
		return
	}
	r.log.Info("published collision notification",
		"human_id", notif.HumanID, "human_segment_id", notif.HumanSegmentID,
		"robot_id", notif.RobotID, "robot_segment_id", notif.RobotSegmentID,
		"current_time", notif.CurrentTime)
}

// breachLikelihood maps a breached distance interval to a [0,1] confidence:
// 1 when the whole interval is non-positive (certain overlap across the
// step), scaling down toward 0 as more of the interval remains positive.
func breachLikelihood(iv geometry.Interval) float64 {
	if iv.Upper <= 0 {
		return 1
	}
	if iv.Lower >= 0 {
		return 0
	}
	width := iv.Upper - iv.Lower
	if width <= 0 {
		return 1
	}
	l := -iv.Lower / width
	if l < 0 {
		l = 0
	}
	if l > 1 {
		l = 1
	}
	return l
}
