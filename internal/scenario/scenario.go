// Package scenario implements the scenario replay driver (C11): it reads
// fixture files from resources/<scenario_type>/<role>/<scenario_key>/<N>.json
// and republishes them at a configurable speedup, grounded on
// original_source/exec/process.cpp (a robot-state "sync" preload phase
// before two paced producer goroutines).
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ariadne-cps/opera/internal/broker"
	"github.com/ariadne-cps/opera/internal/message"
	"github.com/ariadne-cps/opera/internal/runtime"
)

// Fixture locates a scenario's resource tree:
// <root>/<type>/<role>/[<key>/]<N>.json.
type Fixture struct {
	Root string // defaults to "resources"
	Type string // e.g. "static", "dynamic"
	Key  string // e.g. "long_r", "bad1"
}

func (f Fixture) withDefaults() Fixture {
	if f.Root == "" {
		f.Root = "resources"
	}
	return f
}

func (f Fixture) presentationPath(role string) string {
	return filepath.Join(f.Root, f.Type, role, "presentation.json")
}

func (f Fixture) samplePath(role string, n int) string {
	return filepath.Join(f.Root, f.Type, role, f.Key, strconv.Itoa(n)+".json")
}

// Driver replays one scenario fixture over the given broker accesses.
type Driver struct {
	log     *slog.Logger
	fixture Fixture
	speedup int

	presentation broker.Access
	human        broker.Access
	robot        broker.Access
	topics       runtime.Topics
}

// New constructs a Driver. speedup < 1 is treated as 1 (real time).
func New(log *slog.Logger, fixture Fixture, presentation, human, robot broker.Access, topics runtime.Topics, speedup int) *Driver {
	if log == nil {
		log = slog.Default()
	}
	if speedup < 1 {
		speedup = 1
	}
	return &Driver{
		log:          log,
		fixture:      fixture.withDefaults(),
		speedup:      speedup,
		presentation: presentation,
		human:        human,
		robot:        robot,
		topics:       topics,
	}
}

// humanProductionPeriod and robotProductionPeriod mirror process.cpp's
// fixed per-sample pacing (66667us / 50000us) before the speedup divisor.
const (
	humanProductionPeriod = 66667 * time.Microsecond
	robotProductionPeriod = 50000 * time.Microsecond
)

// Run publishes the scenario's two presentations, preloads robot samples
// up to the first human sample's timestamp, then paces the remaining
// human and robot samples onto their topics concurrently until both
// streams are exhausted or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	robotPresentation, err := readJSON(d.fixture.presentationPath("robot"))
	if err != nil {
		return fmt.Errorf("scenario: robot presentation: %w", err)
	}
	humanPresentation, err := readJSON(d.fixture.presentationPath("human"))
	if err != nil {
		return fmt.Errorf("scenario: human presentation: %w", err)
	}

	if err := d.presentation.Publish(ctx, d.topics.BodyPresentation, robotPresentation); err != nil {
		return fmt.Errorf("scenario: publish robot presentation: %w", err)
	}
	if err := d.presentation.Publish(ctx, d.topics.BodyPresentation, humanPresentation); err != nil {
		return fmt.Errorf("scenario: publish human presentation: %w", err)
	}

	firstHumanRaw, err := readJSON(d.fixture.samplePath("human", 0))
	if err != nil {
		return fmt.Errorf("scenario: first human sample: %w", err)
	}
	firstHuman, err := message.UnmarshalHumanState(firstHumanRaw)
	if err != nil {
		return fmt.Errorf("scenario: decode first human sample: %w", err)
	}
	syncTimestamp := firstHuman.Timestamp

	idx := 0
	for {
		raw, err := readJSON(d.fixture.samplePath("robot", idx))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("scenario: robot sample %d: %w", idx, err)
		}
		msg, err := message.UnmarshalRobotState(raw)
		if err != nil {
			return fmt.Errorf("scenario: decode robot sample %d: %w", idx, err)
		}
		if msg.Timestamp > syncTimestamp {
			break
		}
		if err := d.robot.Publish(ctx, d.topics.RobotState, raw); err != nil {
			return fmt.Errorf("scenario: publish robot sample %d: %w", idx, err)
		}
		idx++
	}
	d.log.Info("robot samples preloaded up to sync timestamp", "sync_timestamp", syncTimestamp, "count", idx)

	var robotRemaining [][]byte
	for n := idx; ; n++ {
		raw, err := readJSON(d.fixture.samplePath("robot", n))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("scenario: robot sample %d: %w", n, err)
		}
		robotRemaining = append(robotRemaining, raw)
	}

	var humanRemaining [][]byte
	for n := 0; ; n++ {
		raw, err := readJSON(d.fixture.samplePath("human", n))
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return fmt.Errorf("scenario: human sample %d: %w", n, err)
		}
		humanRemaining = append(humanRemaining, raw)
	}

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		record(d.pace(ctx, d.human, d.topics.HumanState, humanRemaining, humanProductionPeriod))
	}()
	go func() {
		defer wg.Done()
		record(d.pace(ctx, d.robot, d.topics.RobotState, robotRemaining, robotProductionPeriod))
	}()
	wg.Wait()

	return firstErr
}

func (d *Driver) pace(ctx context.Context, access broker.Access, topic string, samples [][]byte, period time.Duration) error {
	interval := period / time.Duration(d.speedup)
	for _, raw := range samples {
		if err := access.Publish(ctx, topic, raw); err != nil {
			return err
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func readJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
