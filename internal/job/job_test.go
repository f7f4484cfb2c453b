package job

import (
	"testing"

	"github.com/ariadne-cps/opera/internal/barrier"
	"github.com/ariadne-cps/opera/internal/cache"
	"github.com/ariadne-cps/opera/internal/geometry"
	"github.com/ariadne-cps/opera/internal/history"
	"github.com/ariadne-cps/opera/internal/types"
)

func farInput(anchor types.TimestampType) Input {
	return Input{
		HumanKeypoint:     "wrist",
		Candidates:        []geometry.Point{{X: 100, Y: 100, Z: 100}},
		RobotSegmentIndex: 0,
		SegmentAIdx:       0,
		SegmentBIdx:       1,
		SegmentThickness:  0.1,
		AnchorTime:        anchor,
	}
}

func nearInput(anchor types.TimestampType) Input {
	return Input{
		HumanKeypoint:     "wrist",
		Candidates:        []geometry.Point{{X: 0, Y: 0, Z: 0}},
		RobotSegmentIndex: 0,
		SegmentAIdx:       0,
		SegmentBIdx:       1,
		SegmentThickness:  0.1,
		AnchorTime:        anchor,
	}
}

func seedRobotHistory(t *testing.T, n int) (*history.History, types.TimestampType) {
	t.Helper()
	h := history.New(10.0)
	mode := types.Mode{"task": "pick"}
	var anchor types.TimestampType
	for i := 0; i < n; i++ {
		ts := types.TimestampType(int64(i) * 100_000_000)
		if i == 0 {
			anchor = ts
		}
		pts := []geometry.Point{{X: 0, Y: 0, Z: float64(i)}, {X: 0, Y: 1, Z: float64(i)}}
		if err := h.Acquire(mode, pts, ts); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	return h, anchor
}

func closeRun(t *testing.T, h *history.History, lastN int) {
	t.Helper()
	mode := types.Mode{"task": "idle"}
	ts := types.TimestampType(int64(lastN)*100_000_000 + 1)
	if err := h.Acquire(mode, []geometry.Point{{X: 9, Y: 9, Z: 9}, {X: 9, Y: 10, Z: 9}}, ts); err != nil {
		t.Fatalf("acquire close marker: %v", err)
	}
}

func TestDiscardFactoryCompletesWithNoBreachWhenFar(t *testing.T) {
	h, anchor := seedRobotHistory(t, 3)
	closeRun(t, h, 3)

	jb := New(1, farInput(anchor))
	f := DiscardFactory{Policy: barrier.KeepOneMinimumDistance{}}

	var res *Result
	for i := 0; i < 10; i++ {
		r, sleeping, err := f.Run(jb, h)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sleeping {
			res = r
			break
		}
	}
	if res == nil {
		t.Fatal("job never completed")
	}
	if res.Breach != nil {
		t.Fatalf("did not expect a breach, got %+v", res.Breach)
	}
	if jb.State() != Completed {
		t.Fatalf("expected Completed, got %v", jb.State())
	}
}

func TestDiscardFactoryReportsBreachWhenNear(t *testing.T) {
	h, anchor := seedRobotHistory(t, 3)
	closeRun(t, h, 3)

	jb := New(1, nearInput(anchor))
	f := DiscardFactory{Policy: barrier.KeepOneMinimumDistance{}}

	var res *Result
	for i := 0; i < 10; i++ {
		r, sleeping, err := f.Run(jb, h)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sleeping {
			res = r
			break
		}
	}
	if res == nil {
		t.Fatal("job never completed")
	}
	if res.Breach == nil {
		t.Fatal("expected a breach")
	}
}

func TestJobSleepsUntilNewSampleArrivesThenCompletes(t *testing.T) {
	h := history.New(10.0)
	mode := types.Mode{"task": "pick"}
	anchor := types.TimestampType(0)
	if err := h.Acquire(mode, []geometry.Point{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}}, anchor); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	jb := New(1, farInput(anchor))
	f := DiscardFactory{Policy: barrier.KeepOneMinimumDistance{}}

	_, sleeping, err := f.Run(jb, h)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sleeping {
		t.Fatal("expected job to sleep with only one sample and an open run")
	}
	if jb.State() != Sleeping {
		t.Fatalf("expected Sleeping state, got %v", jb.State())
	}

	if err := h.Acquire(mode, []geometry.Point{{X: 0, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}}, types.TimestampType(100_000_000)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	closeRun(t, h, 1)

	var res *Result
	for i := 0; i < 10; i++ {
		r, sleeping, err := f.Run(jb, h)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sleeping {
			res = r
			break
		}
	}
	if res == nil {
		t.Fatal("job never completed after new samples arrived")
	}
}

// Both update policies must agree on whether a pair breaches; they differ
// only in how many barriers represent the walk.
func TestPoliciesAgreeOnBreachPredicate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		input  func(types.TimestampType) Input
		breach bool
	}{
		{name: "near", input: nearInput, breach: true},
		{name: "far", input: farInput, breach: false},
	} {
		for _, policy := range []barrier.UpdatePolicy{
			barrier.KeepOneMinimumDistance{},
			barrier.AddWhenDifferentMinimumDistance{Epsilon: 1e-3},
		} {
			h, anchor := seedRobotHistory(t, 4)
			closeRun(t, h, 4)

			jb := New(1, tc.input(anchor))
			f := DiscardFactory{Policy: policy}

			var res *Result
			for i := 0; i < 10; i++ {
				r, sleeping, err := f.Run(jb, h)
				if err != nil {
					t.Fatalf("%s/%T: run: %v", tc.name, policy, err)
				}
				if !sleeping {
					res = r
					break
				}
			}
			if res == nil {
				t.Fatalf("%s/%T: job never completed", tc.name, policy)
			}
			if got := res.Breach != nil; got != tc.breach {
				t.Fatalf("%s/%T: breach=%v, want %v", tc.name, policy, got, tc.breach)
			}
		}
	}
}

func TestReuseFactoryCacheHitSkipsRebuildingIdenticalPrefix(t *testing.T) {
	h, anchor := seedRobotHistory(t, 3)
	closeRun(t, h, 3)

	c := cache.New()
	policy := func() barrier.UpdatePolicy { return barrier.KeepOneMinimumDistance{} }

	first := New(1, nearInput(anchor))
	f1 := ReuseFactory{Policy: policy(), Equivalence: history.STRONG, Cache: c}
	var firstResult *Result
	for i := 0; i < 10; i++ {
		r, sleeping, err := f1.Run(first, h)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !sleeping {
			firstResult = r
			break
		}
	}
	if firstResult == nil || firstResult.Breach == nil {
		t.Fatal("expected first job to complete with a breach")
	}

	second := New(2, nearInput(anchor))
	f2 := ReuseFactory{Policy: policy(), Equivalence: history.STRONG, Cache: c}

	res, sleeping, err := f2.Run(second, h)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sleeping {
		t.Fatal("expected second job to complete immediately from a fully cached prefix")
	}
	if res.Breach == nil {
		t.Fatal("expected second job's reused sequence to carry the same breach")
	}
	if second.processedCount != first.processedCount {
		t.Fatalf("expected cache-seeded job to catch up to the same processed count, got %d want %d", second.processedCount, first.processedCount)
	}
}
