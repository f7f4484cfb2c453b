package geometry

import (
	"math"
	"testing"
)

func TestCapsuleDistanceParallelSegments(t *testing.T) {
	a := Capsule{P0: Point{0, 0, 0}, P1: Point{1, 0, 0}, Radius: 0}
	b := Capsule{P0: Point{0, 1, 0}, P1: Point{1, 1, 0}, Radius: 0}

	iv := CapsuleDistance(a, b)
	if math.Abs(iv.Lower-1.0) > 1e-9 {
		t.Fatalf("expected distance 1.0, got %v", iv.Lower)
	}
	if iv.Lower != iv.Upper {
		t.Fatalf("exact capsule distance should be a degenerate interval, got %v", iv)
	}
}

func TestCapsuleDistanceZeroThicknessCoincidentPoints(t *testing.T) {
	a := Capsule{P0: Point{0, 0, 0}, P1: Point{0, 0, 0}, Radius: 0}
	b := Capsule{P0: Point{0, 0, 0}, P1: Point{0, 0, 0}, Radius: 0}

	iv := CapsuleDistance(a, b)
	if !iv.Breached() {
		t.Fatalf("coincident zero-thickness points must report a breach, got %v", iv)
	}
}

func TestCapsuleDistanceSubtractsRadii(t *testing.T) {
	a := Capsule{P0: Point{0, 0, 0}, P1: Point{1, 0, 0}, Radius: 0.6}
	b := Capsule{P0: Point{0, 1, 0}, P1: Point{1, 1, 0}, Radius: 0.6}

	iv := CapsuleDistance(a, b)
	if !iv.Breached() {
		t.Fatalf("combined radius 1.2 > separation 1.0 must breach, got %v", iv)
	}
}

func TestSweptCapsuleDistanceWidensInterval(t *testing.T) {
	fixed := Capsule{P0: Point{5, 0, 0}, P1: Point{5, 0, 0}, Radius: 0}
	start := Capsule{P0: Point{0, 0, 0}, P1: Point{1, 0, 0}, Radius: 0}
	end := Capsule{P0: Point{3, 0, 0}, P1: Point{4, 0, 0}, Radius: 0}

	iv := SweptCapsuleDistance(start, end, fixed)
	startIv := CapsuleDistance(start, fixed)
	endIv := CapsuleDistance(end, fixed)

	if iv.Lower > math.Min(startIv.Lower, endIv.Lower)+1e-9 {
		t.Fatalf("swept lower bound must be <= both endpoint samples")
	}
	if iv.Upper < math.Max(startIv.Upper, endIv.Upper)-1e-9 {
		t.Fatalf("swept upper bound must be >= both endpoint samples")
	}
}

func TestPointSphereDistance(t *testing.T) {
	p := Point{0, 0, 0}
	s := Sphere{Center: Point{3, 4, 0}, Radius: 1}

	iv := PointSphereDistance(p, s)
	if math.Abs(iv.Lower-4.0) > 1e-9 {
		t.Fatalf("expected distance 4.0 (5 - radius 1), got %v", iv.Lower)
	}
}

func TestIntervalHull(t *testing.T) {
	a := Interval{Lower: 1, Upper: 2}
	b := Interval{Lower: -1, Upper: 5}

	h := a.Hull(b)
	if h.Lower != -1 || h.Upper != 5 {
		t.Fatalf("unexpected hull: %+v", h)
	}
}
