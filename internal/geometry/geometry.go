// Package geometry implements the capsule/sphere distance kernel (C1).
//
// Every operation here is pure and deterministic. The core pipeline treats
// this package as an external collaborator specified only by its contract:
// distances are returned as non-negative-or-breached intervals, and a
// non-positive lower bound signals a potential collision.
package geometry

import "math"

// Point is a finite point in 3-space.
type Point struct {
	X, Y, Z float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z}
}

// Dot returns the dot product of p and q.
func (p Point) Dot(q Point) float64 {
	return p.X*q.X + p.Y*q.Y + p.Z*q.Z
}

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 {
	return math.Sqrt(p.Dot(p))
}

// Lerp returns the point at parameter t along the segment p->q (t in [0,1]).
func (p Point) Lerp(q Point, t float64) Point {
	return Point{
		X: p.X + t*(q.X-p.X),
		Y: p.Y + t*(q.Y-p.Y),
		Z: p.Z + t*(q.Z-p.Z),
	}
}

// Interval bounds a scalar quantity between Lower and Upper. A non-positive
// Lower signals a potential collision (capsules/spheres overlap or touch).
type Interval struct {
	Lower, Upper float64
}

// Breached reports whether the interval's lower bound signals a collision.
func (iv Interval) Breached() bool {
	return iv.Lower <= 0
}

// Hull returns the smallest interval containing both iv and other, widening
// the bound to reflect the combined temporal span of two sub-trajectories.
func (iv Interval) Hull(other Interval) Interval {
	return Interval{
		Lower: math.Min(iv.Lower, other.Lower),
		Upper: math.Max(iv.Upper, other.Upper),
	}
}

// degenerate returns a zero-width interval at v.
func degenerate(v float64) Interval {
	return Interval{Lower: v, Upper: v}
}

// Capsule is a segment between P0 and P1 thickened by Radius.
type Capsule struct {
	P0, P1 Point
	Radius float64
}

// Sphere is a point thickened by Radius.
type Sphere struct {
	Center Point
	Radius float64
}

// CapsuleDistance returns the minimum distance between two capsules minus
// the sum of their radii, as an exact (zero-width) interval. A non-positive
// result means the capsules intersect.
func CapsuleDistance(a, b Capsule) Interval {
	d := segmentDistance(a.P0, a.P1, b.P0, b.P1) - a.Radius - b.Radius
	return degenerate(d)
}

// SweptCapsuleDistance bounds the distance between capsule b (held fixed
// across the step) and capsule a as it moves from its configuration at the
// start of a trajectory step (aStart) to its configuration at the end
// (aEnd), as the hull of the two instantaneous endpoint distances. The true
// continuous-time minimum cannot exceed either endpoint sample; a closer
// approach between the two samples is not captured, so that minimum may lie
// below the returned Lower.
func SweptCapsuleDistance(aStart, aEnd, b Capsule) Interval {
	return CapsuleDistance(aStart, b).Hull(CapsuleDistance(aEnd, b))
}

// PointSphereDistance returns the distance between a bare point p and a
// sphere, minus the sphere's radius, as an exact interval. Used for a human
// keypoint against a single robot point sample (e.g. a degenerate segment,
// or one endpoint of a segment under evaluation).
func PointSphereDistance(p Point, s Sphere) Interval {
	return degenerate(p.Sub(s.Center).Norm() - s.Radius)
}

// segmentDistance computes the closed-form minimum distance between
// segments p0-p1 and q0-q1 via clamped parametric projection.
func segmentDistance(p0, p1, q0, q1 Point) float64 {
	u := p1.Sub(p0)
	v := q1.Sub(q0)
	w := p0.Sub(q0)

	a := u.Dot(u)
	b := u.Dot(v)
	c := v.Dot(v)
	d := u.Dot(w)
	e := v.Dot(w)
	denom := a*c - b*b

	var sc, tc float64
	const eps = 1e-12

	if denom < eps {
		// Segments are (nearly) parallel.
		sc = 0
		if b > c {
			tc = d / b
		} else if c > eps {
			tc = e / c
		} else {
			tc = 0
		}
	} else {
		sc = (b*e - c*d) / denom
		tc = (a*e - b*d) / denom
	}

	sc = clamp01(sc)
	tc = clamp01(tc)

	// Re-clamp the other parameter after pinning one, for correctness at
	// the boundary of the parametric domain.
	if sc == 0 || sc == 1 {
		if c > eps {
			tc = clamp01((sc*b + e) / c)
		}
	}
	if tc == 0 || tc == 1 {
		if a > eps {
			sc = clamp01((tc*b - d) / a)
		}
	}

	closestP := p0.Lerp(p1, sc)
	closestQ := q0.Lerp(q1, tc)
	return closestP.Sub(closestQ).Norm()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
