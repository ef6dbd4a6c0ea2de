package model

import "math"

// Vec3 is a Cartesian vector. Frames and units are documented at the
// point of use; orbit state uses the inertial TEME frame in kilometres.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale returns v scaled by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Dot returns the dot product of v and o.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Cross returns the cross product of v and o.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Unit returns v normalised to unit length. The zero vector is returned
// unchanged.
func (v Vec3) Unit() Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Quaternion is a scalar-first unit quaternion describing the rotation
// from the inertial frame to the body frame.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IdentityQuaternion is the no-rotation attitude.
func IdentityQuaternion() Quaternion {
	return Quaternion{W: 1}
}

// Mul returns the Hamilton product q*o.
func (q Quaternion) Mul(o Quaternion) Quaternion {
	return Quaternion{
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
	}
}

// Normalize rescales q to unit length. A degenerate zero quaternion is
// replaced by the identity.
func (q Quaternion) Normalize() Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return IdentityQuaternion()
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Dot returns the four-dimensional dot product of q and o.
func (q Quaternion) Dot(o Quaternion) float64 {
	return q.W*o.W + q.X*o.X + q.Y*o.Y + q.Z*o.Z
}

// QuaternionBetween returns the shortest-arc rotation taking unit vector
// from onto unit vector to.
func QuaternionBetween(from, to Vec3) Quaternion {
	f := from.Unit()
	t := to.Unit()
	d := f.Dot(t)
	if d >= 1-1e-12 {
		return IdentityQuaternion()
	}
	if d <= -1+1e-12 {
		// Antiparallel: rotate 180 degrees about any perpendicular axis.
		axis := f.Cross(Vec3{X: 1}).Unit()
		if axis.Norm() == 0 {
			axis = f.Cross(Vec3{Y: 1}).Unit()
		}
		return Quaternion{X: axis.X, Y: axis.Y, Z: axis.Z}
	}
	c := f.Cross(t)
	q := Quaternion{W: 1 + d, X: c.X, Y: c.Y, Z: c.Z}
	return q.Normalize()
}

// Slerp interpolates between q and o by fraction t in [0,1] along the
// shortest arc.
func Slerp(q, o Quaternion, t float64) Quaternion {
	if t <= 0 {
		return q
	}
	if t >= 1 {
		return o
	}
	d := q.Dot(o)
	if d < 0 {
		o = Quaternion{W: -o.W, X: -o.X, Y: -o.Y, Z: -o.Z}
		d = -d
	}
	if d > 1-1e-9 {
		// Nearly identical; linear blend avoids a divide-by-zero below.
		return Quaternion{
			W: q.W + t*(o.W-q.W),
			X: q.X + t*(o.X-q.X),
			Y: q.Y + t*(o.Y-q.Y),
			Z: q.Z + t*(o.Z-q.Z),
		}.Normalize()
	}
	theta := math.Acos(d)
	sin := math.Sin(theta)
	a := math.Sin((1-t)*theta) / sin
	b := math.Sin(t*theta) / sin
	return Quaternion{
		W: a*q.W + b*o.W,
		X: a*q.X + b*o.X,
		Y: a*q.Y + b*o.Y,
		Z: a*q.Z + b*o.Z,
	}.Normalize()
}
