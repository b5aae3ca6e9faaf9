// Package spatial implements the SE(3) pose representation shared by
// submaps and pose graph nodes, including the restricted 4-vector
// (x, y, z, yaw) parameterization used by the registration cost and
// pose graph (spec §3, §4.3, §9).
package spatial

import "math"

// Vec3 is a point or vector in a local or world Cartesian frame.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }
func (v Vec3) Dot(o Vec3) float64   { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Norm() float64        { return math.Sqrt(v.Dot(v)) }

// Quat is a unit quaternion (w + xi + yj + zk) representing a rotation.
type Quat struct {
	W, X, Y, Z float64
}

// QuatIdentity is the identity rotation.
func QuatIdentity() Quat { return Quat{W: 1} }

func (q Quat) norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

// Normalize returns q scaled to unit length; the identity if q is the zero
// quaternion (defensive — should not occur for a well-formed rotation).
func (q Quat) Normalize() Quat {
	n := q.norm()
	if n == 0 {
		return QuatIdentity()
	}
	return Quat{q.W / n, q.X / n, q.Y / n, q.Z / n}
}

// Mul returns the Hamilton product q*r, which rotates a vector by r first,
// then by q: (q*r).Rotate(v) == q.Rotate(r.Rotate(v)).
func (q Quat) Mul(r Quat) Quat {
	return Quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// Conjugate is the inverse rotation for a unit quaternion.
func (q Quat) Conjugate() Quat { return Quat{q.W, -q.X, -q.Y, -q.Z} }

// Rotate applies q's rotation to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	p := Quat{0, v.X, v.Y, v.Z}
	r := q.Mul(p).Mul(q.Conjugate())
	return Vec3{r.X, r.Y, r.Z}
}

// Matrix returns the equivalent row-major 3x3 rotation matrix.
func (q Quat) Matrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// FromAxisAngle builds the quaternion for a rotation of angle radians about
// axis (need not be normalized).
func FromAxisAngle(axis Vec3, angle float64) Quat {
	n := axis.Norm()
	if n == 0 {
		return QuatIdentity()
	}
	axis = axis.Scale(1 / n)
	half := angle / 2
	s := math.Sin(half)
	return Quat{math.Cos(half), axis.X * s, axis.Y * s, axis.Z * s}
}

// LogSO3 returns the angle-axis vector (axis scaled by angle) of q, the
// so(3) logarithm used by §9's 6-vector log-map.
func LogSO3(q Quat) Vec3 {
	q = q.Normalize()
	// Guard the sign so the angle stays in [0, π].
	if q.W < 0 {
		q = Quat{-q.W, -q.X, -q.Y, -q.Z}
	}
	sinHalf := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	angle := 2 * math.Atan2(sinHalf, q.W)
	if sinHalf < 1e-12 {
		// Small-angle: axis is underdetermined, derivative-stable expansion.
		return Vec3{2 * q.X, 2 * q.Y, 2 * q.Z}
	}
	scale := angle / sinHalf
	return Vec3{q.X * scale, q.Y * scale, q.Z * scale}
}

// ExpSO3 is the inverse of LogSO3: builds a unit quaternion from an
// angle-axis vector (axis direction = w, magnitude = rotation angle).
func ExpSO3(w Vec3) Quat {
	angle := w.Norm()
	if angle < 1e-12 {
		return Quat{1, w.X / 2, w.Y / 2, w.Z / 2}.Normalize()
	}
	return FromAxisAngle(w, angle)
}

// Pose is a rigid transform T_world_submap (or T_world_robot): a rotation
// followed by a translation.
type Pose struct {
	Rotation    Quat
	Translation Vec3
}

// Identity is the identity pose.
func Identity() Pose { return Pose{Rotation: QuatIdentity()} }

// Transform maps a local-frame point into the frame this pose is relative to.
func (p Pose) Transform(local Vec3) Vec3 {
	return p.Rotation.Rotate(local).Add(p.Translation)
}

// Inverse returns the pose such that p.Inverse().Transform(p.Transform(v)) == v.
func (p Pose) Inverse() Pose {
	rInv := p.Rotation.Conjugate()
	return Pose{Rotation: rInv, Translation: rInv.Rotate(p.Translation).Scale(-1)}
}

// Compose returns a pose equivalent to first applying o, then p:
// p.Compose(o).Transform(v) == p.Transform(o.Transform(v)).
func (p Pose) Compose(o Pose) Pose {
	return Pose{
		Rotation:    p.Rotation.Mul(o.Rotation).Normalize(),
		Translation: p.Rotation.Rotate(o.Translation).Add(p.Translation),
	}
}

// Log6 returns the 6-vector log-map (tx, ty, tz, wx, wy, wz): raw
// translation followed by the so(3) angle-axis log of the rotation. This
// is the decoupled "SE(2)-in-SE(3)" form spec §9 describes — translation
// is not run through the full SE(3) exponential coupling, only the
// rotation component is log/exp mapped, which is what lets components
// 0,1,2,5 be substituted independently without perturbing the others.
func (p Pose) Log6() [6]float64 {
	w := LogSO3(p.Rotation)
	return [6]float64{p.Translation.X, p.Translation.Y, p.Translation.Z, w.X, w.Y, w.Z}
}

// Exp6 is the inverse of Log6.
func Exp6(v [6]float64) Pose {
	return Pose{
		Rotation:    ExpSO3(Vec3{v[3], v[4], v[5]}),
		Translation: Vec3{v[0], v[1], v[2]},
	}
}

// WrapAngle normalizes a into (-π, π], the plus-operator's wrap for the
// yaw component (spec §4.3). An angle already in that range is returned
// unchanged, bit for bit.
func WrapAngle(a float64) float64 {
	if a > -math.Pi && a <= math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// ToParam4 extracts the 4-vector (x, y, z, yaw) from a pose's 6-vector
// log-map by keeping components 0, 1, 2, 5 (spec §3 SubmapNode.pose_param).
func ToParam4(p Pose) [4]float64 {
	v6 := p.Log6()
	return [4]float64{v6[0], v6[1], v6[2], v6[5]}
}

// FromParam4 reconstructs a full pose by substituting components 0,1,2,5 of
// initial's 6-vector log-map with param and re-exponentiating. Pitch and
// roll (components 3,4 of the log-map) are held at initial's values
// throughout optimization, exactly as spec §3/§9 requires. When param
// matches ToParam4(initial) the substituted log-map is bitwise identical to
// initial.Log6(), so the result is exactly Exp6(initial.Log6()).
func FromParam4(initial Pose, param [4]float64) Pose {
	v6 := initial.Log6()
	v6[0], v6[1], v6[2], v6[5] = param[0], param[1], param[2], WrapAngle(param[3])
	return Exp6(v6)
}

// PlusParam4 implements the local parameterization plus-operator
// p ⊕ δ = (p0+δ0, p1+δ1, p2+δ2, wrap(p3+δ3)) from spec §4.3.
func PlusParam4(p [4]float64, delta [4]float64) [4]float64 {
	return [4]float64{
		p[0] + delta[0],
		p[1] + delta[1],
		p[2] + delta[2],
		WrapAngle(p[3] + delta[3]),
	}
}

// YawRotationDerivative returns R'(psi) = R(psi + pi/2), the derivative of
// the planar (x,y) rotation matrix with respect to yaw, used by the
// analytic Jacobian (spec §4.3).
func YawRotationDerivative(psi float64) [2][2]float64 {
	return PlanarRotation(psi + math.Pi/2)
}

// PlanarRotation returns the 2x2 rotation matrix for angle psi about Z.
func PlanarRotation(psi float64) [2][2]float64 {
	c, s := math.Cos(psi), math.Sin(psi)
	return [2][2]float64{{c, -s}, {s, c}}
}
