package slam

import "math"

// Isometry is a rigid 6-DoF transform stored as a 4x4 row-major matrix
// (m00,m01,m02,m03, m10,...). The last row is always [0 0 0 1] and the upper
// 3x3 block is a proper rotation.
type Isometry struct {
	M [16]float64
}

// Identity returns the identity isometry.
func Identity() Isometry {
	return Isometry{M: [16]float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}}
}

// NewIsometry builds an isometry from a translation (x, y, z) and Tait-Bryan
// angles (rx, ry, rz) in radians. The rotation convention is
// R = Rz(rz) * Ry(ry) * Rx(rx), i.e. roll about X first, yaw about Z last.
func NewIsometry(x, y, z, rx, ry, rz float64) Isometry {
	cx, sx := math.Cos(rx), math.Sin(rx)
	cy, sy := math.Cos(ry), math.Sin(ry)
	cz, sz := math.Cos(rz), math.Sin(rz)

	var iso Isometry
	iso.M[0] = cz * cy
	iso.M[1] = cz*sy*sx - sz*cx
	iso.M[2] = cz*sy*cx + sz*sx
	iso.M[3] = x
	iso.M[4] = sz * cy
	iso.M[5] = sz*sy*sx + cz*cx
	iso.M[6] = sz*sy*cx - cz*sx
	iso.M[7] = y
	iso.M[8] = -sy
	iso.M[9] = cy * sx
	iso.M[10] = cy * cx
	iso.M[11] = z
	iso.M[15] = 1
	return iso
}

// Translation returns the translation part of the isometry.
func (a Isometry) Translation() (x, y, z float64) {
	return a.M[3], a.M[7], a.M[11]
}

// WithTranslation returns a copy of the isometry with its translation replaced.
func (a Isometry) WithTranslation(x, y, z float64) Isometry {
	a.M[3], a.M[7], a.M[11] = x, y, z
	return a
}

// Angles extracts the Tait-Bryan angles (rx, ry, rz) of the rotation part,
// inverse of NewIsometry. ry is reported in [-pi/2, pi/2].
func (a Isometry) Angles() (rx, ry, rz float64) {
	sy := -a.M[8]
	cy := math.Hypot(a.M[0], a.M[4])
	ry = math.Atan2(sy, cy)
	if cy > 1e-9 {
		rx = math.Atan2(a.M[9], a.M[10])
		rz = math.Atan2(a.M[4], a.M[0])
	} else {
		// Gimbal lock: rz is unobservable, fold it into rx.
		rx = math.Atan2(-a.M[6], a.M[5])
		rz = 0
	}
	return rx, ry, rz
}

// Apply transforms the point (x, y, z) by the isometry.
func (a Isometry) Apply(x, y, z float64) (wx, wy, wz float64) {
	wx = a.M[0]*x + a.M[1]*y + a.M[2]*z + a.M[3]
	wy = a.M[4]*x + a.M[5]*y + a.M[6]*z + a.M[7]
	wz = a.M[8]*x + a.M[9]*y + a.M[10]*z + a.M[11]
	return
}

// Mul composes two isometries: (a.Mul(b)).Apply(p) == a.Apply(b.Apply(p)).
func (a Isometry) Mul(b Isometry) Isometry {
	var out Isometry
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			sum := a.M[4*r+0]*b.M[0+c] + a.M[4*r+1]*b.M[4+c] + a.M[4*r+2]*b.M[8+c]
			if c == 3 {
				sum += a.M[4*r+3]
			}
			out.M[4*r+c] = sum
		}
	}
	out.M[15] = 1
	return out
}

// Inverse returns the inverse isometry, exploiting rigidity
// (R^-1 = R^T, t^-1 = -R^T t).
func (a Isometry) Inverse() Isometry {
	var out Isometry
	// Transpose the rotation block.
	out.M[0], out.M[1], out.M[2] = a.M[0], a.M[4], a.M[8]
	out.M[4], out.M[5], out.M[6] = a.M[1], a.M[5], a.M[9]
	out.M[8], out.M[9], out.M[10] = a.M[2], a.M[6], a.M[10]
	x, y, z := a.Translation()
	out.M[3] = -(out.M[0]*x + out.M[1]*y + out.M[2]*z)
	out.M[7] = -(out.M[4]*x + out.M[5]*y + out.M[6]*z)
	out.M[11] = -(out.M[8]*x + out.M[9]*y + out.M[10]*z)
	out.M[15] = 1
	return out
}

// IsIdentity reports whether the isometry is within tol of identity, using
// the translation norm and the rotation angle as the two distances.
func (a Isometry) IsIdentity(tol float64) bool {
	x, y, z := a.Translation()
	if math.Sqrt(x*x+y*y+z*z) > tol {
		return false
	}
	return a.RotationAngle() <= tol
}

// RotationAngle returns the angle of the rotation part in radians.
func (a Isometry) RotationAngle() float64 {
	// trace(R) = 1 + 2*cos(angle)
	c := (a.M[0] + a.M[5] + a.M[10] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// quaternion is a unit quaternion (w, x, y, z) used internally for rotation
// interpolation.
type quaternion struct {
	w, x, y, z float64
}

// rotationQuat extracts the rotation part of the isometry as a unit
// quaternion, using Shepperd's method for numerical stability.
func (a Isometry) rotationQuat() quaternion {
	m := &a.M
	trace := m[0] + m[5] + m[10]
	var q quaternion
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q.w = s / 4
		q.x = (m[9] - m[6]) / s
		q.y = (m[2] - m[8]) / s
		q.z = (m[4] - m[1]) / s
	case m[0] > m[5] && m[0] > m[10]:
		s := math.Sqrt(1+m[0]-m[5]-m[10]) * 2
		q.w = (m[9] - m[6]) / s
		q.x = s / 4
		q.y = (m[1] + m[4]) / s
		q.z = (m[2] + m[8]) / s
	case m[5] > m[10]:
		s := math.Sqrt(1+m[5]-m[0]-m[10]) * 2
		q.w = (m[2] - m[8]) / s
		q.x = (m[1] + m[4]) / s
		q.y = s / 4
		q.z = (m[6] + m[9]) / s
	default:
		s := math.Sqrt(1+m[10]-m[0]-m[5]) * 2
		q.w = (m[4] - m[1]) / s
		q.x = (m[2] + m[8]) / s
		q.y = (m[6] + m[9]) / s
		q.z = s / 4
	}
	return q
}

// isometryFromQuat builds a pure rotation isometry from a unit quaternion.
func isometryFromQuat(q quaternion) Isometry {
	var out Isometry
	xx, yy, zz := q.x*q.x, q.y*q.y, q.z*q.z
	xy, xz, yz := q.x*q.y, q.x*q.z, q.y*q.z
	wx, wy, wz := q.w*q.x, q.w*q.y, q.w*q.z
	out.M[0] = 1 - 2*(yy+zz)
	out.M[1] = 2 * (xy - wz)
	out.M[2] = 2 * (xz + wy)
	out.M[4] = 2 * (xy + wz)
	out.M[5] = 1 - 2*(xx+zz)
	out.M[6] = 2 * (yz - wx)
	out.M[8] = 2 * (xz - wy)
	out.M[9] = 2 * (yz + wx)
	out.M[10] = 1 - 2*(xx+yy)
	out.M[15] = 1
	return out
}

// slerp interpolates (or extrapolates, for t outside [0,1]) between two unit
// quaternions along the shortest arc.
func slerp(q0, q1 quaternion, t float64) quaternion {
	dot := q0.w*q1.w + q0.x*q1.x + q0.y*q1.y + q0.z*q1.z
	if dot < 0 {
		q1 = quaternion{-q1.w, -q1.x, -q1.y, -q1.z}
		dot = -dot
	}
	if dot > 0.9995 {
		// Nearly parallel: fall back to normalized linear interpolation.
		q := quaternion{
			w: q0.w + t*(q1.w-q0.w),
			x: q0.x + t*(q1.x-q0.x),
			y: q0.y + t*(q1.y-q0.y),
			z: q0.z + t*(q1.z-q0.z),
		}
		n := math.Sqrt(q.w*q.w + q.x*q.x + q.y*q.y + q.z*q.z)
		return quaternion{q.w / n, q.x / n, q.y / n, q.z / n}
	}
	theta := math.Acos(dot)
	sinTheta := math.Sin(theta)
	a := math.Sin((1-t)*theta) / sinTheta
	b := math.Sin(t*theta) / sinTheta
	return quaternion{
		w: a*q0.w + b*q1.w,
		x: a*q0.x + b*q1.x,
		y: a*q0.y + b*q1.y,
		z: a*q0.z + b*q1.z,
	}
}

// Interpolate returns the pose at parameter t between a (t=0) and b (t=1):
// translation and rotation are interpolated independently, linearly for
// translation and spherically (slerp) for rotation. Values of t outside [0,1] extrapolate.
func (a Isometry) Interpolate(b Isometry, t float64) Isometry {
	out := isometryFromQuat(slerp(a.rotationQuat(), b.rotationQuat(), t))
	ax, ay, az := a.Translation()
	bx, by, bz := b.Translation()
	return out.WithTranslation(ax+t*(bx-ax), ay+t*(by-ay), az+t*(bz-az))
}
