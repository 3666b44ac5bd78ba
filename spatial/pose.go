// Package spatial defines rigid 3D transforms and the operations the bridge
// performs on them.
package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/dualquat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid 3D transform (rotation plus translation) represented as a
// unit dual quaternion.
type Pose struct {
	dq dualquat.Number
}

// NewZeroPose returns the identity transform. The real part of a dual
// quaternion must be a unit quaternion, so this should be used instead of
// Pose{}.
func NewZeroPose() Pose {
	return Pose{dualquat.Number{
		Real: quat.Number{Real: 1},
		Dual: quat.Number{},
	}}
}

// NewPose returns a pose with the given translation and rotation. The
// rotation quaternion is normalized if it is not already a unit quaternion.
func NewPose(point r3.Vector, rotation quat.Number) Pose {
	if norm := quat.Abs(rotation); norm == 0 {
		rotation = quat.Number{Real: 1}
	} else if norm != 1 {
		rotation = quat.Scale(1/norm, rotation)
	}
	p := Pose{dualquat.Number{Real: rotation}}
	p.setTranslation(point)
	return p
}

// NewPoseFromPoint returns a pure translation with an identity rotation.
func NewPoseFromPoint(point r3.Vector) Pose {
	return NewPose(point, quat.Number{Real: 1})
}

// NewPoseFromEulerAngles returns a pose whose rotation is built from
// intrinsic XYZ euler angles in radians.
func NewPoseFromEulerAngles(point r3.Vector, roll, pitch, yaw float64) Pose {
	q := mgl64.AnglesToQuat(roll, pitch, yaw, mgl64.XYZ)
	return NewPose(point, quat.Number{Real: q.W, Imag: q.X(), Jmag: q.Y(), Kmag: q.Z()})
}

// setTranslation sets the dual part against the rotation so that Point
// recovers the original translation.
func (p *Pose) setTranslation(point r3.Vector) {
	p.dq.Dual = quat.Mul(
		quat.Number{Imag: point.X / 2, Jmag: point.Y / 2, Kmag: point.Z / 2},
		p.dq.Real,
	)
}

// Point returns the translation component of the pose.
func (p Pose) Point() r3.Vector {
	// Multiplying by the dual quaternion conjugate leaves an identity real
	// part and a dual part holding the real-world translation.
	t := dualquat.Mul(p.dq, dualquat.Conj(p.dq))
	return r3.Vector{X: t.Dual.Imag, Y: t.Dual.Jmag, Z: t.Dual.Kmag}
}

// Rotation returns the rotation quaternion of the pose.
func (p Pose) Rotation() quat.Number {
	return p.dq.Real
}

// Compose treats b as being within the frame of a and returns the resulting
// pose in a's parent frame.
func Compose(a, b Pose) Pose {
	return Pose{dualquat.Mul(a.dq, b.dq)}
}

// Invert returns the inverse transform, such that Compose(p, p.Invert()) is
// the identity.
func (p Pose) Invert() Pose {
	return Pose{dualquat.Number{
		Real: quat.Conj(p.dq.Real),
		Dual: quat.Conj(p.dq.Dual),
	}}
}

// TransformPoint applies the pose to a point.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	r := p.dq.Real
	rotated := quat.Mul(quat.Mul(r, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(r))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}.Add(p.Point())
}

// PoseAlmostEqual returns whether two poses agree to within epsilon in both
// translation and rotation. q and -q describe the same rotation, so both
// signs are checked.
func PoseAlmostEqual(a, b Pose, epsilon float64) bool {
	if a.Point().Sub(b.Point()).Norm() > epsilon {
		return false
	}
	diff := quat.Sub(a.dq.Real, b.dq.Real)
	sum := quat.Add(a.dq.Real, b.dq.Real)
	return quat.Abs(diff) <= epsilon || quat.Abs(sum) <= epsilon
}

// Interpolate returns the pose a fraction amt (0 to 1) of the way between a
// and b. Translation is interpolated linearly, rotation by normalized lerp.
func Interpolate(a, b Pose, amt float64) Pose {
	pa, pb := a.Point(), b.Point()
	point := pa.Add(pb.Sub(pa).Mul(amt))

	qa, qb := a.dq.Real, b.dq.Real
	// take the short way around
	if dot(qa, qb) < 0 {
		qb = quat.Scale(-1, qb)
	}
	rot := quat.Add(quat.Scale(1-amt, qa), quat.Scale(amt, qb))
	if norm := quat.Abs(rot); norm < 1e-10 {
		rot = qa
	} else {
		rot = quat.Scale(1/norm, rot)
	}
	return NewPose(point, rot)
}

func dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// OrientationBetween returns the rotation taking the orientation of a to the
// orientation of b.
func OrientationBetween(a, b Pose) quat.Number {
	return quat.Mul(b.dq.Real, quat.Conj(a.dq.Real))
}

// AngleBetween returns the angular distance in radians between the
// orientations of two poses.
func AngleBetween(a, b Pose) float64 {
	q := OrientationBetween(a, b)
	imagNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	return 2 * math.Atan2(imagNorm, math.Abs(q.Real))
}
