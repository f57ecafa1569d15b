package pose

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Quaternion is a rotation in real-part-first order.
type Quaternion struct {
	W, X, Y, Z float64
}

// FromWXYZ reads the real-part-first layout used by COLMAP text models.
func FromWXYZ(v [4]float64) Quaternion {
	return Quaternion{W: v[0], X: v[1], Y: v[2], Z: v[3]}
}

// FromXYZW reads the real-part-last layout used by some bindings.
func FromXYZW(v [4]float64) Quaternion {
	return Quaternion{W: v[3], X: v[0], Y: v[1], Z: v[2]}
}

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Normalized returns the unit quaternion. A zero quaternion is an error.
func (q Quaternion) Normalized() (Quaternion, error) {
	n := q.number()
	norm := quat.Abs(n)
	if norm < 1e-12 {
		return Quaternion{}, fmt.Errorf("%w: zero quaternion", ErrInvalidPose)
	}
	u := quat.Scale(1/norm, n)
	return Quaternion{W: u.Real, X: u.Imag, Y: u.Jmag, Z: u.Kmag}, nil
}

// RotationMatrix builds the 3x3 rotation of q after normalizing it.
func RotationMatrix(q Quaternion) (*mat.Dense, error) {
	u, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	w, x, y, z := u.W, u.X, u.Y, u.Z
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}), nil
}

// cameraFlip turns a camera looking down +Z with Y down into one looking
// down -Z with Y up.
var cameraFlip = mat.NewDense(3, 3, []float64{
	1, 0, 0,
	0, -1, 0,
	0, 0, -1,
})

// FromExtrinsics converts a reconstructed world-to-camera rotation and
// translation into the canonical camera-to-world pose: R_c2w = Rᵀ·F and
// C = -Rᵀt, where F flips the camera Y and Z axes.
func FromExtrinsics(q Quaternion, t [3]float64) (Pose, error) {
	r, err := RotationMatrix(q)
	if err != nil {
		return Pose{}, err
	}

	var rt mat.Dense
	rt.CloneFrom(r.T())

	var centre mat.VecDense
	centre.MulVec(&rt, mat.NewVecDense(3, t[:]))
	centre.ScaleVec(-1, &centre)

	var rc2w mat.Dense
	rc2w.Mul(&rt, cameraFlip)

	p := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p[i][j] = rc2w.At(i, j)
		}
		p[i][3] = centre.AtVec(i)
	}
	return p, p.Validate()
}
