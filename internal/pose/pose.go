// Package pose converts reconstructed, stacked and synthetic camera poses into
// one camera-to-world convention.
//
// The canonical convention is the one produced by Spherical: camera X right,
// Y up, looking down -Z, so the 3x3 block of every Pose maps those camera axes
// into world coordinates. Quaternions are always real-part-first (w, x, y, z).
package pose

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tolerance bounds the orthonormality check of the rotation block.
const Tolerance = 1e-5

// ErrInvalidPose is wrapped by every invariant violation.
var ErrInvalidPose = errors.New("invalid pose")

// Pose is a 4x4 camera-to-world matrix, row-major.
type Pose [4][4]float64

// Bounds is the near/far depth range of one view.
type Bounds struct {
	Near float64
	Far  float64
}

// Intrinsics is the single camera shared by the whole dataset.
type Intrinsics struct {
	Focal  float64
	Width  int
	Height int
}

// Identity returns the identity pose.
func Identity() Pose {
	return Pose{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// FromDense copies a 4x4 (or 3x4, padded with [0 0 0 1]) matrix.
func FromDense(m mat.Matrix) (Pose, error) {
	r, c := m.Dims()
	if c != 4 || (r != 3 && r != 4) {
		return Pose{}, fmt.Errorf("%w: expected 3x4 or 4x4 matrix, got %dx%d", ErrInvalidPose, r, c)
	}
	p := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			p[i][j] = m.At(i, j)
		}
	}
	// Discard any stored bottom row so it is exactly [0 0 0 1].
	return p, nil
}

// Dense returns the pose as a gonum matrix.
func (p Pose) Dense() *mat.Dense {
	data := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		data = append(data, p[i][:]...)
	}
	return mat.NewDense(4, 4, data)
}

// Rotation returns the 3x3 block.
func (p Pose) Rotation() *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, p[i][j])
		}
	}
	return r
}

// Translation returns the camera centre in world coordinates.
func (p Pose) Translation() [3]float64 {
	return [3]float64{p[0][3], p[1][3], p[2][3]}
}

// Flat returns the 16 values row-major, the order written to disk.
func (p Pose) Flat() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, p[i][:]...)
	}
	return out
}

// Validate checks the bottom row, det(R) and RᵀR = I.
func (p Pose) Validate() error {
	if p[3] != [4]float64{0, 0, 0, 1} {
		return fmt.Errorf("%w: bottom row %v", ErrInvalidPose, p[3])
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.IsNaN(p[i][j]) || math.IsInf(p[i][j], 0) {
				return fmt.Errorf("%w: non-finite entry at (%d,%d)", ErrInvalidPose, i, j)
			}
		}
	}

	r := p.Rotation()
	if det := mat.Det(r); det < 0.999 || det > 1.001 {
		return fmt.Errorf("%w: det(R) = %f", ErrInvalidPose, det)
	}

	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	if !mat.EqualApprox(&rtr, eye3(), Tolerance) {
		return fmt.Errorf("%w: rotation block is not orthonormal", ErrInvalidPose)
	}
	return nil
}

// Mul composes p·q.
func (p Pose) Mul(q Pose) Pose {
	var out mat.Dense
	out.Mul(p.Dense(), q.Dense())
	res, _ := FromDense(&out)
	return res
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// FocalFromFOV derives a focal length in pixels from a horizontal field of
// view, for datasets built without a reconstruction.
func FocalFromFOV(width int, fovDegrees float64) float64 {
	return 0.5 * float64(width) / math.Tan(0.5*fovDegrees*math.Pi/180)
}
