package pose

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Stacked row layouts.
const (
	// LLFFRowLen is the poses_bounds layout: a 3x5 block whose last column is
	// (height, width, focal), followed by near and far.
	LLFFRowLen = 17
	// BlockRowLen is a bare 3x5 block whose last column holds the bounds.
	BlockRowLen = 15
)

// FromStacked splits one stacked row into its pose and bounds. The 3x4
// extrinsic block is padded with [0 0 0 1]; the bounds never enter the pose.
// LLFF rows store rotation columns as (down, right, back) and are reordered
// to (right, up, back). Bare blocks are taken as already canonical.
func FromStacked(row []float64) (Pose, Bounds, error) {
	if len(row) != LLFFRowLen && len(row) != BlockRowLen {
		return Pose{}, Bounds{}, fmt.Errorf("%w: stacked row has %d values, want %d or %d",
			ErrInvalidPose, len(row), BlockRowLen, LLFFRowLen)
	}

	block := mat.NewDense(3, 5, append([]float64(nil), row[:15]...))

	var b Bounds
	if len(row) == LLFFRowLen {
		b = Bounds{Near: row[15], Far: row[16]}
	} else {
		b = Bounds{Near: block.At(0, 4), Far: block.At(1, 4)}
	}

	p, err := FromDense(block.Slice(0, 3, 0, 4))
	if err != nil {
		return Pose{}, Bounds{}, err
	}
	if len(row) == LLFFRowLen {
		p = fromLLFFAxes(p)
	}
	if err := p.Validate(); err != nil {
		return Pose{}, Bounds{}, err
	}
	return p, b, nil
}

// FromStackedArray converts an N-row array.
func FromStackedArray(rows [][]float64) ([]Pose, []Bounds, error) {
	poses := make([]Pose, len(rows))
	bounds := make([]Bounds, len(rows))
	for i, row := range rows {
		p, b, err := FromStacked(row)
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", i, err)
		}
		poses[i] = p
		bounds[i] = b
	}
	return poses, bounds, nil
}

// fromLLFFAxes maps columns [c0 c1 c2 t] to [c1 -c0 c2 t].
func fromLLFFAxes(p Pose) Pose {
	for i := 0; i < 3; i++ {
		p[i][0], p[i][1] = p[i][1], -p[i][0]
	}
	return p
}
