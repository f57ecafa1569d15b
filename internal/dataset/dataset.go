// Package dataset holds the terminal pose dataset and writes it to disk.
package dataset

import (
	"errors"
	"fmt"

	"sfmsweep/internal/pose"
)

// ErrInvalid is wrapped by every consistency violation.
var ErrInvalid = errors.New("invalid dataset")

// Dataset pairs every image with exactly one pose, in the same order.
type Dataset struct {
	ImageDir   string
	Images     []string
	Poses      []pose.Pose
	Intrinsics pose.Intrinsics
	Bounds     []pose.Bounds // empty, or one per image
}

// Len is the number of views.
func (d *Dataset) Len() int { return len(d.Images) }

// Validate checks index correspondence, intrinsics and pose invariants.
func (d *Dataset) Validate() error {
	if len(d.Images) == 0 {
		return fmt.Errorf("%w: no images", ErrInvalid)
	}
	if len(d.Poses) != len(d.Images) {
		return fmt.Errorf("%w: %d images but %d poses", ErrInvalid, len(d.Images), len(d.Poses))
	}
	if len(d.Bounds) != 0 && len(d.Bounds) != len(d.Images) {
		return fmt.Errorf("%w: %d images but %d bounds", ErrInvalid, len(d.Images), len(d.Bounds))
	}
	if d.Intrinsics.Width <= 0 || d.Intrinsics.Height <= 0 || d.Intrinsics.Focal <= 0 {
		return fmt.Errorf("%w: intrinsics %+v", ErrInvalid, d.Intrinsics)
	}
	for i, p := range d.Poses {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: pose %d (%s): %w", ErrInvalid, i, d.Images[i], err)
		}
	}
	for i, b := range d.Bounds {
		if b.Near < 0 || b.Far < b.Near {
			return fmt.Errorf("%w: bounds %d: near %v far %v", ErrInvalid, i, b.Near, b.Far)
		}
	}
	return nil
}
