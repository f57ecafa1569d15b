package dataset

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"sfmsweep/internal/npy"
)

// Output file names inside a dataset directory.
const (
	PosesFile      = "poses.npy"
	FocalFile      = "focal.npy"
	HWFile         = "hw.npy"
	BoundsFile     = "bounds.npy"
	ImagesFile     = "images.npy"
	NamesFile      = "images.txt"
	TransformsFile = "transforms.json"
)

// PixelSource decodes one image into packed 8-bit RGB of a fixed size.
type PixelSource interface {
	RGB(path string, width, height int) ([]uint8, error)
}

// Writer writes datasets. Exporter is only needed when ExportImages is set.
type Writer struct {
	Exporter     PixelSource
	ExportImages bool
	Logger       *slog.Logger
}

// Write validates ds and stores it under dir, returning the files written.
func (w *Writer) Write(dir string, ds *Dataset) ([]string, error) {
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var written []string
	add := func(name string, err error) error {
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, filepath.Join(dir, name))
		return nil
	}

	n := ds.Len()
	poses := make([]float32, 0, n*16)
	for _, p := range ds.Poses {
		for _, v := range p.Flat() {
			poses = append(poses, float32(v))
		}
	}
	if err := add(PosesFile, npy.Write(filepath.Join(dir, PosesFile), []int{n, 4, 4}, poses)); err != nil {
		return written, err
	}

	focal := []float64{ds.Intrinsics.Focal}
	if err := add(FocalFile, npy.Write(filepath.Join(dir, FocalFile), []int{1}, focal)); err != nil {
		return written, err
	}

	hw := []int32{int32(ds.Intrinsics.Height), int32(ds.Intrinsics.Width)}
	if err := add(HWFile, npy.Write(filepath.Join(dir, HWFile), []int{2}, hw)); err != nil {
		return written, err
	}

	if len(ds.Bounds) > 0 {
		bounds := make([]float32, 0, 2*n)
		for _, b := range ds.Bounds {
			bounds = append(bounds, float32(b.Near), float32(b.Far))
		}
		if err := add(BoundsFile, npy.Write(filepath.Join(dir, BoundsFile), []int{n, 2}, bounds)); err != nil {
			return written, err
		}
	}

	names := strings.Join(ds.Images, "\n") + "\n"
	if err := add(NamesFile, os.WriteFile(filepath.Join(dir, NamesFile), []byte(names), 0o644)); err != nil {
		return written, err
	}

	if err := add(TransformsFile, writeTransforms(filepath.Join(dir, TransformsFile), ds)); err != nil {
		return written, err
	}

	if w.ExportImages {
		if w.Exporter == nil {
			return written, fmt.Errorf("image export requested without an exporter")
		}
		if err := add(ImagesFile, w.writePixels(filepath.Join(dir, ImagesFile), ds)); err != nil {
			return written, err
		}
	}

	logger.Info("Dataset written", "dir", dir, "views", n, "focal", ds.Intrinsics.Focal,
		"width", ds.Intrinsics.Width, "height", ds.Intrinsics.Height, "bounds", len(ds.Bounds) > 0)
	return written, nil
}

func (w *Writer) writePixels(path string, ds *Dataset) error {
	width, height := ds.Intrinsics.Width, ds.Intrinsics.Height
	frame := width * height * 3
	pixels := make([]uint8, 0, ds.Len()*frame)
	for _, name := range ds.Images {
		px, err := w.Exporter.RGB(filepath.Join(ds.ImageDir, name), width, height)
		if err != nil {
			return err
		}
		if len(px) != frame {
			return fmt.Errorf("%s: got %d bytes, want %d", name, len(px), frame)
		}
		pixels = append(pixels, px...)
	}
	return npy.Write(path, []int{ds.Len(), height, width, 3}, pixels)
}

type transformsFrame struct {
	FilePath        string       `json:"file_path"`
	TransformMatrix [][4]float64 `json:"transform_matrix"`
	Near            *float64     `json:"near,omitempty"`
	Far             *float64     `json:"far,omitempty"`
}

type transforms struct {
	CameraAngleX float64           `json:"camera_angle_x"`
	FocalLength  float64           `json:"fl_x"`
	Width        int               `json:"w"`
	Height       int               `json:"h"`
	Frames       []transformsFrame `json:"frames"`
}

// writeTransforms emits the same poses in the JSON layout radiance-field
// trainers read directly.
func writeTransforms(path string, ds *Dataset) error {
	t := transforms{
		CameraAngleX: 2 * math.Atan(0.5*float64(ds.Intrinsics.Width)/ds.Intrinsics.Focal),
		FocalLength:  ds.Intrinsics.Focal,
		Width:        ds.Intrinsics.Width,
		Height:       ds.Intrinsics.Height,
		Frames:       make([]transformsFrame, ds.Len()),
	}
	for i, name := range ds.Images {
		p := ds.Poses[i]
		f := transformsFrame{
			FilePath:        name,
			TransformMatrix: [][4]float64{p[0], p[1], p[2], p[3]},
		}
		if len(ds.Bounds) > 0 {
			near, far := ds.Bounds[i].Near, ds.Bounds[i].Far
			f.Near, f.Far = &near, &far
		}
		t.Frames[i] = f
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
