package pipeline

import (
	"fmt"
	"path/filepath"

	"sfmsweep/internal/config"
	"sfmsweep/internal/dataset"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/fsutil"
	"sfmsweep/internal/npy"
	"sfmsweep/internal/pose"
)

// Prober reports the pixel size of an image.
type Prober interface {
	Size(path string) (width, height int, err error)
}

// probeSize reads width and height from the first image that resolves.
// Every image is assumed to share that size.
func probeSize(prober Prober, imageDir string, names []string) (int, int, error) {
	if prober == nil {
		return 0, 0, fmt.Errorf("no image prober configured")
	}
	var lastErr error
	for _, name := range names {
		path := filepath.Join(imageDir, name)
		if !fsutil.Exists(path) {
			continue
		}
		w, h, err := prober.Size(path)
		if err == nil {
			return w, h, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w in %s", ErrNoImages, imageDir)
	}
	return 0, 0, lastErr
}

// BuildFromModel converts a reconstruction into a dataset ordered by image
// name. Focal comes from the first camera; size from one representative
// image, or from the camera when no prober is set.
func BuildFromModel(m *engine.Model, imageDir string, prober Prober) (*dataset.Dataset, error) {
	cam, ok := m.FirstCamera()
	if !ok || len(cam.Params) == 0 {
		return nil, fmt.Errorf("model %d has no camera parameters", m.ID)
	}

	imgs := m.ImagesByName()
	ds := &dataset.Dataset{
		ImageDir: imageDir,
		Images:   make([]string, len(imgs)),
		Poses:    make([]pose.Pose, len(imgs)),
	}
	for i, img := range imgs {
		p, err := pose.FromExtrinsics(pose.FromWXYZ(img.Qvec), img.Tvec)
		if err != nil {
			return nil, fmt.Errorf("image %s: %w", img.Name, err)
		}
		ds.Images[i] = img.Name
		ds.Poses[i] = p
	}

	w, h := cam.Width, cam.Height
	if prober != nil {
		var err error
		if w, h, err = probeSize(prober, imageDir, ds.Images); err != nil {
			return nil, err
		}
	}
	ds.Intrinsics = pose.Intrinsics{Focal: cam.Params[0], Width: w, Height: h}
	return ds, nil
}

// BuildSynthetic places the sorted images of imageDir on an orbit at a fixed
// elevation and radius, with focal derived from the configured field of view.
func BuildSynthetic(imageDir string, cfg config.DatasetConfig, prober Prober) (*dataset.Dataset, error) {
	names, err := fsutil.ListImages(imageDir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoImages, imageDir)
	}
	w, h, err := probeSize(prober, imageDir, names)
	if err != nil {
		return nil, err
	}

	radius := cfg.Radius
	if radius <= 0 {
		radius = 4
	}
	fov := cfg.FOVDegrees
	if fov <= 0 {
		fov = 60
	}

	ds := &dataset.Dataset{
		ImageDir:   imageDir,
		Images:     names,
		Poses:      pose.Orbit(len(names), cfg.ElevationDeg, radius),
		Intrinsics: pose.Intrinsics{Focal: pose.FocalFromFOV(w, fov), Width: w, Height: h},
		Bounds:     make([]pose.Bounds, len(names)),
	}
	for i := range ds.Bounds {
		ds.Bounds[i] = pose.Bounds{Near: 0.5 * radius, Far: 1.5 * radius}
	}
	return ds, nil
}

// BuildFromStacked reads a stacked pose/bounds array and pairs its rows with
// the sorted images of imageDir. A non-positive focal falls back to the hwf
// column of LLFF rows, then to the configured field of view.
func BuildFromStacked(path, imageDir string, focal float64, cfg config.DatasetConfig, prober Prober) (*dataset.Dataset, error) {
	arr, err := npy.Read(path)
	if err != nil {
		return nil, err
	}
	rows, err := arr.Rows()
	if err != nil {
		return nil, err
	}
	poses, bounds, err := pose.FromStackedArray(rows)
	if err != nil {
		return nil, err
	}
	if len(poses) == 0 {
		return nil, fmt.Errorf("%s holds no poses", filepath.Base(path))
	}

	names, err := fsutil.ListImages(imageDir)
	if err != nil {
		return nil, err
	}
	if len(names) != len(poses) {
		return nil, fmt.Errorf("%s has %d poses but %s has %d images", filepath.Base(path), len(poses), imageDir, len(names))
	}

	var w, h int
	if len(rows[0]) == pose.LLFFRowLen {
		// hwf column: height, width, focal.
		h, w = int(rows[0][4]), int(rows[0][9])
		if focal <= 0 {
			focal = rows[0][14]
		}
	}
	if prober != nil {
		if w, h, err = probeSize(prober, imageDir, names); err != nil {
			return nil, err
		}
	}
	if focal <= 0 {
		fov := cfg.FOVDegrees
		if fov <= 0 {
			fov = 60
		}
		focal = pose.FocalFromFOV(w, fov)
	}

	return &dataset.Dataset{
		ImageDir:   imageDir,
		Images:     names,
		Poses:      poses,
		Intrinsics: pose.Intrinsics{Focal: focal, Width: w, Height: h},
		Bounds:     bounds,
	}, nil
}
