// Package raster reads image geometry and pixels through ImageMagick.
package raster

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Magick probes, decodes and resizes images through MagickWand. Calls are
// serialized.
type Magick struct {
	mu sync.Mutex
}

var initOnce sync.Once

// NewMagick initializes the ImageMagick environment once per process.
func NewMagick() *Magick {
	initOnce.Do(imagick.Initialize)
	return &Magick{}
}

// Close tears the ImageMagick environment down. Call it once at exit.
func (m *Magick) Close() { imagick.Terminate() }

// Size reads only the image header.
func (m *Magick) Size(path string) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("probe %s: %w", path, err)
	}
	return int(mw.GetImageWidth()), int(mw.GetImageHeight()), nil
}

// RGB decodes path and returns height*width*3 bytes. Images whose size
// differs from the dataset size are rejected.
func (m *Magick) RGB(path string, width, height int) ([]uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())
	if w != width || h != height {
		return nil, fmt.Errorf("%s is %dx%d, dataset is %dx%d", filepath.Base(path), w, h, width, height)
	}

	px, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", path, err)
	}
	data, ok := px.([]byte)
	if !ok {
		return nil, fmt.Errorf("export %s: unexpected pixel buffer %T", path, px)
	}
	return data, nil
}

// Resize writes a copy of src scaled to width x height at dst.
func (m *Magick) Resize(src, dst string, width, height int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	if err := mw.ResizeImage(uint(width), uint(height), imagick.FILTER_LANCZOS); err != nil {
		return fmt.Errorf("resize %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}
