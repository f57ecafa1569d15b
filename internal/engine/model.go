package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Camera is one intrinsic calibration of a model.
type Camera struct {
	ID     int
	Model  string
	Width  int
	Height int
	Params []float64
}

// Image is one registered view. Qvec is (w, x, y, z) and, with Tvec,
// maps world points into the camera frame.
type Image struct {
	ID       int
	Name     string
	CameraID int
	Qvec     [4]float64
	Tvec     [3]float64
}

// Model is one connected reconstruction.
type Model struct {
	ID      int
	Dir     string
	Cameras map[int]Camera
	Images  map[int]Image
}

// NumRegistered is the number of images the model registered.
func (m *Model) NumRegistered() int { return len(m.Images) }

// RegisteredNames returns the registered image names in sorted order.
func (m *Model) RegisteredNames() []string {
	names := make([]string, 0, len(m.Images))
	for _, img := range m.Images {
		names = append(names, img.Name)
	}
	sort.Strings(names)
	return names
}

// ImagesByName returns the registered images ordered by name.
func (m *Model) ImagesByName() []Image {
	out := make([]Image, 0, len(m.Images))
	for _, img := range m.Images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FirstCamera returns the camera with the lowest id.
func (m *Model) FirstCamera() (Camera, bool) {
	best := -1
	for id := range m.Cameras {
		if best < 0 || id < best {
			best = id
		}
	}
	if best < 0 {
		return Camera{}, false
	}
	return m.Cameras[best], true
}

// Largest returns the model with the most registered images, lowest id on ties.
func Largest(models map[int]*Model) *Model {
	var best *Model
	for _, m := range models {
		if best == nil || m.NumRegistered() > best.NumRegistered() ||
			(m.NumRegistered() == best.NumRegistered() && m.ID < best.ID) {
			best = m
		}
	}
	return best
}

// ReadTextModel loads cameras.txt and images.txt from a model directory.
func ReadTextModel(dir string) (*Model, error) {
	cams, err := readCameras(filepath.Join(dir, "cameras.txt"))
	if err != nil {
		return nil, err
	}
	imgs, err := readImages(filepath.Join(dir, "images.txt"))
	if err != nil {
		return nil, err
	}
	return &Model{Dir: dir, Cameras: cams, Images: imgs}, nil
}

// dataLines yields non-comment, non-blank lines.
func dataLines(path string, fn func(lineNo int, fields []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, strings.Fields(line)); err != nil {
			return fmt.Errorf("%s:%d: %w", filepath.Base(path), n, err)
		}
	}
	return sc.Err()
}

// CAMERA_ID MODEL WIDTH HEIGHT PARAMS[]
func readCameras(path string) (map[int]Camera, error) {
	cams := make(map[int]Camera)
	err := dataLines(path, func(_ int, f []string) error {
		if len(f) == 0 {
			return nil
		}
		if len(f) < 4 {
			return fmt.Errorf("camera line has %d fields", len(f))
		}
		id, err1 := strconv.Atoi(f[0])
		w, err2 := strconv.Atoi(f[2])
		h, err3 := strconv.Atoi(f[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return fmt.Errorf("malformed camera line")
		}
		params, err := parseFloats(f[4:])
		if err != nil {
			return err
		}
		cams[id] = Camera{ID: id, Model: f[1], Width: w, Height: h, Params: params}
		return nil
	})
	return cams, err
}

// IMAGE_ID QW QX QY QZ TX TY TZ CAMERA_ID NAME, then a POINTS2D line.
func readImages(path string) (map[int]Image, error) {
	imgs := make(map[int]Image)
	expectPoints := false
	err := dataLines(path, func(_ int, f []string) error {
		if expectPoints {
			// The points line may legitimately be empty.
			expectPoints = false
			return nil
		}
		if len(f) == 0 {
			return nil
		}
		if len(f) < 10 {
			return fmt.Errorf("image line has %d fields", len(f))
		}
		id, err := strconv.Atoi(f[0])
		if err != nil {
			return fmt.Errorf("image id: %w", err)
		}
		vals, err := parseFloats(f[1:8])
		if err != nil {
			return err
		}
		camID, err := strconv.Atoi(f[8])
		if err != nil {
			return fmt.Errorf("camera id: %w", err)
		}
		img := Image{ID: id, CameraID: camID, Name: strings.Join(f[9:], " ")}
		copy(img.Qvec[:], vals[:4])
		copy(img.Tvec[:], vals[4:7])
		imgs[id] = img
		expectPoints = true
		return nil
	})
	return imgs, err
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}
