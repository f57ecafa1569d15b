package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	defaultConfigPath = "~/.config/sfmsweep/config.json"
	maxRangeValues    = 10000
)

// Config holds user-editable settings for the sweep pipeline.
type Config struct {
	Processing Processing    `json:"processing"`
	Logging    Logging       `json:"logging"`
	Paths      Paths         `json:"paths"`
	Engine     EngineConfig  `json:"engine"`
	Sweep      SweepConfig   `json:"sweep"`
	Dataset    DatasetConfig `json:"dataset"`
	Server     ServerConfig  `json:"server"`
	Watch      WatchConfig   `json:"watch"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"` // 0 means one worker per CPU
}

// Workers resolves the worker pool size for a stage.
func (p Processing) Workers() int {
	if p.ParallelJobs > 0 {
		return p.ParallelJobs
	}
	return runtime.NumCPU()
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	Workspace    string `json:"workspace"`
	ImageDir     string `json:"image_dir"`
	BackupDir    string `json:"backup_dir"`
	OutputDir    string `json:"output_dir"`
	DatabasePath string `json:"database_path"`
}

// EngineConfig describes how the COLMAP binary is invoked.
type EngineConfig struct {
	Binary          string `json:"binary"`
	Threads         int    `json:"threads"`
	CameraModel     string `json:"camera_model"`
	SingleCamera    bool   `json:"single_camera"`
	MaxNumFeatures  int    `json:"max_num_features"`
	UseGPU          bool   `json:"use_gpu"`
	BALocalMaxIter  int    `json:"ba_local_max_num_iterations"`
	BAGlobalMaxIter int    `json:"ba_global_max_num_iterations"`
}

// SweepConfig holds the ordered parameter grid of every stage.
type SweepConfig struct {
	Features []GridParam `json:"features"`
	Matching []GridParam `json:"matching"`
	Sparse   []GridParam `json:"sparse"`
}

// UnmarshalJSON replaces a stage grid wholesale when the file names it, so
// default dimensions never leak into a user-supplied grid.
func (s *SweepConfig) UnmarshalJSON(b []byte) error {
	var raw struct {
		Features *[]GridParam `json:"features"`
		Matching *[]GridParam `json:"matching"`
		Sparse   *[]GridParam `json:"sparse"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Features != nil {
		s.Features = *raw.Features
	}
	if raw.Matching != nil {
		s.Matching = *raw.Matching
	}
	if raw.Sparse != nil {
		s.Sparse = *raw.Sparse
	}
	return nil
}

// GridParam is one sweep dimension. Values may be an explicit list or a
// "min:max:step" range string in Range.
type GridParam struct {
	Name   string `json:"name"`
	Values []any  `json:"values,omitempty"`
	Range  string `json:"range,omitempty"`
}

// Expand returns the concrete value list of the dimension.
func (g GridParam) Expand() ([]any, error) {
	if len(g.Values) > 0 {
		return g.Values, nil
	}
	if g.Range == "" {
		return nil, nil
	}
	return parseRange(g.Range)
}

// DatasetConfig drives pose normalization and dataset export.
type DatasetConfig struct {
	FOVDegrees   float64 `json:"fov_degrees"`
	ElevationDeg float64 `json:"elevation_degrees"`
	Radius       float64 `json:"radius"`
	ExportImages bool    `json:"export_images"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// WatchConfig controls the drop-folder watcher.
type WatchConfig struct {
	SettleSeconds int `json:"settle_seconds"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("SFMSWEEP_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	workspace := "output"
	return &Config{
		Processing: Processing{ParallelJobs: 0},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./log",
		},
		Paths: Paths{
			Workspace:    workspace,
			ImageDir:     "images",
			BackupDir:    "backup_images",
			OutputDir:    "dataset",
			DatabasePath: filepath.Join(workspace, "sfmsweep.db"),
		},
		Engine: EngineConfig{
			Binary:          "colmap",
			Threads:         8,
			CameraModel:     "SIMPLE_RADIAL",
			SingleCamera:    true,
			MaxNumFeatures:  8192,
			UseGPU:          false,
			BALocalMaxIter:  50,
			BAGlobalMaxIter: 100,
		},
		Sweep: SweepConfig{
			Features: []GridParam{
				{Name: "SiftExtraction.num_octaves", Values: []any{6}},
				{Name: "SiftExtraction.edge_threshold", Values: []any{15}},
				{Name: "SiftExtraction.peak_threshold", Values: []any{0.0014}},
			},
			Matching: []GridParam{
				{Name: "SiftMatching.max_ratio", Values: []any{0.6}},
				{Name: "SiftMatching.guided_matching", Values: []any{true}},
				{Name: "SiftMatching.min_num_inliers", Values: []any{15}},
			},
			Sparse: []GridParam{
				{Name: "Mapper.min_num_matches", Values: []any{15}},
				{Name: "Mapper.min_model_size", Values: []any{11, 15, 19}},
				{Name: "Mapper.init_num_trials", Values: []any{1000, 1500}},
			},
		},
		Dataset: DatasetConfig{
			FOVDegrees:   60,
			ElevationDeg: -30,
			Radius:       4.0,
			ExportImages: false,
		},
		Server: ServerConfig{Addr: ":8080"},
		Watch:  WatchConfig{SettleSeconds: 5},
	}
}

// parseRange expands "min:max:step" into an inclusive value list. Integer
// bounds produce ints, anything else produces float64 rounded to 1e-6.
func parseRange(s string) ([]any, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	if lo, hi, step, ok := parseIntTriple(parts); ok {
		if step <= 0 {
			return nil, fmt.Errorf("step must be positive, got %d", step)
		}
		if (hi-lo)/step+1 > maxRangeValues {
			return nil, fmt.Errorf("range %q exceeds %d values", s, maxRangeValues)
		}
		var out []any
		for v := lo; v <= hi; v += step {
			out = append(out, v)
		}
		return out, nil
	}

	var vals [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid range value %q: %w", p, err)
		}
		vals[i] = f
	}
	lo, hi, step := vals[0], vals[1], vals[2]
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %f", step)
	}
	if int((hi-lo)/step)+1 > maxRangeValues {
		return nil, fmt.Errorf("range %q exceeds %d values", s, maxRangeValues)
	}
	var out []any
	for i := 0; ; i++ {
		v := lo + float64(i)*step
		if v > hi+step/1000 {
			break
		}
		out = append(out, roundTo(v, 1e6))
	}
	return out, nil
}

func parseIntTriple(parts []string) (int, int, int, bool) {
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, false
		}
		vals[i] = n
	}
	return vals[0], vals[1], vals[2], true
}

func roundTo(v, scale float64) float64 {
	return math.Round(v*scale) / scale
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
