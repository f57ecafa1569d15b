package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sfmsweep/internal/catalog"
	"sfmsweep/internal/config"
	"sfmsweep/internal/sweep"
)

// COLMAP runs the colmap command line tool.
type COLMAP struct {
	cfg    config.EngineConfig
	logger *slog.Logger
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewCOLMAP builds an engine from the engine section of the config.
func NewCOLMAP(cfg config.EngineConfig, logger *slog.Logger) *COLMAP {
	if cfg.Binary == "" {
		cfg.Binary = "colmap"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &COLMAP{cfg: cfg, logger: logger, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", name, args[0], err, tail(out.String(), 400))
	}
	return out.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func (c *COLMAP) invoke(ctx context.Context, sub string, args []string) error {
	full := append([]string{sub}, args...)
	c.logger.Debug("colmap", "command", sub, "args", strings.Join(args, " "))
	_, err := c.run(ctx, c.cfg.Binary, full...)
	return err
}

func (c *COLMAP) threads() string {
	if c.cfg.Threads > 0 {
		return strconv.Itoa(c.cfg.Threads)
	}
	return "-1"
}

// ExtractFeatures writes a fresh feature database for the image set.
func (c *COLMAP) ExtractFeatures(ctx context.Context, req FeatureRequest) (catalog.FeatureCatalog, error) {
	if err := os.MkdirAll(filepath.Dir(req.Database), 0o755); err != nil {
		return catalog.FeatureCatalog{}, err
	}
	// Extraction appends to an existing database.
	if err := os.Remove(req.Database); err != nil && !os.IsNotExist(err) {
		return catalog.FeatureCatalog{}, err
	}

	args := []string{
		"--database_path", req.Database,
		"--image_path", req.ImageDir,
		"--ImageReader.single_camera", boolFlag(c.cfg.SingleCamera),
		"--SiftExtraction.num_threads", c.threads(),
		"--SiftExtraction.use_gpu", boolFlag(c.cfg.UseGPU),
	}
	if c.cfg.CameraModel != "" {
		args = append(args, "--ImageReader.camera_model", c.cfg.CameraModel)
	}
	if c.cfg.MaxNumFeatures > 0 {
		args = append(args, "--SiftExtraction.max_num_features", strconv.Itoa(c.cfg.MaxNumFeatures))
	}
	args = append(args, RenderParams(req.Params)...)

	if err := c.invoke(ctx, "feature_extractor", args); err != nil {
		return catalog.FeatureCatalog{}, err
	}
	return catalog.ReadFeatures(req.Database)
}

// MatchFeatures runs exhaustive matching against the database in place.
func (c *COLMAP) MatchFeatures(ctx context.Context, req MatchRequest) (catalog.MatchCatalog, error) {
	if _, err := os.Stat(req.Database); err != nil {
		return catalog.MatchCatalog{}, err
	}
	args := []string{
		"--database_path", req.Database,
		"--SiftMatching.num_threads", c.threads(),
		"--SiftMatching.use_gpu", boolFlag(c.cfg.UseGPU),
	}
	args = append(args, RenderParams(req.Params)...)

	if err := c.invoke(ctx, "exhaustive_matcher", args); err != nil {
		return catalog.MatchCatalog{}, err
	}
	return catalog.ReadMatches(req.Database)
}

// Reconstruct runs the incremental mapper and loads every model it wrote.
func (c *COLMAP) Reconstruct(ctx context.Context, req MapRequest) (map[int]*Model, error) {
	if _, err := os.Stat(req.Database); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}

	args := []string{
		"--database_path", req.Database,
		"--image_path", req.ImageDir,
		"--output_path", req.OutputDir,
		"--Mapper.num_threads", c.threads(),
		"--Mapper.multiple_models", "1",
		"--Mapper.ba_local_max_num_iterations", strconv.Itoa(orDefault(c.cfg.BALocalMaxIter, 50)),
		"--Mapper.ba_global_max_num_iterations", strconv.Itoa(orDefault(c.cfg.BAGlobalMaxIter, 100)),
	}
	args = append(args, RenderParams(req.Params)...)

	if err := c.invoke(ctx, "mapper", args); err != nil {
		return nil, err
	}

	dirs, err := modelDirs(req.OutputDir)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, ErrNoModels
	}

	models := make(map[int]*Model, len(dirs))
	for id, dir := range dirs {
		if err := c.invoke(ctx, "model_converter", []string{
			"--input_path", dir,
			"--output_path", dir,
			"--output_type", "TXT",
		}); err != nil {
			return nil, err
		}
		m, err := ReadTextModel(dir)
		if err != nil {
			return nil, fmt.Errorf("model %d: %w", id, err)
		}
		m.ID = id
		models[id] = m
	}
	return models, nil
}

// modelDirs lists the numbered sub-directories the mapper writes.
func modelDirs(root string) (map[int]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	out := make(map[int]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		out[id] = filepath.Join(root, e.Name())
	}
	return out, nil
}

// RenderParams turns sweep parameters into "--Name value" pairs in name order.
func RenderParams(p sweep.Params) []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)

	args := make([]string, 0, 2*len(names))
	for _, k := range names {
		args = append(args, "--"+k, renderValue(p[k]))
	}
	return args
}

func renderValue(v any) string {
	switch t := v.(type) {
	case bool:
		return boolFlag(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
