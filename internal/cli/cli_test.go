package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"sfmsweep/internal/catalog"
	"sfmsweep/internal/config"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/storage"
	"sfmsweep/internal/sweep"
)

type fakePipeline struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	sub     chan pipeline.Result
	failErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{sub: make(chan pipeline.Result, 8)}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	f.sub <- pipeline.Result{Job: job, Error: f.failErr, Outcome: &pipeline.Outcome{RunID: job.ID}}
	return job.ID, nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return f.sub, func() {}
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	f.jobs = nil
	f.mu.Unlock()
}

type stubResizer struct {
	calls []string
	fail  string
}

func (s *stubResizer) Resize(src, dst string, width, height int) error {
	s.calls = append(s.calls, filepath.Base(src))
	if filepath.Base(src) == s.fail {
		return errors.New("decode failed")
	}
	return nil
}

type failingEngine struct{}

func (failingEngine) ExtractFeatures(ctx context.Context, req engine.FeatureRequest) (catalog.FeatureCatalog, error) {
	return catalog.FeatureCatalog{}, errors.New("feature_extractor exited 1")
}

func (failingEngine) MatchFeatures(ctx context.Context, req engine.MatchRequest) (catalog.MatchCatalog, error) {
	return catalog.MatchCatalog{}, errors.New("not used")
}

func (failingEngine) Reconstruct(ctx context.Context, req engine.MapRequest) (map[int]*engine.Model, error) {
	return nil, errors.New("not used")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Workspace = t.TempDir()
	root := NewRoot(nil, cfg, quietLogger(), nil)
	fake := newFakePipeline()
	root.pipeline = fake
	buf := &bytes.Buffer{}
	root.out = buf
	return root, fake, buf
}

func execute(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}

func TestQueuedCommandsSubmitJobs(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	temp := t.TempDir()

	cases := []struct {
		name       string
		args       []string
		expectKind pipeline.JobKind
	}{
		{"run", []string{"run", temp, "--output", filepath.Join(temp, "out")}, pipeline.JobRun},
		{"synth", []string{"synth", temp}, pipeline.JobSynthetic},
		{"llff", []string{"llff", filepath.Join(temp, "poses_bounds.npy"), temp, "--focal", "500"}, pipeline.JobStacked},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake.reset()
			if err := execute(root, tc.args...); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fake.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fake.jobs))
			}
			job := fake.jobs[0]
			if job.Kind != tc.expectKind {
				t.Fatalf("expected kind %s, got %s", tc.expectKind, job.Kind)
			}
			if job.ImageDir != temp {
				t.Fatalf("expected image dir %s, got %s", temp, job.ImageDir)
			}
			if job.ID == "" {
				t.Fatalf("expected job id to be assigned")
			}
		})
	}

	if got := fake.jobs[0]; got.Focal != 500 || !strings.HasSuffix(got.PosesPath, "poses_bounds.npy") {
		t.Fatalf("llff flags not forwarded: %+v", got)
	}
}

func TestRunUsesConfiguredDefaults(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	if err := execute(root, "run"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	job := fake.jobs[0]
	if job.ImageDir != root.cfg.Paths.ImageDir || job.BackupDir != root.cfg.Paths.BackupDir {
		t.Fatalf("defaults not applied: %+v", job)
	}
	if job.WorkDir != root.cfg.Paths.Workspace || job.OutputDir != root.cfg.Paths.OutputDir {
		t.Fatalf("defaults not applied: %+v", job)
	}
}

func TestRunReportsJobFailure(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	fake.failErr = sweep.ErrStageExhausted
	err := execute(root, "run", t.TempDir())
	if !errors.Is(err, sweep.ErrStageExhausted) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := execute(root, "llff"); err == nil {
		t.Fatalf("expected error for missing poses file")
	}
	if err := execute(root, "partition"); err == nil {
		t.Fatalf("expected error for missing model directory")
	}
	if err := execute(root, "resize", "only-one"); err == nil {
		t.Fatalf("expected error for missing destination")
	}
	if err := execute(root, "features"); err == nil {
		t.Fatalf("expected error without a runner")
	}
}

func TestFeaturesCommandReportsFailedStage(t *testing.T) {
	root, _, buf := newTestRoot(t)
	root.cfg.Sweep.Features = []config.GridParam{{Name: "SiftExtraction.num_octaves", Values: []any{4}}}
	root.runner = pipeline.NewRunner(failingEngine{}, nil, quietLogger(), root.cfg)

	images := t.TempDir()
	touch(t, filepath.Join(images, "a.png"))

	err := execute(root, "features", images)
	if !errors.Is(err, sweep.ErrStageExhausted) {
		t.Fatalf("expected exhausted stage, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "features (1 candidates, 1 failed)") {
		t.Fatalf("missing stage summary in output:\n%s", out)
	}
	report := filepath.Join(root.cfg.Paths.Workspace, "features", "features_results.csv")
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("expected stage report: %v", err)
	}
}

func TestPartitionCommand(t *testing.T) {
	root, _, buf := newTestRoot(t)
	model := t.TempDir()
	if err := os.WriteFile(filepath.Join(model, "cameras.txt"), []byte("1 SIMPLE_RADIAL 64 48 50 32 24 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(model, "images.txt"), []byte("1 1 0 0 0 0 0 1 1 a.png\n\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	images, backup := t.TempDir(), t.TempDir()
	touch(t, filepath.Join(images, "a.png"))
	touch(t, filepath.Join(images, "b.png"))

	if err := execute(root, "partition", model, "--images", images, "--backup", backup); err != nil {
		t.Fatalf("partition failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Registered 1, parked 1, restored 0") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, err := os.Stat(filepath.Join(backup, "b.png")); err != nil {
		t.Fatalf("expected b.png in backup: %v", err)
	}
}

func TestResizeCommand(t *testing.T) {
	root, _, buf := newTestRoot(t)
	rz := &stubResizer{fail: "c.png"}
	root.resizerFn = func() resizer { return rz }

	src := t.TempDir()
	for _, name := range []string{"a.png", "b.jpg", "c.png", "notes.txt"} {
		touch(t, filepath.Join(src, name))
	}

	err := execute(root, "resize", src, t.TempDir(), "--width", "64", "--height", "64")
	if err == nil {
		t.Fatalf("expected the failed image to surface")
	}
	if len(rz.calls) != 3 {
		t.Fatalf("expected 3 resize calls, got %v", rz.calls)
	}
	if !strings.Contains(buf.String(), "Resized 2 of 3 images to 64x64") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestToolsCommand(t *testing.T) {
	root, _, buf := newTestRoot(t)
	root.toolsFn = func(ctx context.Context, binary string) []engine.ToolStatus {
		return []engine.ToolStatus{{Name: binary, Available: false, Error: errors.New("executable file not found")}}
	}
	if err := execute(root, "tools"); err == nil {
		t.Fatalf("expected missing tool error")
	}
	if !strings.Contains(buf.String(), "executable file not found") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	root.toolsFn = func(ctx context.Context, binary string) []engine.ToolStatus {
		return []engine.ToolStatus{{Name: binary, Available: true, Path: "/usr/bin/colmap", Version: "3.9"}}
	}
	if err := execute(root, "tools"); err != nil {
		t.Fatalf("tools failed: %v", err)
	}
	if !strings.Contains(buf.String(), "/usr/bin/colmap (3.9)") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestRunsCommand(t *testing.T) {
	root, _, buf := newTestRoot(t)
	if err := execute(root, "runs"); err == nil {
		t.Fatalf("expected error without a store")
	}

	store, err := storage.New(filepath.Join(t.TempDir(), "sfmsweep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.RecordRunStart("run-42", "/data/images", "/data/out"); err != nil {
		t.Fatal(err)
	}
	c := sweep.Candidate{ID: 2, Stage: sweep.StageSparse, Params: sweep.Params{"Mapper.min_model_size": 11}, Status: sweep.StatusOK, Metric: 9}
	if err := store.RecordCandidate("run-42", c); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordWinner("run-42", c); err != nil {
		t.Fatal(err)
	}
	root.store = store

	if err := execute(root, "runs"); err != nil {
		t.Fatalf("runs failed: %v", err)
	}
	if !strings.Contains(buf.String(), "run-42") || !strings.Contains(buf.String(), "/data/images") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	if err := execute(root, "runs", "run-42"); err != nil {
		t.Fatalf("runs show failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "* sparse") {
		t.Fatalf("expected winner marker, got: %s", buf.String())
	}
}

func TestServeCommandPassesAddress(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotAddr string
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
		gotAddr = addr
		return nil
	}
	if err := execute(root, "serve", "--addr", "127.0.0.1:9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != "127.0.0.1:9999" {
		t.Fatalf("expected address to be forwarded, got %q", gotAddr)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, buf := newTestRoot(t)
	if err := execute(root, "config", "validate"); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(buf.String(), "sparse    6 candidates") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	root.cfg.Sweep.Matching = []config.GridParam{{Name: "SiftMatching.max_ratio", Range: "0.9:0.1:0.1"}}
	if err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected invalid range to fail validation")
	}

	buf.Reset()
	if err := execute(root, "config", "show"); err != nil {
		t.Fatalf("show failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Binary: colmap") {
		t.Fatalf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	if err := execute(root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(buf.String(), Version) {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}
