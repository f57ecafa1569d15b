package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmsweep/internal/config"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/npy"
	"sfmsweep/internal/pose"
	"sfmsweep/internal/sweep"
)

// llffRow is an identity LLFF rotation with hwf (48, 64, 55) and bounds (1, 9).
func llffRow(tz float64) []float64 {
	return []float64{
		1, 0, 0, 0, 48,
		0, 1, 0, 0, 64,
		0, 0, 1, tz, 55,
		1, 9,
	}
}

func TestBuildFromStackedLLFF(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	writeImages(t, imgDir, "b.png", "a.png")

	path := filepath.Join(root, "poses_bounds.npy")
	data := append(llffRow(0), llffRow(2)...)
	require.NoError(t, npy.Write(path, []int{2, 17}, data))

	ds, err := BuildFromStacked(path, imgDir, 0, config.DatasetConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, ds.Images)
	assert.Equal(t, 55.0, ds.Intrinsics.Focal)
	assert.Equal(t, 64, ds.Intrinsics.Width)
	assert.Equal(t, 48, ds.Intrinsics.Height)
	assert.Equal(t, 2.0, ds.Poses[1].Translation()[2])
	assert.Equal(t, 9.0, ds.Bounds[0].Far)
	require.NoError(t, ds.Validate())
}

func TestBuildFromStackedExplicitFocalAndProber(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	writeImages(t, imgDir, "a.png")

	path := filepath.Join(root, "poses.npy")
	require.NoError(t, npy.Write(path, []int{1, 17}, llffRow(0)))

	ds, err := BuildFromStacked(path, imgDir, 99, config.DatasetConfig{}, stubProber{w: 800, h: 600})
	require.NoError(t, err)
	assert.Equal(t, 99.0, ds.Intrinsics.Focal)
	assert.Equal(t, 800, ds.Intrinsics.Width)
	assert.Equal(t, 600, ds.Intrinsics.Height)
}

func TestBuildFromStackedBlockArray(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	writeImages(t, imgDir, "a.png", "b.png")

	// [N, 3, 5]: pose in the first four columns, near/far down the fifth.
	block := func(tz, near, far float64) []float64 {
		return []float64{
			1, 0, 0, 0, near,
			0, 1, 0, 0, far,
			0, 0, 1, tz, 0,
		}
	}
	path := filepath.Join(root, "poses_bounds.npy")
	data := append(block(-1, 0.5, 4), block(-3, 1, 6)...)
	require.NoError(t, npy.Write(path, []int{2, 3, 5}, data))

	ds, err := BuildFromStacked(path, imgDir, 0, config.DatasetConfig{FOVDegrees: 90}, stubProber{w: 64, h: 48})
	require.NoError(t, err)
	require.Len(t, ds.Poses, 2)
	assert.Equal(t, -3.0, ds.Poses[1].Translation()[2])
	assert.Equal(t, 1.0, ds.Poses[0][0][0])
	assert.Equal(t, []pose.Bounds{{Near: 0.5, Far: 4}, {Near: 1, Far: 6}}, ds.Bounds)
	assert.InDelta(t, 32.0, ds.Intrinsics.Focal, 1e-9)
	require.NoError(t, ds.Validate())
}

func TestBuildFromStackedCountMismatch(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	writeImages(t, imgDir, "a.png", "b.png", "c.png")

	path := filepath.Join(root, "poses.npy")
	require.NoError(t, npy.Write(path, []int{1, 17}, llffRow(0)))

	_, err := BuildFromStacked(path, imgDir, 0, config.DatasetConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 poses but")
}

func TestBuildFromModelOrdersByName(t *testing.T) {
	m := &engine.Model{
		ID:      0,
		Cameras: map[int]engine.Camera{1: {ID: 1, Width: 64, Height: 48, Params: []float64{42, 32, 24}}},
		Images: map[int]engine.Image{
			1: {ID: 1, Name: "z.png", CameraID: 1, Qvec: [4]float64{1, 0, 0, 0}, Tvec: [3]float64{0, 0, 1}},
			2: {ID: 2, Name: "m.png", CameraID: 1, Qvec: [4]float64{1, 0, 0, 0}, Tvec: [3]float64{0, 0, 2}},
		},
	}
	ds, err := BuildFromModel(m, t.TempDir(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m.png", "z.png"}, ds.Images)
	assert.Equal(t, 42.0, ds.Intrinsics.Focal)
	assert.Equal(t, 64, ds.Intrinsics.Width)
	// Camera center is -R^T t.
	assert.InDelta(t, -2.0, ds.Poses[0].Translation()[2], 1e-12)
}

func TestBuildFromModelWithoutCamera(t *testing.T) {
	_, err := BuildFromModel(&engine.Model{ID: 3}, t.TempDir(), nil)
	require.Error(t, err)
}

func TestBuildSyntheticRequiresImages(t *testing.T) {
	_, err := BuildSynthetic(t.TempDir(), config.DatasetConfig{}, stubProber{w: 10, h: 10})
	require.ErrorIs(t, err, ErrNoImages)
}

func TestWriteStageReport(t *testing.T) {
	res := sweep.StageResult{
		Stage: sweep.StageSparse,
		Candidates: []sweep.Candidate{
			{ID: 0, Params: sweep.Params{"b": 1, "a": 0.5}, Artifact: "sparse_0", Status: sweep.StatusOK, Metric: 12},
			{ID: 1, Params: sweep.Params{"b": 2, "a": 0.5}, Artifact: "sparse_1", Status: sweep.StatusFailed, Err: errors.New("mapper crashed")},
		},
	}
	res.Winner = &res.Candidates[0]

	path := filepath.Join(t.TempDir(), "sparse", "sparse_results.csv")
	require.NoError(t, WriteStageReport(path, res))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, []string{"candidate_id", "artifact", "status", "metric", "winner", "error", "a", "b"}, rows[0])
	assert.Equal(t, []string{"0", "sparse_0", "ok", "12", "true", "", "0.5", "1"}, rows[1])
	assert.Equal(t, []string{"1", "sparse_1", "failed", "0", "false", "mapper crashed", "0.5", "2"}, rows[2])
}

func TestPipelineDispatchesJobs(t *testing.T) {
	root := t.TempDir()
	imgDir := filepath.Join(root, "images")
	writeImages(t, imgDir, "a.png", "b.png")

	r := newTestRunner(t, &stubEngine{}, testConfig(), nil)
	p := New(context.Background(), r, quietLogger(), 4)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	id, err := p.Submit(Job{Kind: JobSynthetic, ImageDir: imgDir, OutputDir: filepath.Join(root, "out")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case res := <-results:
		require.NoError(t, res.Error)
		assert.Equal(t, id, res.Job.ID)
		assert.Equal(t, 2, res.Outcome.Dataset.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}

	_, err = p.Submit(Job{Kind: "bogus"})
	require.NoError(t, err)
	select {
	case res := <-results:
		assert.ErrorContains(t, res.Error, "unsupported job kind")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job result")
	}
}
