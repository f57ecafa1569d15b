package sweep

import (
	"fmt"
	"path/filepath"
	"time"
)

// Stage names one step of the reconstruction chain.
type Stage string

const (
	StageFeatures Stage = "features"
	StageMatching Stage = "matching"
	StageSparse   Stage = "sparse"
)

// Status is the lifecycle of a candidate.
type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// FailedMetric is the score of every failed candidate. All stage metrics are
// counts, so nothing real scores below it.
const FailedMetric = 0.0

// Candidate is one parameterized attempt within a stage. It owns exactly one
// artifact path.
type Candidate struct {
	ID       int
	Stage    Stage
	Params   Params
	Artifact string
	Metric   float64
	Status   Status
	Err      error
	Duration time.Duration
}

// Failed reports whether the candidate was scored as a failure.
func (c Candidate) Failed() bool { return c.Status == StatusFailed }

// StageResult is the complete, id-ordered outcome of one sweep.
type StageResult struct {
	Stage      Stage
	Candidates []Candidate
	Winner     *Candidate
}

// FailedCount counts failed candidates.
func (r StageResult) FailedCount() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Failed() {
			n++
		}
	}
	return n
}

// ArtifactFunc derives the artifact path of candidate id.
type ArtifactFunc func(id int) string

// ArtifactPath returns dir/<prefix>_<id><suffix>, the layout used by every stage.
func ArtifactPath(dir, prefix, suffix string) ArtifactFunc {
	return func(id int) string {
		return filepath.Join(dir, fmt.Sprintf("%s_%d%s", prefix, id, suffix))
	}
}

// Plan creates the pending candidates of a grid. Artifact paths must be
// distinct; two candidates sharing one is a configuration error.
func Plan(stage Stage, grid *Grid, artifact ArtifactFunc) ([]Candidate, error) {
	cands := make([]Candidate, grid.Len())
	seen := make(map[string]int, grid.Len())
	for i := range cands {
		path := artifact(i)
		if prev, dup := seen[path]; dup {
			return nil, fmt.Errorf("candidates %d and %d share artifact %s", prev, i, path)
		}
		seen[path] = i
		cands[i] = Candidate{
			ID:       i,
			Stage:    stage,
			Params:   grid.At(i),
			Artifact: path,
			Status:   StatusPending,
		}
	}
	return cands, nil
}
