package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"sfmsweep/internal/config"
	"sfmsweep/internal/dataset"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/fsutil"
	"sfmsweep/internal/logging"
	"sfmsweep/internal/partition"
	"sfmsweep/internal/scoring"
	"sfmsweep/internal/storage"
	"sfmsweep/internal/sweep"
)

// Stage directories and artifact names under a run's work directory.
const (
	FeaturesDir = "features"
	MatchingDir = "matching"
	SparseDir   = "sparse"

	sparseDatabase = "database.db"
)

// ErrNoImages means the image directory holds nothing to reconstruct.
var ErrNoImages = errors.New("no images found")

// Run identifies one pipeline execution and the directories its stages use.
type Run struct {
	ID       string
	ImageDir string
	WorkDir  string
}

// Request describes a full run from raw images to a written dataset.
type Request struct {
	RunID     string
	ImageDir  string
	BackupDir string
	WorkDir   string
	OutputDir string
}

// Outcome captures everything a finished run produced.
type Outcome struct {
	RunID     string
	Features  sweep.StageResult
	Matching  sweep.StageResult
	Sparse    sweep.StageResult
	Model     *engine.Model
	Partition partition.Report
	Dataset   *dataset.Dataset
	Files     []string
}

// Runner chains the three sweeps and turns the best reconstruction into a
// dataset.
type Runner struct {
	engine  engine.Engine
	store   *storage.Store
	log     *slog.Logger
	workers int
	grids   config.SweepConfig
	dsCfg   config.DatasetConfig
	prober  Prober
	writer  *dataset.Writer
	events  *hub
}

// Option customizes a Runner.
type Option func(*Runner)

// WithProber sets the image size probe used by dataset builders.
func WithProber(p Prober) Option { return func(r *Runner) { r.prober = p } }

// WithWriter replaces the dataset writer.
func WithWriter(w *dataset.Writer) Option { return func(r *Runner) { r.writer = w } }

// WithWorkers overrides the per-stage pool size.
func WithWorkers(n int) Option { return func(r *Runner) { r.workers = n } }

// NewRunner wires a runner from configuration. store may be nil.
func NewRunner(eng engine.Engine, store *storage.Store, logger *slog.Logger, cfg *config.Config, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		engine:  eng,
		store:   store,
		log:     logger,
		workers: cfg.Processing.Workers(),
		grids:   cfg.Sweep,
		dsCfg:   cfg.Dataset,
		events:  newHub(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.writer == nil {
		r.writer = &dataset.Writer{Logger: logger}
	}
	return r
}

// Subscribe returns a channel of progress events and an unsubscribe function.
func (r *Runner) Subscribe() (<-chan Event, func()) { return r.events.Subscribe() }

// Close releases every subscriber.
func (r *Runner) Close() { r.events.closeAll() }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

func toParams(grid []config.GridParam) ([]sweep.Param, error) {
	out := make([]sweep.Param, 0, len(grid))
	for _, g := range grid {
		vals, err := g.Expand()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.Name, err)
		}
		out = append(out, sweep.Param{Name: g.Name, Values: vals})
	}
	return out, nil
}

// sweepStage expands the grid, runs every candidate and selects the winner.
func (r *Runner) sweepStage(ctx context.Context, run Run, stage sweep.Stage, grid []config.GridParam, artifact sweep.ArtifactFunc, unit sweep.Unit) (sweep.StageResult, error) {
	params, err := toParams(grid)
	if err != nil {
		return sweep.StageResult{Stage: stage}, &sweep.StageError{Stage: stage, CandidateID: -1, Err: err}
	}
	g, err := sweep.NewGrid(params)
	if err != nil {
		return sweep.StageResult{Stage: stage}, &sweep.StageError{Stage: stage, CandidateID: -1, Err: err}
	}
	cands, err := sweep.Plan(stage, g, artifact)
	if err != nil {
		return sweep.StageResult{Stage: stage}, &sweep.StageError{Stage: stage, CandidateID: -1, Err: err}
	}

	exec := sweep.NewExecutor(r.workers, r.log)
	exec.Observe(func(c sweep.Candidate) {
		if err := r.store.RecordCandidate(run.ID, c); err != nil {
			r.log.Warn("record candidate failed", "run", run.ID, "stage", stage, "candidate", c.ID, "error", err)
		}
		r.events.publish(candidateEvent(run.ID, c))
	})

	res := exec.Run(ctx, stage, cands, unit)
	winner, selErr := sweep.Select(&res)

	done := Event{Kind: EventStageDone, RunID: run.ID, Stage: stage, CandidateID: -1}
	if res.Winner != nil {
		done.CandidateID, done.Params, done.Metric = winner.ID, winner.Params, winner.Metric
		logging.LogStageSummary(r.log, string(stage), len(res.Candidates), res.FailedCount(), winner.ID, winner.Metric)
	}
	if selErr != nil {
		done.Error = selErr.Error()
		r.events.publish(done)
		return res, selErr
	}
	if err := r.store.RecordWinner(run.ID, winner); err != nil {
		r.log.Warn("record winner failed", "run", run.ID, "stage", stage, "error", err)
	}
	done.Status = winner.Status
	r.events.publish(done)
	return res, nil
}

// requireArtifact fails a unit whose engine call returned without leaving
// its artifact behind.
func requireArtifact(path string) error {
	if !fsutil.Exists(path) {
		return fmt.Errorf("expected artifact %s: %w", path, os.ErrNotExist)
	}
	return nil
}

// RunFeatures sweeps feature extraction over the image set.
func (r *Runner) RunFeatures(ctx context.Context, run Run) (sweep.StageResult, error) {
	artifact := sweep.ArtifactPath(filepath.Join(run.WorkDir, FeaturesDir), "database", ".db")
	return r.sweepStage(ctx, run, sweep.StageFeatures, r.grids.Features, artifact,
		func(ctx context.Context, c sweep.Candidate) (float64, error) {
			cat, err := r.engine.ExtractFeatures(ctx, engine.FeatureRequest{
				ImageDir: run.ImageDir,
				Database: c.Artifact,
				Params:   c.Params,
			})
			if err != nil {
				return 0, err
			}
			if err := requireArtifact(c.Artifact); err != nil {
				return 0, err
			}
			return scoring.FeatureScore(cat), nil
		})
}

// RunMatching sweeps feature matching. Every candidate works on its own copy
// of the feature winner's database.
func (r *Runner) RunMatching(ctx context.Context, run Run, input sweep.Candidate) (sweep.StageResult, error) {
	if err := requireArtifact(input.Artifact); err != nil {
		return sweep.StageResult{Stage: sweep.StageMatching}, sweep.MissingInput(input, sweep.StageMatching, err)
	}
	artifact := sweep.ArtifactPath(filepath.Join(run.WorkDir, MatchingDir), "matched_database", ".db")
	return r.sweepStage(ctx, run, sweep.StageMatching, r.grids.Matching, artifact,
		func(ctx context.Context, c sweep.Candidate) (float64, error) {
			if err := fsutil.CopyFile(input.Artifact, c.Artifact); err != nil {
				return 0, fmt.Errorf("copy input database: %w", err)
			}
			cat, err := r.engine.MatchFeatures(ctx, engine.MatchRequest{
				Database: c.Artifact,
				Params:   c.Params,
			})
			if err != nil {
				return 0, err
			}
			return scoring.MatchScore(cat), nil
		})
}

// RunSparse sweeps incremental mapping and returns the winner's models.
func (r *Runner) RunSparse(ctx context.Context, run Run, input sweep.Candidate) (sweep.StageResult, map[int]*engine.Model, error) {
	if err := requireArtifact(input.Artifact); err != nil {
		return sweep.StageResult{Stage: sweep.StageSparse}, nil, sweep.MissingInput(input, sweep.StageSparse, err)
	}

	var mu sync.Mutex
	models := make(map[int]map[int]*engine.Model)

	artifact := sweep.ArtifactPath(filepath.Join(run.WorkDir, SparseDir), "sparse", "")
	res, err := r.sweepStage(ctx, run, sweep.StageSparse, r.grids.Sparse, artifact,
		func(ctx context.Context, c sweep.Candidate) (float64, error) {
			// Stale model directories from an earlier run would be read back.
			if err := os.RemoveAll(c.Artifact); err != nil {
				return 0, err
			}
			db := filepath.Join(c.Artifact, sparseDatabase)
			if err := fsutil.CopyFile(input.Artifact, db); err != nil {
				return 0, fmt.Errorf("copy input database: %w", err)
			}
			out, err := r.engine.Reconstruct(ctx, engine.MapRequest{
				ImageDir:  run.ImageDir,
				Database:  db,
				OutputDir: c.Artifact,
				Params:    c.Params,
			})
			if err != nil {
				return 0, err
			}
			if len(out) == 0 {
				return 0, engine.ErrNoModels
			}
			mu.Lock()
			models[c.ID] = out
			mu.Unlock()
			return scoring.SparseScore(out), nil
		})
	if err != nil {
		return res, nil, err
	}
	return res, models[res.Winner.ID], nil
}

// Run executes every stage, partitions the image set against the best model
// and writes the dataset.
func (r *Runner) Run(ctx context.Context, req Request) (out *Outcome, err error) {
	if req.RunID == "" {
		req.RunID = NewRunID()
	}
	out = &Outcome{RunID: req.RunID}
	run := Run{ID: req.RunID, ImageDir: req.ImageDir, WorkDir: req.WorkDir}

	r.begin(run.ID, req.ImageDir, req.OutputDir)
	defer func() { r.finish(run.ID, err) }()

	names, err := fsutil.ListImages(req.ImageDir)
	if err != nil {
		return out, err
	}
	if len(names) == 0 {
		return out, fmt.Errorf("%w in %s", ErrNoImages, req.ImageDir)
	}
	r.log.Info("Run started", "run", run.ID, "images", len(names), "image_dir", req.ImageDir, "work_dir", req.WorkDir)

	if out.Features, err = r.RunFeatures(ctx, run); err != nil {
		return out, err
	}
	if out.Matching, err = r.RunMatching(ctx, run, *out.Features.Winner); err != nil {
		return out, err
	}
	var models map[int]*engine.Model
	if out.Sparse, models, err = r.RunSparse(ctx, run, *out.Matching.Winner); err != nil {
		return out, err
	}
	r.writeReports(req.WorkDir, out)

	out.Model = engine.Largest(models)
	if out.Model == nil {
		return out, sweep.MissingInput(*out.Sparse.Winner, sweep.StageSparse, engine.ErrNoModels)
	}

	out.Partition, err = partition.Partition(
		partition.NewStore(req.ImageDir),
		partition.NewStore(req.BackupDir),
		out.Model.RegisteredNames(),
		r.log,
	)
	if err != nil {
		return out, fmt.Errorf("partition: %w", err)
	}
	if err := out.Partition.Mismatch(); err != nil {
		r.log.Warn("Partition skipped images", "run", run.ID, "error", err)
	}

	if out.Dataset, err = BuildFromModel(out.Model, req.ImageDir, r.prober); err != nil {
		return out, err
	}
	if out.Files, err = r.writer.Write(req.OutputDir, out.Dataset); err != nil {
		return out, err
	}
	return out, nil
}

// Synthetic writes an orbit dataset for an image set without reconstructing.
func (r *Runner) Synthetic(ctx context.Context, runID, imageDir, outputDir string) (out *Outcome, err error) {
	if runID == "" {
		runID = NewRunID()
	}
	out = &Outcome{RunID: runID}
	r.begin(runID, imageDir, outputDir)
	defer func() { r.finish(runID, err) }()

	if out.Dataset, err = BuildSynthetic(imageDir, r.dsCfg, r.prober); err != nil {
		return out, err
	}
	out.Files, err = r.writer.Write(outputDir, out.Dataset)
	return out, err
}

// Stacked converts a stacked pose/bounds array into a dataset.
func (r *Runner) Stacked(ctx context.Context, runID, posesPath, imageDir, outputDir string, focal float64) (out *Outcome, err error) {
	if runID == "" {
		runID = NewRunID()
	}
	out = &Outcome{RunID: runID}
	r.begin(runID, imageDir, outputDir)
	defer func() { r.finish(runID, err) }()

	if out.Dataset, err = BuildFromStacked(posesPath, imageDir, focal, r.dsCfg, r.prober); err != nil {
		return out, err
	}
	out.Files, err = r.writer.Write(outputDir, out.Dataset)
	return out, err
}

func (r *Runner) begin(runID, imageDir, outputDir string) {
	if err := r.store.RecordRunStart(runID, imageDir, outputDir); err != nil {
		r.log.Warn("record run start failed", "run", runID, "error", err)
	}
	r.events.publish(Event{Kind: EventRunStarted, RunID: runID, CandidateID: -1})
}

func (r *Runner) finish(runID string, runErr error) {
	if err := r.store.RecordRunResult(runID, runErr); err != nil {
		r.log.Warn("record run result failed", "run", runID, "error", err)
	}
	e := Event{Kind: EventRunDone, RunID: runID, CandidateID: -1}
	if runErr != nil {
		e.Error = runErr.Error()
		r.log.Error("Run failed", "run", runID, "error", runErr)
	} else {
		r.log.Info("Run completed", "run", runID)
	}
	r.events.publish(e)
}

func (r *Runner) writeReports(workDir string, out *Outcome) {
	for _, res := range []sweep.StageResult{out.Features, out.Matching, out.Sparse} {
		path := filepath.Join(workDir, string(res.Stage), string(res.Stage)+"_results.csv")
		if err := WriteStageReport(path, res); err != nil {
			r.log.Warn("stage report failed", "stage", res.Stage, "error", err)
		}
	}
}
