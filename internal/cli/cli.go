package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"sfmsweep/internal/config"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/logging"
	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/raster"
	"sfmsweep/internal/server"
	"sfmsweep/internal/storage"
	"sfmsweep/internal/sweep"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

type resizer interface {
	Resize(src, dst string, width, height int) error
}

type (
	serverFunc  func(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error
	toolsFunc   func(ctx context.Context, colmapBinary string) []engine.ToolStatus
	resizerFunc func() resizer
)

func defaultResizer() resizer { return raster.NewMagick() }

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline  pipelineClient
	pipe      *pipeline.Pipeline
	runner    *pipeline.Runner
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	out       io.Writer
	serveFn   serverFunc
	toolsFn   toolsFunc
	resizerFn resizerFunc
}

// NewRoot constructs the CLI root. pl may be nil for commands that only
// read history or configuration.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipe:      pl,
		cfg:       cfg,
		log:       logger,
		store:     store,
		out:       os.Stdout,
		serveFn:   server.Serve,
		toolsFn:   engine.CheckTools,
		resizerFn: defaultResizer,
	}
	if pl != nil {
		r.pipeline = pl
		r.runner = pl.Runner()
	}
	return r
}

func (r *Root) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Root) requirePipeline() error {
	if r.pipeline == nil {
		return fmt.Errorf("pipeline is not available")
	}
	return nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (*pipeline.Outcome, error) {
	if err := r.requirePipeline(); err != nil {
		return nil, err
	}
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	id, err := r.enqueue(ctx, job)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return nil, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == id {
				return res.Outcome, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if job.ID == "" {
		job.ID = pipeline.NewRunID()
	}
	id, err := r.pipeline.Submit(job)
	if err != nil {
		return "", err
	}
	r.log.Info("job queued", "kind", job.Kind, "id", id, "input", job.ImageDir)
	return id, nil
}

// printStage renders one sweep as a table, winner marked with '*'.
func (r *Root) printStage(res sweep.StageResult) {
	r.printf("\n%s (%d candidates, %d failed)\n", res.Stage, len(res.Candidates), res.FailedCount())
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tSTATUS\tMETRIC\tPARAMS")
	for _, c := range res.Candidates {
		mark := ""
		if res.Winner != nil && res.Winner.ID == c.ID {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%g\t%s\n", mark, c.ID, c.Status, c.Metric, c.Params)
	}
	tw.Flush()
}

func (r *Root) printOutcome(out *pipeline.Outcome) {
	if out == nil {
		return
	}
	for _, res := range []sweep.StageResult{out.Features, out.Matching, out.Sparse} {
		if len(res.Candidates) > 0 {
			r.printStage(res)
		}
	}
	if out.Model != nil {
		r.printf("\nModel %d registered %d images\n", out.Model.ID, out.Model.NumRegistered())
	}
	if out.Partition.Changed() {
		r.printf("Parked %d, restored %d images\n", len(out.Partition.Parked), len(out.Partition.Restored))
	}
	if out.Dataset != nil {
		r.printf("Dataset: %d views, focal %.2f, %dx%d\n",
			out.Dataset.Len(), out.Dataset.Intrinsics.Focal, out.Dataset.Intrinsics.Width, out.Dataset.Intrinsics.Height)
	}
	files := append([]string(nil), out.Files...)
	sort.Strings(files)
	for _, f := range files {
		r.printf("  %s\n", f)
	}
}

func (r *Root) printTools(ctx context.Context) int {
	missing := 0
	for _, st := range r.toolsFn(ctx, r.cfg.Engine.Binary) {
		logging.LogToolStatus(r.log, st.Name, st.Available, st.Version, st.Path, st.Error)
		if st.Available {
			version := st.Version
			if version == "" {
				version = "unknown version"
			}
			r.printf("✅ %-8s %s (%s)\n", st.Name, st.Path, version)
			continue
		}
		missing++
		reason := "not found"
		if st.Error != nil {
			reason = strings.TrimSpace(st.Error.Error())
		}
		r.printf("❌ %-8s %s\n", st.Name, reason)
	}
	return missing
}
