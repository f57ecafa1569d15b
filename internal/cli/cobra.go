package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"sfmsweep/internal/config"
	"sfmsweep/internal/engine"
	"sfmsweep/internal/fsutil"
	"sfmsweep/internal/partition"
	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/storage"
	"sfmsweep/internal/sweep"
	"sfmsweep/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sfmsweep",
		Short: "sfmsweep tunes a COLMAP reconstruction and exports a NeRF pose dataset",
		Long: `sfmsweep runs feature extraction, matching and sparse mapping over a grid of
parameters, keeps the best candidate of every stage, trims the image set to
what the best model registered and writes poses, intrinsics and bounds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newFeaturesCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newSparseCmd(root))
	rootCmd.AddCommand(newPartitionCmd(root))
	rootCmd.AddCommand(newSynthCmd(root))
	rootCmd.AddCommand(newLLFFCmd(root))
	rootCmd.AddCommand(newResizeCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func argOr(args []string, i int, def string) string {
	if len(args) > i && args[i] != "" {
		return args[i]
	}
	return def
}

func newRunCmd(root *Root) *cobra.Command {
	var backup, work, output string

	cmd := &cobra.Command{
		Use:   "run [image_directory]",
		Short: "Run the full sweep and write the dataset",
		Long: `Sweep feature extraction, matching and mapping, keep the winner of each stage,
move unregistered images into the backup directory and write the dataset of
the largest model.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Kind:      pipeline.JobRun,
				ImageDir:  argOr(args, 0, root.cfg.Paths.ImageDir),
				BackupDir: backup,
				WorkDir:   work,
				OutputDir: output,
			})
			root.printOutcome(out)
			return err
		},
	}

	cmd.Flags().StringVar(&backup, "backup", root.cfg.Paths.BackupDir, "directory receiving unregistered images")
	cmd.Flags().StringVarP(&work, "work", "w", root.cfg.Paths.Workspace, "directory for stage artifacts")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutputDir, "dataset output directory")
	return cmd
}

// stageRun builds the run context for a single-stage command.
func (r *Root) stageRun(imageDir, work string) (pipeline.Run, error) {
	if r.runner == nil {
		return pipeline.Run{}, fmt.Errorf("pipeline is not available")
	}
	return pipeline.Run{ID: pipeline.NewRunID(), ImageDir: imageDir, WorkDir: work}, nil
}

func (r *Root) reportStage(work string, res sweep.StageResult) {
	r.printStage(res)
	path := filepath.Join(work, string(res.Stage), string(res.Stage)+"_results.csv")
	if err := pipeline.WriteStageReport(path, res); err != nil {
		r.log.Warn("stage report failed", "stage", res.Stage, "error", err)
		return
	}
	r.printf("Report: %s\n", path)
}

// inputCandidate describes a database produced outside this process as the
// winner of stage.
func inputCandidate(stage sweep.Stage, path string) (sweep.Candidate, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return sweep.Candidate{}, err
	}
	return sweep.Candidate{ID: 0, Stage: stage, Artifact: abs, Status: sweep.StatusOK}, nil
}

func newFeaturesCmd(root *Root) *cobra.Command {
	var work string

	cmd := &cobra.Command{
		Use:   "features [image_directory]",
		Short: "Sweep feature extraction only",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := root.stageRun(argOr(args, 0, root.cfg.Paths.ImageDir), work)
			if err != nil {
				return err
			}
			res, err := root.runner.RunFeatures(cmd.Context(), run)
			if len(res.Candidates) > 0 {
				root.reportStage(work, res)
			}
			if err != nil {
				return err
			}
			root.printf("Winner: %s\n", res.Winner.Artifact)
			return nil
		},
	}

	cmd.Flags().StringVarP(&work, "work", "w", root.cfg.Paths.Workspace, "directory for stage artifacts")
	return cmd
}

func newMatchCmd(root *Root) *cobra.Command {
	var work string

	cmd := &cobra.Command{
		Use:   "match <features_database>",
		Short: "Sweep feature matching over a feature database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := root.stageRun("", work)
			if err != nil {
				return err
			}
			input, err := inputCandidate(sweep.StageFeatures, args[0])
			if err != nil {
				return err
			}
			res, err := root.runner.RunMatching(cmd.Context(), run, input)
			if len(res.Candidates) > 0 {
				root.reportStage(work, res)
			}
			if err != nil {
				return err
			}
			root.printf("Winner: %s\n", res.Winner.Artifact)
			return nil
		},
	}

	cmd.Flags().StringVarP(&work, "work", "w", root.cfg.Paths.Workspace, "directory for stage artifacts")
	return cmd
}

func newSparseCmd(root *Root) *cobra.Command {
	var work, images string

	cmd := &cobra.Command{
		Use:   "sparse <matched_database>",
		Short: "Sweep incremental mapping over a matched database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := root.stageRun(images, work)
			if err != nil {
				return err
			}
			input, err := inputCandidate(sweep.StageMatching, args[0])
			if err != nil {
				return err
			}
			res, models, err := root.runner.RunSparse(cmd.Context(), run, input)
			if len(res.Candidates) > 0 {
				root.reportStage(work, res)
			}
			if err != nil {
				return err
			}
			if m := engine.Largest(models); m != nil {
				root.printf("Winner: %s, model %d registered %d images\n", res.Winner.Artifact, m.ID, m.NumRegistered())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&work, "work", "w", root.cfg.Paths.Workspace, "directory for stage artifacts")
	cmd.Flags().StringVar(&images, "images", root.cfg.Paths.ImageDir, "image directory the database was built from")
	return cmd
}

func newPartitionCmd(root *Root) *cobra.Command {
	var images, backup string

	cmd := &cobra.Command{
		Use:   "partition <model_directory>",
		Short: "Keep only the images a text model registered",
		Long: `Move images the model did not register into the backup directory and restore
registered images from it. Running it twice changes nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := engine.ReadTextModel(args[0])
			if err != nil {
				return err
			}
			rep, err := partition.Partition(partition.NewStore(images), partition.NewStore(backup), m.RegisteredNames(), root.log)
			if err != nil {
				return err
			}
			root.printf("Registered %d, parked %d, restored %d\n", m.NumRegistered(), len(rep.Parked), len(rep.Restored))
			for _, name := range rep.Missing {
				root.printf("  missing: %s\n", name)
			}
			return rep.Mismatch()
		},
	}

	cmd.Flags().StringVar(&images, "images", root.cfg.Paths.ImageDir, "working image directory")
	cmd.Flags().StringVar(&backup, "backup", root.cfg.Paths.BackupDir, "backup image directory")
	return cmd
}

func newSynthCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "synth [image_directory]",
		Short: "Write an orbit dataset without reconstructing",
		Long: `Place the sorted images on a circular orbit at the configured elevation and
radius, looking at the origin, and write the dataset.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Kind:      pipeline.JobSynthetic,
				ImageDir:  argOr(args, 0, root.cfg.Paths.ImageDir),
				OutputDir: output,
			})
			root.printOutcome(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutputDir, "dataset output directory")
	return cmd
}

func newLLFFCmd(root *Root) *cobra.Command {
	var (
		output string
		focal  float64
	)

	cmd := &cobra.Command{
		Use:   "llff <poses_bounds.npy> [image_directory]",
		Short: "Convert a stacked pose/bounds array into a dataset",
		Long: `Read an N x 17 (LLFF) or N x 15 array of stacked poses and bounds and pair its
rows with the sorted images of the directory.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{
				Kind:      pipeline.JobStacked,
				PosesPath: args[0],
				ImageDir:  argOr(args, 1, root.cfg.Paths.ImageDir),
				OutputDir: output,
				Focal:     focal,
			})
			root.printOutcome(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.OutputDir, "dataset output directory")
	cmd.Flags().Float64Var(&focal, "focal", 0, "focal length in pixels (0 uses the array or the configured field of view)")
	return cmd
}

func newResizeCmd(root *Root) *cobra.Command {
	var width, height int

	cmd := &cobra.Command{
		Use:   "resize <source_directory> <destination_directory>",
		Short: "Resize every image of a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if width <= 0 || height <= 0 {
				return fmt.Errorf("width and height must be positive")
			}
			names, err := fsutil.ListImages(args[0])
			if err != nil {
				return err
			}
			if len(names) == 0 {
				return fmt.Errorf("%w in %s", pipeline.ErrNoImages, args[0])
			}
			rz := root.resizerFn()
			var errs []error
			for _, name := range names {
				if err := rz.Resize(filepath.Join(args[0], name), filepath.Join(args[1], name), width, height); err != nil {
					root.log.Warn("resize failed", "image", name, "error", err)
					errs = append(errs, err)
				}
			}
			root.printf("Resized %d of %d images to %dx%d\n", len(names)-len(errs), len(names), width, height)
			return errors.Join(errs...)
		},
	}

	cmd.Flags().IntVar(&width, "width", 128, "target width")
	cmd.Flags().IntVar(&height, "height", 128, "target height")
	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent runs, or the candidates of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run history is not available")
			}
			if len(args) == 1 {
				recs, err := root.store.RunCandidates(args[0])
				if err != nil {
					return err
				}
				for _, c := range recs {
					mark := " "
					if c.Winner {
						mark = "*"
					}
					root.printf("%s %-8s %3d %-6s %10g %v\n", mark, c.Stage, c.CandidateID, c.Status, c.Metric, c.Params)
				}
				return nil
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			for _, run := range recs {
				root.printf("%s  %-9s  %s  %s\n", run.ID, run.Status, run.StartedAt.Format(time.RFC3339), run.ImageDir)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.serveFn(cmd.Context(), addr, root.store, root.pipe, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "listen address")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var settle time.Duration

	cmd := &cobra.Command{
		Use:   "watch <drop_directory>",
		Short: "Queue a run for every image set dropped into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.requirePipeline(); err != nil {
				return err
			}
			w, err := watch.New(args[0], root.cfg.Paths.Workspace, settle, root.pipeline, root.log)
			if err != nil {
				return err
			}
			resCh, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					return nil
				case res, ok := <-resCh:
					if !ok {
						return nil
					}
					if res.Error != nil {
						root.printf("❌ %s: %v\n", res.Job.ImageDir, res.Error)
						continue
					}
					root.printf("✅ %s -> %s (%s)\n", res.Job.ImageDir, res.Job.OutputDir, res.Duration.Round(time.Second))
				}
			}
		},
	}

	cmd.Flags().DurationVar(&settle, "settle", time.Duration(root.cfg.Watch.SettleSeconds)*time.Second, "quiet period before a set is queued")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the external binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if missing := root.printTools(cmd.Context()); missing > 0 {
				return fmt.Errorf("%d required tool(s) missing", missing)
			}
			return nil
		},
	}
}
