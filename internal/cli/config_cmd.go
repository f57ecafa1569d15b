package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"sfmsweep/internal/config"
)

// Version is the release string printed by the version command.
var Version = "v0.3.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(root.out)
				enc.SetIndent("", "  ")
				return enc.Encode(root.cfg)
			}
			return root.configShow()
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the full configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Expand every sweep grid and report its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow() error {
	cfgPath := os.Getenv("SFMSWEEP_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/sfmsweep/config.json"
	}
	r.printf("Configuration:\n\n")
	r.printf("Config file: %s\n", cfgPath)
	r.printf("Database Path: %s\n", r.cfg.Paths.DatabasePath)
	r.printf("Workspace: %s\n", r.cfg.Paths.Workspace)
	r.printf("Image Directory: %s\n", r.cfg.Paths.ImageDir)
	r.printf("Backup Directory: %s\n", r.cfg.Paths.BackupDir)
	r.printf("Output Directory: %s\n", r.cfg.Paths.OutputDir)
	r.printf("Parallel Jobs: %d (resolved %d)\n", r.cfg.Processing.ParallelJobs, r.cfg.Processing.Workers())
	r.printf("Log Level: %s\n", r.cfg.Logging.Level)
	r.printf("Log Format: %s\n", r.cfg.Logging.Format)
	r.printf("\nCOLMAP:\n")
	r.printf("  Binary: %s\n", r.cfg.Engine.Binary)
	r.printf("  Camera model: %s (single camera: %t)\n", r.cfg.Engine.CameraModel, r.cfg.Engine.SingleCamera)
	r.printf("  Threads: %d, GPU: %t\n", r.cfg.Engine.Threads, r.cfg.Engine.UseGPU)
	r.printf("\nSweep:\n")
	for _, stage := range []struct {
		name string
		grid []config.GridParam
	}{
		{"features", r.cfg.Sweep.Features},
		{"matching", r.cfg.Sweep.Matching},
		{"sparse", r.cfg.Sweep.Sparse},
	} {
		r.printf("  %s:\n", stage.name)
		for _, g := range stage.grid {
			vals, err := g.Expand()
			if err != nil {
				r.printf("    %s: invalid (%v)\n", g.Name, err)
				continue
			}
			r.printf("    %s: %v\n", g.Name, vals)
		}
	}
	return nil
}

func (r *Root) configValidate() error {
	for _, stage := range []struct {
		name string
		grid []config.GridParam
	}{
		{"features", r.cfg.Sweep.Features},
		{"matching", r.cfg.Sweep.Matching},
		{"sparse", r.cfg.Sweep.Sparse},
	} {
		total := 1
		for _, g := range stage.grid {
			vals, err := g.Expand()
			if err != nil {
				return fmt.Errorf("%s grid, %s: %w", stage.name, g.Name, err)
			}
			if len(vals) == 0 {
				return fmt.Errorf("%s grid, %s: no values", stage.name, g.Name)
			}
			total *= len(vals)
		}
		r.printf("%-9s %d candidates\n", stage.name, total)
	}
	r.log.Info("configuration validation", "status", "valid")
	r.printf("✅ Configuration is valid\n")
	return nil
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.printf("sfmsweep %s\n", Version)
			root.printf("Built with Go %s\n", runtime.Version())
		},
	}
}
