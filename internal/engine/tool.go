package engine

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// ToolStatus represents the availability of an external binary.
type ToolStatus struct {
	Name      string
	Available bool
	Version   string
	Path      string
	Error     error
}

// versionArgs maps the binaries the pipeline may call to the arguments that
// make them print a version banner.
var versionArgs = map[string][]string{
	"colmap": {"help"},
}

// CheckTool verifies that a binary is on PATH and answers a version probe.
func CheckTool(ctx context.Context, name string) ToolStatus {
	path, err := exec.LookPath(name)
	if err != nil {
		return ToolStatus{Name: name, Available: false, Error: err}
	}

	args, ok := versionArgs[baseName(name)]
	if !ok {
		return ToolStatus{Name: name, Available: true, Path: path}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		// colmap exits non-zero for help on some builds but still prints a banner.
		if len(output) > 0 {
			return ToolStatus{Name: name, Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Name: name, Available: false, Path: path, Error: err}
	}
	return ToolStatus{Name: name, Available: true, Version: extractVersion(string(output)), Path: path}
}

// CheckTools reports every binary a full run depends on.
func CheckTools(ctx context.Context, colmapBinary string) []ToolStatus {
	if colmapBinary == "" {
		colmapBinary = "colmap"
	}
	return []ToolStatus{
		CheckTool(ctx, colmapBinary),
	}
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// extractVersion picks the first line that mentions a version.
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") || strings.HasPrefix(line, "COLMAP") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
