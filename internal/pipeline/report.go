package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"sfmsweep/internal/sweep"
)

// WriteStageReport writes one CSV row per candidate: id, artifact, status,
// metric, error, then every parameter in name order.
func WriteStageReport(path string, res sweep.StageResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	names := map[string]struct{}{}
	for _, c := range res.Candidates {
		for k := range c.Params {
			names[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	header := append([]string{"candidate_id", "artifact", "status", "metric", "winner", "error"}, keys...)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	for _, c := range res.Candidates {
		errMsg := ""
		if c.Err != nil {
			errMsg = c.Err.Error()
		}
		winner := res.Winner != nil && res.Winner.ID == c.ID
		row := []string{
			strconv.Itoa(c.ID),
			c.Artifact,
			string(c.Status),
			strconv.FormatFloat(c.Metric, 'f', -1, 64),
			strconv.FormatBool(winner),
			errMsg,
		}
		for _, k := range keys {
			if v, ok := c.Params[k]; ok {
				row = append(row, fmt.Sprint(v))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
