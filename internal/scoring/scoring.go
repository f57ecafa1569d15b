// Package scoring computes the per-stage quality metric of a candidate.
// Every metric is higher-is-better and never negative.
package scoring

import (
	"sfmsweep/internal/catalog"
	"sfmsweep/internal/engine"
)

// FeatureScore is the mean keypoint count per distinct image.
func FeatureScore(c catalog.FeatureCatalog) float64 {
	n := c.ImageCount()
	if n == 0 {
		return 0
	}
	return float64(c.TotalKeypoints()) / float64(n)
}

// MatchScore is the number of rows in the match table.
func MatchScore(c catalog.MatchCatalog) float64 {
	return float64(c.RowCount())
}

// SparseScore is the registered image count of the largest model. Partial
// models are not summed.
func SparseScore(models map[int]*engine.Model) float64 {
	best := 0
	for _, m := range models {
		if m == nil {
			continue
		}
		if n := m.NumRegistered(); n > best {
			best = n
		}
	}
	return float64(best)
}
