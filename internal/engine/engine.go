// Package engine drives the external structure-from-motion toolchain.
package engine

import (
	"context"
	"errors"

	"sfmsweep/internal/catalog"
	"sfmsweep/internal/sweep"
)

// ErrNoModels is returned when a reconstruction finished without writing
// any model.
var ErrNoModels = errors.New("reconstruction produced no models")

// FeatureRequest extracts features for every image in ImageDir into Database.
type FeatureRequest struct {
	ImageDir string
	Database string
	Params   sweep.Params
}

// MatchRequest matches the features already stored in Database, in place.
type MatchRequest struct {
	Database string
	Params   sweep.Params
}

// MapRequest runs incremental mapping from Database into OutputDir.
type MapRequest struct {
	ImageDir  string
	Database  string
	OutputDir string
	Params    sweep.Params
}

// Engine is the reconstruction toolchain as seen by a sweep.
type Engine interface {
	ExtractFeatures(ctx context.Context, req FeatureRequest) (catalog.FeatureCatalog, error)
	MatchFeatures(ctx context.Context, req MatchRequest) (catalog.MatchCatalog, error)
	Reconstruct(ctx context.Context, req MapRequest) (map[int]*Model, error)
}
