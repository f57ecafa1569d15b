package sweep

import (
	"errors"
	"fmt"
)

var (
	// ErrCandidateFailed marks a single candidate whose engine call raised or
	// left no usable artifact. It never escapes the executor.
	ErrCandidateFailed = errors.New("candidate failed")
	// ErrStageExhausted means every candidate of a stage failed.
	ErrStageExhausted = errors.New("every candidate failed")
	// ErrMissingInput means a previous winner's artifact is gone.
	ErrMissingInput = errors.New("winner artifact missing")
	// ErrNoCandidates means the grid produced nothing to run.
	ErrNoCandidates = errors.New("no candidates")
)

// StageError reports which stage failed, the candidate parameters involved
// and the cause. errors.Is matches the kind sentinels above.
type StageError struct {
	Stage       Stage
	CandidateID int
	Params      Params
	Err         error
}

func (e *StageError) Error() string {
	if e.CandidateID < 0 {
		return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s stage: candidate %d [%s]: %v", e.Stage, e.CandidateID, e.Params, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// MissingInput builds the error for a winner artifact that no longer exists.
func MissingInput(winner Candidate, next Stage, cause error) *StageError {
	return &StageError{
		Stage:       next,
		CandidateID: winner.ID,
		Params:      winner.Params,
		Err:         fmt.Errorf("%w: %s stage winner %s: %w", ErrMissingInput, winner.Stage, winner.Artifact, cause),
	}
}
