package sweep

import (
	"errors"
	"fmt"
	"sort"
)

// Select returns the candidate with the strictly highest metric, lowest id on
// ties, and records it as the stage winner. Completion order plays no role.
//
// When every candidate failed the lowest-id candidate is still returned,
// together with an error wrapping ErrStageExhausted. Callers must not forward
// that candidate.
func Select(res *StageResult) (Candidate, error) {
	if len(res.Candidates) == 0 {
		return Candidate{}, &StageError{Stage: res.Stage, CandidateID: -1, Err: ErrNoCandidates}
	}

	ordered := make([]Candidate, len(res.Candidates))
	copy(ordered, res.Candidates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	best := ordered[0]
	for _, c := range ordered[1:] {
		if beats(c, best) {
			best = c
		}
	}
	winner := best
	res.Winner = &winner

	if res.FailedCount() == len(res.Candidates) {
		causes := make([]error, 0, len(ordered))
		for _, c := range ordered {
			if c.Err != nil {
				causes = append(causes, fmt.Errorf("candidate %d [%s]: %w", c.ID, c.Params, c.Err))
			}
		}
		return winner, &StageError{
			Stage:       res.Stage,
			CandidateID: winner.ID,
			Params:      winner.Params,
			Err:         fmt.Errorf("%w: %w", ErrStageExhausted, errors.Join(causes...)),
		}
	}
	return winner, nil
}

// beats orders candidates by metric. At equal metric a successful candidate
// outranks a failed one, so a real zero score is preferred over a failure.
func beats(c, best Candidate) bool {
	if c.Metric != best.Metric {
		return c.Metric > best.Metric
	}
	return best.Failed() && !c.Failed()
}
