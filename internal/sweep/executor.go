package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sfmsweep/internal/logging"
)

// Unit runs one candidate against the engine and scores it from the
// candidate's own artifact. A returned error marks the candidate failed.
type Unit func(ctx context.Context, c Candidate) (float64, error)

// Observer is told about every finished candidate. It is called from worker
// goroutines and must be safe for concurrent use.
type Observer func(c Candidate)

// Executor runs the candidates of one stage on a bounded worker pool.
type Executor struct {
	workers  int
	log      *slog.Logger
	observer Observer
}

// NewExecutor creates an executor with the given pool size.
func NewExecutor(workers int, logger *slog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{workers: workers, log: logger}
}

// Observe registers fn for finished candidates.
func (e *Executor) Observe(fn Observer) { e.observer = fn }

// Workers is the pool size.
func (e *Executor) Workers() int { return e.workers }

// Run executes every candidate and returns only after all of them finished.
// Unit failures and panics become failed candidates with FailedMetric; they
// never stop siblings. The result keeps candidates in id order.
func (e *Executor) Run(ctx context.Context, stage Stage, cands []Candidate, unit Unit) StageResult {
	res := StageResult{Stage: stage, Candidates: make([]Candidate, len(cands))}
	copy(res.Candidates, cands)
	if len(cands) == 0 {
		return res
	}

	workers := e.workers
	if workers > len(cands) {
		workers = len(cands)
	}

	jobs := make(chan int, len(cands))
	for i := range cands {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				// Each worker writes only its own slot.
				res.Candidates[idx] = e.runOne(ctx, res.Candidates[idx], unit)
				if e.observer != nil {
					e.observer(res.Candidates[idx])
				}
			}
		}()
	}
	wg.Wait()

	return res
}

func (e *Executor) runOne(ctx context.Context, c Candidate, unit Unit) Candidate {
	stage := string(c.Stage)
	logging.LogCandidateStart(e.log, stage, c.ID, c.Artifact, c.Params)
	start := time.Now()

	metric, err := safeCall(ctx, c, unit)
	c.Duration = time.Since(start)

	if err != nil {
		c.Status = StatusFailed
		c.Metric = FailedMetric
		c.Err = fmt.Errorf("%w: %w", ErrCandidateFailed, err)
		logging.LogCandidateError(e.log, stage, c.ID, c.Duration, err, c.Params)
		return c
	}

	c.Status = StatusOK
	c.Metric = metric
	logging.LogCandidateComplete(e.log, stage, c.ID, c.Duration, metric)
	return c
}

func safeCall(ctx context.Context, c Candidate, unit Unit) (metric float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			metric = FailedMetric
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return unit(ctx, c)
}
