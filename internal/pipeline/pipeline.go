package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobKind enumerates the work a queued job performs.
type JobKind string

const (
	JobRun       JobKind = "run"
	JobSynthetic JobKind = "synthetic"
	JobStacked   JobKind = "stacked"
)

// Job is one queued request.
type Job struct {
	ID        string
	Kind      JobKind
	ImageDir  string
	BackupDir string
	WorkDir   string
	OutputDir string
	PosesPath string  // stacked jobs only
	Focal     float64 // stacked jobs only; 0 derives it
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Error    error
	Outcome  *Outcome
	Duration time.Duration
}

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// Pipeline runs submitted jobs one at a time. Runs mutate their image
// directory, so jobs never overlap; parallelism lives inside each stage.
type Pipeline struct {
	runner    *Runner
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New starts a pipeline whose queue holds up to depth pending jobs.
func New(ctx context.Context, runner *Runner, logger *slog.Logger, depth int) *Pipeline {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		runner: runner,
		log:    logger,
		jobs:   make(chan Job, depth),
		cancel: cancel,
		subs:   make(map[int]chan Result),
	}
	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// Runner exposes the runner for event subscriptions.
func (p *Pipeline) Runner() *Runner { return p.runner }

// Submit adds a job to the queue without blocking.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewRunID()
	}
	if job.Kind == "" {
		job.Kind = JobRun
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", errors.New("pipeline is stopped")
	}
	select {
	case p.jobs <- job:
		p.log.Info("Job queued", "job", job.ID, "kind", job.Kind, "images", job.ImageDir)
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

// Stop cancels the running job, drops queued ones and waits for the worker.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			start := time.Now()
			out, err := p.dispatch(ctx, job)
			res := Result{Job: job, Error: err, Outcome: out, Duration: time.Since(start)}
			if err != nil {
				p.log.Error("Job failed", "job", job.ID, "kind", job.Kind, "duration", res.Duration, "error", err)
			} else {
				p.log.Info("Job completed", "job", job.ID, "kind", job.Kind, "duration", res.Duration)
			}
			p.broadcast(res)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, job Job) (*Outcome, error) {
	switch job.Kind {
	case JobRun:
		return p.runner.Run(ctx, Request{
			RunID:     job.ID,
			ImageDir:  job.ImageDir,
			BackupDir: job.BackupDir,
			WorkDir:   job.WorkDir,
			OutputDir: job.OutputDir,
		})
	case JobSynthetic:
		return p.runner.Synthetic(ctx, job.ID, job.ImageDir, job.OutputDir)
	case JobStacked:
		return p.runner.Stacked(ctx, job.ID, job.PosesPath, job.ImageDir, job.OutputDir, job.Focal)
	default:
		return nil, fmt.Errorf("unsupported job kind: %s", job.Kind)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
