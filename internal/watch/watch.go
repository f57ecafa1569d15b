// Package watch turns image sets dropped into a folder into queued runs.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sfmsweep/internal/dataset"
	"sfmsweep/internal/fsutil"
	"sfmsweep/internal/pipeline"
)

// Submitter accepts jobs. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Watcher monitors the immediate subdirectories of a drop folder. Each one
// is an image set; once no image has arrived in it for the settle period,
// it is submitted as a full run. A set is submitted at most once.
type Watcher struct {
	root      string
	workspace string
	settle    time.Duration
	submit    Submitter
	log       *slog.Logger

	fsw       *fsnotify.Watcher
	mu        sync.Mutex
	timers    map[string]*time.Timer
	submitted map[string]bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a watcher over root. Work, backup and dataset directories of
// each set are placed under workspace/<set name>.
func New(root, workspace string, settle time.Duration, sub Submitter, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if settle <= 0 {
		settle = 5 * time.Second
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:      root,
		workspace: workspace,
		settle:    settle,
		submit:    sub,
		log:       logger,
		fsw:       fsw,
		timers:    make(map[string]*time.Timer),
		submitted: make(map[string]bool),
		done:      make(chan struct{}),
	}, nil
}

// JobFor returns the run job for the image set in dir.
func (w *Watcher) JobFor(dir string) pipeline.Job {
	base := filepath.Join(w.workspace, filepath.Base(dir))
	return pipeline.Job{
		Kind:      pipeline.JobRun,
		ImageDir:  dir,
		BackupDir: filepath.Join(base, "backup"),
		WorkDir:   filepath.Join(base, "work"),
		OutputDir: filepath.Join(base, "dataset"),
	}
}

// Start watches root and every existing set. Sets that already have a
// written dataset are left alone.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.log.Info("Watching directory", "path", w.root, "settle", w.settle)

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(w.root, e.Name())
		if fsutil.Exists(filepath.Join(w.JobFor(dir).OutputDir, dataset.PosesFile)) {
			w.mu.Lock()
			w.submitted[dir] = true
			w.mu.Unlock()
			w.log.Debug("Skipping processed image set", "dir", dir)
		}
		w.addSet(dir)
	}

	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring. Pending sets are dropped.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	w.mu.Lock()
	for dir, t := range w.timers {
		t.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()
	return err
}

// addSet watches a set directory and schedules it when it already holds
// images, since files copied before the watch was added raise no event.
func (w *Watcher) addSet(dir string) {
	if err := w.fsw.Add(dir); err != nil {
		w.log.Warn("Failed to watch image set", "dir", dir, "error", err)
		return
	}
	names, err := fsutil.ListImages(dir)
	if err != nil {
		w.log.Warn("Failed to list image set", "dir", dir, "error", err)
		return
	}
	if len(names) > 0 {
		w.touch(dir)
	}
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("Filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// Removals and renames come from partitioning, not from new uploads.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	parent := filepath.Dir(event.Name)

	if parent == filepath.Clean(w.root) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.log.Info("Image set discovered", "dir", event.Name)
			w.addSet(event.Name)
		}
		return
	}
	if filepath.Dir(parent) == filepath.Clean(w.root) && fsutil.IsImageFile(event.Name) {
		w.touch(parent)
	}
}

// touch restarts the settle timer of dir.
func (w *Watcher) touch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitted[dir] {
		return
	}
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[dir] = time.AfterFunc(w.settle, func() { w.fire(dir) })
}

func (w *Watcher) fire(dir string) {
	w.mu.Lock()
	delete(w.timers, dir)
	if w.submitted[dir] {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
	}
	w.submitted[dir] = true
	w.mu.Unlock()

	id, err := w.submit.Submit(w.JobFor(dir))
	if err != nil {
		w.log.Error("Failed to queue image set", "dir", dir, "error", err)
		if errors.Is(err, pipeline.ErrQueueFull) {
			// Retry once the queue drains.
			w.mu.Lock()
			w.submitted[dir] = false
			w.mu.Unlock()
			w.touch(dir)
		}
		return
	}
	w.log.Info("Image set queued", "dir", dir, "job", id)
}
