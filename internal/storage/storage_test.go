package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sfmsweep/internal/sweep"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history", "sfmsweep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplyOnceAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfmsweep.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	v, dirty, err := s.SchemaVersion()
	if err != nil || dirty || v != 1 {
		t.Fatalf("expected clean version 1, got %d dirty=%v err=%v", v, dirty, err)
	}
	s.Close()

	again, err := New(path)
	if err != nil {
		t.Fatalf("reopen must tolerate no-change migration: %v", err)
	}
	again.Close()
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.RecordRunStart("run-1", "images", "output"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunStart("run-2", "other", "output"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", errors.New("features: every candidate failed")); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	byID := map[string]RunRecord{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	failed := byID["run-1"]
	if failed.Status != RunFailed || failed.CompletedAt == nil || failed.Error == "" {
		t.Fatalf("unexpected failed run %+v", failed)
	}
	if byID["run-2"].Status != RunRunning || byID["run-2"].CompletedAt != nil {
		t.Fatalf("unexpected running run %+v", byID["run-2"])
	}

	limited, err := s.RecentRuns(1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %v %v", limited, err)
	}
}

func TestCandidatesAndWinners(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunStart("run", "images", "output"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			stage := sweep.StageFeatures
			if id >= 3 {
				stage = sweep.StageMatching
			}
			c := sweep.Candidate{
				ID:       id % 3,
				Stage:    stage,
				Params:   sweep.Params{"SiftExtraction.num_octaves": float64(4 + id)},
				Artifact: "artifact",
				Status:   sweep.StatusOK,
				Metric:   float64(10 * id),
				Duration: time.Second,
			}
			if id == 4 {
				c.Status, c.Metric, c.Err = sweep.StatusFailed, 0, errors.New("exit status 1")
			}
			if err := s.RecordCandidate("run", c); err != nil {
				t.Errorf("record %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if err := s.RecordWinner("run", sweep.Candidate{ID: 2, Stage: sweep.StageFeatures, Metric: 20}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.RunCandidates("run")
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(recs) != 6 {
		t.Fatalf("expected 6 candidates, got %d", len(recs))
	}
	if recs[0].Stage != "features" || recs[3].Stage != "matching" || recs[1].CandidateID != 1 {
		t.Fatalf("unexpected ordering %+v", recs)
	}
	if !recs[2].Winner || recs[0].Winner {
		t.Fatalf("winner flag not applied: %+v", recs[:3])
	}
	if recs[4].Status != "failed" || recs[4].Error == "" {
		t.Fatalf("failed candidate not persisted: %+v", recs[4])
	}
	if recs[1].Params["SiftExtraction.num_octaves"] != float64(5) {
		t.Fatalf("params not round-tripped: %v", recs[1].Params)
	}
}

func TestNilStoreWritesAreNoOps(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart("x", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordCandidate("x", sweep.Candidate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("reads on a nil store should fail")
	}
}
