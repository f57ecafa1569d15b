package sweep

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGridProductSizeAndOrder(t *testing.T) {
	g, err := NewGrid([]Param{
		{Name: "min_num_matches", Values: []any{15}},
		{Name: "min_model_size", Values: []any{11, 15, 19}},
		{Name: "init_num_trials", Values: []any{1000, 1500}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 6 {
		t.Fatalf("expected 6 combinations, got %d", g.Len())
	}

	want := []Params{
		{"min_num_matches": 15, "min_model_size": 11, "init_num_trials": 1000},
		{"min_num_matches": 15, "min_model_size": 11, "init_num_trials": 1500},
		{"min_num_matches": 15, "min_model_size": 15, "init_num_trials": 1000},
		{"min_num_matches": 15, "min_model_size": 15, "init_num_trials": 1500},
		{"min_num_matches": 15, "min_model_size": 19, "init_num_trials": 1000},
		{"min_num_matches": 15, "min_model_size": 19, "init_num_trials": 1500},
	}
	if diff := cmp.Diff(want, g.All()); diff != "" {
		t.Fatalf("grid order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, g.All()); diff != "" {
		t.Fatalf("grid is not restartable (-want +got):\n%s", diff)
	}
}

func TestGridCombinationsAreDistinct(t *testing.T) {
	g, err := NewGrid([]Param{
		{Name: "a", Values: []any{1, 2, 3}},
		{Name: "b", Values: []any{"x", "y"}},
		{Name: "c", Values: []any{true, false}},
		{Name: "d", Values: []any{0.1, 0.2, 0.3, 0.4}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 3*2*2*4 {
		t.Fatalf("expected %d, got %d", 3*2*2*4, g.Len())
	}
	seen := map[string]bool{}
	for _, p := range g.All() {
		key := p.String()
		if seen[key] {
			t.Fatalf("duplicate combination %s", key)
		}
		seen[key] = true
	}
}

func TestGridEmptyDimensionYieldsEmptyGrid(t *testing.T) {
	g, err := NewGrid([]Param{
		{Name: "a", Values: []any{1, 2}},
		{Name: "b", Values: nil},
	})
	if err != nil {
		t.Fatalf("empty dimension must not error, got %v", err)
	}
	if g.Len() != 0 || len(g.All()) != 0 {
		t.Fatalf("expected empty grid, got %d", g.Len())
	}

	none, err := NewGrid(nil)
	if err != nil || none.Len() != 0 {
		t.Fatalf("expected empty grid with no dimensions, got %d, %v", none.Len(), err)
	}
}

func TestGridRejectsDuplicatesAndOversize(t *testing.T) {
	if _, err := NewGrid([]Param{{Name: "a", Values: []any{1}}, {Name: "a", Values: []any{2}}}); err == nil {
		t.Fatalf("expected duplicate name error")
	}

	big := make([]any, 101)
	for i := range big {
		big[i] = i
	}
	if _, err := NewGrid([]Param{{Name: "a", Values: big}, {Name: "b", Values: big}}); err == nil {
		t.Fatalf("expected combination limit error")
	}
}

func TestPlanAssignsDistinctArtifacts(t *testing.T) {
	g, _ := NewGrid([]Param{{Name: "a", Values: []any{1, 2, 3}}})
	cands, err := Plan(StageFeatures, g, ArtifactPath("/work/features", "database", ".db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"/work/features/database_0.db", "/work/features/database_1.db", "/work/features/database_2.db"}
	for i, c := range cands {
		if c.ID != i || c.Artifact != want[i] || c.Status != StatusPending {
			t.Fatalf("unexpected candidate %d: %+v", i, c)
		}
	}

	if _, err := Plan(StageFeatures, g, func(int) string { return "shared.db" }); err == nil {
		t.Fatalf("expected shared artifact error")
	}
}
