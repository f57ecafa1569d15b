// Package sweep enumerates parameter grids, runs every candidate of a stage
// against its own artifact and picks the best-scoring one.
package sweep

import (
	"fmt"
	"sort"
	"strings"
)

// maxCombos bounds a single grid so a typo in a range cannot allocate millions
// of candidates.
const maxCombos = 10000

// Param is one ordered sweep dimension.
type Param struct {
	Name   string
	Values []any
}

// Params is one point of a grid, keyed by parameter name.
type Params map[string]any

// String renders params in name order, e.g. "a=1 b=0.5".
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, " ")
}

// Grid is the cartesian product of its dimensions. Index 0 is the first
// combination; the last dimension varies fastest, matching the lexicographic
// order of the input lists.
type Grid struct {
	params []Param
	total  int
}

// NewGrid validates dimensions and sizes the product. Any empty dimension
// yields an empty grid rather than an error.
func NewGrid(params []Param) (*Grid, error) {
	seen := make(map[string]struct{}, len(params))
	total := 1
	for _, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("grid parameter without a name")
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("duplicate grid parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		if len(p.Values) == 0 {
			total = 0
			continue
		}
		if total > 0 {
			total *= len(p.Values)
			if total > maxCombos {
				return nil, fmt.Errorf("parameter combinations would exceed safe limit of %d", maxCombos)
			}
		}
	}
	if len(params) == 0 {
		total = 0
	}
	return &Grid{params: params, total: total}, nil
}

// Len is the number of combinations.
func (g *Grid) Len() int { return g.total }

// Names returns the dimension names in declaration order.
func (g *Grid) Names() []string {
	names := make([]string, len(g.params))
	for i, p := range g.params {
		names[i] = p.Name
	}
	return names
}

// At decodes combination i. It panics when i is out of range, like a slice.
func (g *Grid) At(i int) Params {
	if i < 0 || i >= g.total {
		panic(fmt.Sprintf("grid index %d out of range [0,%d)", i, g.total))
	}
	out := make(Params, len(g.params))
	rem := i
	for dim := len(g.params) - 1; dim >= 0; dim-- {
		vals := g.params[dim].Values
		out[g.params[dim].Name] = vals[rem%len(vals)]
		rem /= len(vals)
	}
	return out
}

// All materializes every combination in index order. Calling it again
// restarts from index 0.
func (g *Grid) All() []Params {
	out := make([]Params, g.total)
	for i := range out {
		out[i] = g.At(i)
	}
	return out
}
