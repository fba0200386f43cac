package correspondence

import (
	"fmt"
	"math"
	"math/bits"
	"slices"

	"fixelcorrespondence/internal/models"
)

const (
	// DefaultMaxOriginsPerTarget bounds the size of an origin set
	DefaultMaxOriginsPerTarget = 3

	// DefaultMaxObjectivesPerSource bounds how many targets one source may feed
	DefaultMaxObjectivesPerSource = 3
)

// SearchParams bounds the combinatorial search
type SearchParams struct {
	MaxOriginsPerTarget    int
	MaxObjectivesPerSource int
}

// DefaultSearchParams returns the documented defaults
func DefaultSearchParams() SearchParams {
	return SearchParams{
		MaxOriginsPerTarget:    DefaultMaxOriginsPerTarget,
		MaxObjectivesPerSource: DefaultMaxObjectivesPerSource,
	}
}

// SearchStats accounts for every combination of the search space.
// Scored + Rejected + Skipped == Combinations, saturating at MaxUint64.
type SearchStats struct {
	// Candidates is the number of legal origin sets (R)
	Candidates int

	// Combinations is R^T
	Combinations uint64

	// Scored counts legal combinations passed to the cost function
	Scored uint64

	// Rejected counts combinations visited and found illegal
	Rejected uint64

	// Skipped counts combinations jumped over after a rejection
	Skipped uint64
}

// Result is the outcome of matching one voxel
type Result struct {
	// Assignment holds the winning origin set of every target
	Assignment Assignment

	// Cost is the score of the winning assignment
	Cost float64

	// Remapped holds the fixel synthesised for every target
	Remapped []models.Fixel

	Stats SearchStats
}

// Search is the per-voxel combinatorial assignment engine. It holds no
// per-voxel state and is safe for concurrent use.
type Search struct {
	params SearchParams
	cost   CostFunction
	tess   *Tessellation
}

// NewSearch creates a search scoring assignments with cost and testing
// adjacency on tess
func NewSearch(cost CostFunction, tess *Tessellation, params SearchParams) *Search {
	if params.MaxOriginsPerTarget < 1 {
		params.MaxOriginsPerTarget = DefaultMaxOriginsPerTarget
	}
	if params.MaxObjectivesPerSource < 1 {
		params.MaxObjectivesPerSource = DefaultMaxObjectivesPerSource
	}
	return &Search{params: params, cost: cost, tess: tess}
}

// Params returns the search bounds
func (s *Search) Params() SearchParams {
	return s.params
}

// OriginCandidates returns, in ascending bitmask order, every subset of
// source indices no larger than MaxOriginsPerTarget whose members are
// angularly connected. The empty set is always first.
func (s *Search) OriginCandidates(source []models.Fixel) ([]uint64, error) {
	if len(source) > MaxFixelsPerVoxel {
		return nil, fmt.Errorf("%w: %d source fixels", ErrTooManyFixels, len(source))
	}
	return originCandidates(len(source), s.params.MaxOriginsPerTarget, s.tess.Adjacency(source)), nil
}

func originCandidates(n, maxSize int, adj Adjacency) []uint64 {
	subsets := subsetsUpTo(n, maxSize)
	out := subsets[:0]
	for _, m := range subsets {
		if adj.IsConnectedMask(m) {
			out = append(out, m)
		}
	}
	return out
}

// subsetsUpTo lists all bitmasks over n bits with at most k bits set, ascending
func subsetsUpTo(n, k int) []uint64 {
	if k > n {
		k = n
	}
	out := []uint64{0}
	for size := 1; size <= k; size++ {
		m := uint64(1)<<uint(size) - 1
		for {
			out = append(out, m)
			// Gosper's hack: next mask with the same popcount
			c := m & -m
			r := m + c
			if r == 0 {
				break
			}
			m = (((r ^ m) >> 2) / c) | r
			if n < 64 && m>>uint(n) != 0 {
				break
			}
		}
	}
	slices.Sort(out)
	return out
}

// Run finds the minimum cost assignment of source fixels to target fixels
func (s *Search) Run(source, target []models.Fixel) (Result, error) {
	if len(source) > MaxFixelsPerVoxel || len(target) > MaxFixelsPerVoxel {
		return Result{}, fmt.Errorf("%w: %d source, %d target fixels", ErrTooManyFixels, len(source), len(target))
	}
	nt := len(target)
	if nt == 0 {
		return Result{Assignment: Assignment{}, Remapped: []models.Fixel{}}, nil
	}
	ns := len(source)
	maxObj := s.params.MaxObjectivesPerSource

	candidates := originCandidates(ns, s.params.MaxOriginsPerTarget, s.tess.Adjacency(source))
	targetAdj := s.tess.Adjacency(target)
	radix := len(candidates)

	pow := make([]uint64, nt+1)
	pow[0] = 1
	for i := 1; i <= nt; i++ {
		pow[i] = satMul(pow[i-1], uint64(radix))
	}
	stats := SearchStats{Candidates: radix, Combinations: pow[nt]}

	var (
		choice     = make([]int, nt)
		best       = make([]int, nt)
		bestCost   = math.Inf(1)
		objectives = make([]int, ns)
		targetsOf  = make([]uint64, ns)
		origins    = make([]int, nt)
		remapped   = make([]models.Fixel, nt)
		members    = make([]int, 0, ns)
	)

	for {
		clear(objectives)
		clear(targetsOf)
		for t := 0; t < nt; t++ {
			for m := candidates[choice[t]]; m != 0; m &= m - 1 {
				src := bits.TrailingZeros64(m)
				objectives[src]++
				targetsOf[src] |= 1 << uint(t)
			}
		}

		// A violation persists while the targets feeding the offending source
		// keep their choices, so every combination agreeing with this one on
		// digits >= the lowest such target can be skipped. Across violations
		// the highest of those digits gives the longest safe jump.
		jump := -1
		for src := 0; src < ns; src++ {
			n := objectives[src]
			if n > maxObj || (n == maxObj && !targetAdj.IsConnectedMask(targetsOf[src])) {
				if low := bits.TrailingZeros64(targetsOf[src]); low > jump {
					jump = low
				}
			}
		}

		if jump >= 0 {
			stats.Rejected++
			stats.Skipped = satAdd(stats.Skipped, skippedBelow(choice, pow, jump))
			if !advance(choice, jump, radix) {
				break
			}
			continue
		}

		for t := 0; t < nt; t++ {
			members = members[:0]
			mask := candidates[choice[t]]
			for m := mask; m != 0; m &= m - 1 {
				members = append(members, bits.TrailingZeros64(m))
			}
			origins[t] = len(members)
			remapped[t] = remapFixel(source, target[t], members, objectives)
		}
		cost := s.cost.Calculate(source, remapped, target, objectives, origins)
		stats.Scored++
		if cost < bestCost {
			bestCost = cost
			copy(best, choice)
		}

		if !advance(choice, 0, radix) {
			break
		}
	}

	assignment := make(Assignment, nt)
	for t, c := range best {
		set := OriginSet{}
		for m := candidates[c]; m != 0; m &= m - 1 {
			set = append(set, bits.TrailingZeros64(m))
		}
		assignment[t] = set
	}
	return Result{
		Assignment: assignment,
		Cost:       bestCost,
		Remapped:   RemapFixels(source, target, assignment),
		Stats:      stats,
	}, nil
}

// advance zeroes every digit below from and increments the counter at from.
// It returns false once the most significant digit overflows.
func advance(choice []int, from, radix int) bool {
	for k := 0; k < from; k++ {
		choice[k] = 0
	}
	for k := from; k < len(choice); k++ {
		choice[k]++
		if choice[k] < radix {
			return true
		}
		choice[k] = 0
	}
	return false
}

// skippedBelow counts the combinations a jump at digit i passes over:
// those sharing digits >= i with the current one and ordered after it.
func skippedBelow(choice []int, pow []uint64, i int) uint64 {
	if i == 0 {
		return 0
	}
	var lower uint64
	for k := 0; k < i; k++ {
		lower = satAdd(lower, satMul(uint64(choice[k]), pow[k]))
	}
	if pow[i] == math.MaxUint64 {
		return math.MaxUint64
	}
	return pow[i] - 1 - lower
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
