package correspondence

import (
	"fixelcorrespondence/internal/models"
)

// VoxelMatcher resolves the correspondence of one voxel's fixels
type VoxelMatcher interface {
	Match(source, target []models.Fixel) (Result, error)
}

// CombinatorialMatcher runs the exhaustive search
type CombinatorialMatcher struct {
	*Search
}

// Match implements VoxelMatcher
func (m CombinatorialMatcher) Match(source, target []models.Fixel) (Result, error) {
	return m.Run(source, target)
}

// NearestMatcher assigns each target the single source it is best aligned
// with. Targets of a voxel without sources get empty origin sets.
type NearestMatcher struct{}

// Match implements VoxelMatcher
func (NearestMatcher) Match(source, target []models.Fixel) (Result, error) {
	a := make(Assignment, len(target))
	for t, tf := range target {
		a[t] = OriginSet{}
		best, bestDot := -1, -1.0
		for s, sf := range source {
			if dp := tf.AbsDot(sf); dp > bestDot {
				best, bestDot = s, dp
			}
		}
		if best >= 0 {
			a[t] = OriginSet{best}
		}
	}
	return Result{Assignment: a, Remapped: RemapFixels(source, target, a)}, nil
}

// AllToAllMatcher assigns every source to every target
type AllToAllMatcher struct{}

// Match implements VoxelMatcher
func (AllToAllMatcher) Match(source, target []models.Fixel) (Result, error) {
	all := make(OriginSet, len(source))
	for s := range source {
		all[s] = s
	}
	a := make(Assignment, len(target))
	for t := range target {
		a[t] = all
	}
	return Result{Assignment: a, Remapped: RemapFixels(source, target, a)}, nil
}

// MatcherParams carries everything needed to build a VoxelMatcher
type MatcherParams struct {
	Algorithm         Algorithm
	Search            SearchParams
	Cost              CostParams
	TessellationLevel int
}

// NewMatcher builds the matcher for the requested algorithm
func NewMatcher(p MatcherParams) (VoxelMatcher, error) {
	switch p.Algorithm {
	case AlgorithmNearest:
		return NearestMatcher{}, nil
	case AlgorithmAllToAll:
		return AllToAllMatcher{}, nil
	}
	cost, err := NewCostFunction(p.Algorithm, p.Cost)
	if err != nil {
		return nil, err
	}
	return CombinatorialMatcher{NewSearch(cost, NewTessellation(p.TessellationLevel), p.Search)}, nil
}
