package correspondence

import (
	"fmt"

	"fixelcorrespondence/internal/models"
)

const (
	// DefaultAlpha weights the squared density difference in IN2023
	DefaultAlpha = 0.5

	// DefaultBeta weights the many-to-one and one-to-many penalties in IN2023
	DefaultBeta = 0.1
)

// CostFunction scores one complete per-voxel assignment. Lower is better.
//
// remapped[t] is the fixel synthesised for target t from its origin set,
// objectivesPerSource[s] counts the targets source s contributes to and
// originsPerTarget[t] the size of target t's origin set.
type CostFunction interface {
	Calculate(source, remapped, target []models.Fixel, objectivesPerSource, originsPerTarget []int) float64
	Name() Algorithm
}

// CostParams configures the cost function variants
type CostParams struct {
	Alpha float64
	Beta  float64

	// AngleCostResolution is the sampling resolution of the shared angle table
	AngleCostResolution int
}

// DefaultCostParams returns the documented defaults
func DefaultCostParams() CostParams {
	return CostParams{
		Alpha:               DefaultAlpha,
		Beta:                DefaultBeta,
		AngleCostResolution: DefaultAngleCostResolution,
	}
}

// NewCostFunction selects the cost variant for a combinatorial algorithm
func NewCostFunction(algorithm Algorithm, params CostParams) (CostFunction, error) {
	table := NewAngleCostTable(params.AngleCostResolution)
	switch algorithm {
	case AlgorithmISMRM2018:
		return &ISMRM2018{angle: table}, nil
	case AlgorithmIN2023:
		return &IN2023{Alpha: params.Alpha, Beta: params.Beta, angle: table}, nil
	default:
		return nil, fmt.Errorf("%w: %q has no cost function", ErrUnknownAlgorithm, algorithm)
	}
}

// ISMRM2018 penalises density mismatch scaled by angular mismatch, and the
// squared density of every unassigned fixel.
type ISMRM2018 struct {
	angle *AngleCostTable
}

func (c *ISMRM2018) Name() Algorithm { return AlgorithmISMRM2018 }

func (c *ISMRM2018) Calculate(source, remapped, target []models.Fixel, objectivesPerSource, _ []int) float64 {
	var cost float64
	for t, tf := range target {
		rf := remapped[t]
		if rf.Density > 0 {
			diff := tf.Density - rf.Density
			cost += diff * diff * c.angle.Cost(tf.AbsDot(rf))
		} else {
			cost += tf.Density * tf.Density
		}
	}
	for s, sf := range source {
		if objectivesPerSource[s] == 0 {
			cost += sf.Density * sf.Density
		}
	}
	return cost
}

// IN2023 combines an angular term weighted by target density, an Alpha
// weighted squared density difference, and Beta weighted penalties on every
// fixel that is not matched one-to-one.
type IN2023 struct {
	Alpha float64
	Beta  float64
	angle *AngleCostTable
}

func (c *IN2023) Name() Algorithm { return AlgorithmIN2023 }

func (c *IN2023) Calculate(source, remapped, target []models.Fixel, objectivesPerSource, originsPerTarget []int) float64 {
	var cost float64
	for t, tf := range target {
		rf := remapped[t]
		if rf.Density > 0 {
			cost += tf.Density * c.angle.Cost(tf.AbsDot(rf))
		} else {
			cost += tf.Density
		}
		diff := tf.Density - rf.Density
		cost += c.Alpha * diff * diff
		n := float64(originsPerTarget[t] - 1)
		cost += c.Beta * n * n
	}
	for s, sf := range source {
		if objectivesPerSource[s] == 0 {
			cost += sf.Density + c.Alpha*sf.Density*sf.Density
		}
		n := float64(objectivesPerSource[s] - 1)
		cost += c.Beta * n * n
	}
	return cost
}
