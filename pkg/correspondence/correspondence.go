// Package correspondence determines, voxel by voxel, which fixels of a source
// dataset correspond to which fixels of a target dataset sharing the same grid.
//
// The core is an exhaustive combinatorial search: every target fixel is
// assigned a set of contributing source fixels (an origin set), the
// assignments are scored with a pluggable cost function, and the cheapest
// legal assignment wins. Legality is enforced with angular adjacency
// constraints derived from a fixed spherical tessellation.
package correspondence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGridMismatch is returned when source and target voxel grids differ
	ErrGridMismatch = errors.New("correspondence: source and target voxel grids do not match")

	// ErrUnknownAlgorithm is returned for an unrecognised algorithm name
	ErrUnknownAlgorithm = errors.New("correspondence: unknown algorithm")

	// ErrOutputExists is returned when an output path is already present
	ErrOutputExists = errors.New("correspondence: output path already exists")

	// ErrTooManyFixels is returned when a voxel holds more fixels than a
	// 64-bit subset mask can represent
	ErrTooManyFixels = errors.New("correspondence: voxel exceeds 64 fixels")

	// ErrCostImageUnsupported is returned when a cost image is requested for
	// an algorithm that does not score assignments
	ErrCostImageUnsupported = errors.New("correspondence: cost image requires a combinatorial algorithm")
)

// MaxFixelsPerVoxel is the largest per-dataset fixel count a voxel may hold
const MaxFixelsPerVoxel = 64

// Algorithm names a matching strategy
type Algorithm string

const (
	// AlgorithmNearest maps each target to its single best-aligned source
	AlgorithmNearest Algorithm = "nearest"

	// AlgorithmISMRM2018 is the combinatorial search with the ISMRM 2018 cost
	AlgorithmISMRM2018 Algorithm = "ismrm2018"

	// AlgorithmIN2023 is the combinatorial search with the IN 2023 cost
	AlgorithmIN2023 Algorithm = "in2023"

	// AlgorithmAllToAll maps every target to every source (debugging only)
	AlgorithmAllToAll Algorithm = "all2all"
)

// Algorithms lists the recognised algorithm names
var Algorithms = []Algorithm{AlgorithmNearest, AlgorithmISMRM2018, AlgorithmIN2023, AlgorithmAllToAll}

// ParseAlgorithm converts a user supplied name into an Algorithm
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Algorithms {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Combinatorial reports whether the algorithm runs the combinatorial search
func (a Algorithm) Combinatorial() bool {
	return a == AlgorithmISMRM2018 || a == AlgorithmIN2023
}

func (a Algorithm) String() string {
	return string(a)
}
