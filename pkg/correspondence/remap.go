package correspondence

import (
	"gonum.org/v1/gonum/spatial/r3"

	"fixelcorrespondence/internal/models"
)

// OriginSet lists the local source indices composing one remapped fixel
type OriginSet []int

// Assignment maps each local target index to its origin set
type Assignment []OriginSet

// Counts returns how many targets each source contributes to and how many
// sources each target draws from.
func (a Assignment) Counts(numSources int) (objectivesPerSource, originsPerTarget []int) {
	objectivesPerSource = make([]int, numSources)
	originsPerTarget = make([]int, len(a))
	for t, origins := range a {
		originsPerTarget[t] = len(origins)
		for _, s := range origins {
			objectivesPerSource[s]++
		}
	}
	return objectivesPerSource, originsPerTarget
}

// RemapFixels synthesises the remapped fixel of every target from its origin set
func RemapFixels(source, target []models.Fixel, a Assignment) []models.Fixel {
	objectives, _ := a.Counts(len(source))
	remapped := make([]models.Fixel, len(target))
	for t, origins := range a {
		remapped[t] = remapFixel(source, target[t], origins, objectives)
	}
	return remapped
}

// remapFixel builds one remapped fixel. Each contributing source is weighted
// by 1/objectives and sign-flipped when it points away from the target.
// Empty origin sets and vanishing sums yield zero density or direction.
func remapFixel(source []models.Fixel, target models.Fixel, origins []int, objectives []int) models.Fixel {
	var (
		dir     r3.Vec
		density float64
	)
	for _, s := range origins {
		if objectives[s] == 0 {
			continue
		}
		w := 1 / float64(objectives[s])
		d := source[s].Direction
		if r3.Dot(d, target.Direction) < 0 {
			w = -w
		}
		dir = r3.Add(dir, r3.Scale(w, d))
		if w < 0 {
			w = -w
		}
		density += w * source[s].Density
	}
	if n := r3.Norm(dir); n > 0 {
		dir = r3.Scale(1/n, dir)
	} else {
		dir = r3.Vec{}
	}
	return models.Fixel{Direction: dir, Density: density}
}
