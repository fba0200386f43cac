package correspondence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixelcorrespondence/internal/models"
)

func TestNewCostFunction(t *testing.T) {
	for _, algo := range []Algorithm{AlgorithmISMRM2018, AlgorithmIN2023} {
		cost, err := NewCostFunction(algo, DefaultCostParams())
		require.NoError(t, err)
		assert.Equal(t, algo, cost.Name())
	}

	for _, algo := range []Algorithm{AlgorithmNearest, AlgorithmAllToAll, "bogus"} {
		_, err := NewCostFunction(algo, DefaultCostParams())
		assert.ErrorIs(t, err, ErrUnknownAlgorithm)
	}
}

func TestISMRM2018_Calculate(t *testing.T) {
	cost, err := NewCostFunction(AlgorithmISMRM2018, DefaultCostParams())
	require.NoError(t, err)

	source := []models.Fixel{
		models.NewFixel(1, 0, 0, 0.8),
		models.NewFixel(0, 1, 0, 0.3),
	}
	target := []models.Fixel{
		models.NewFixel(1, 0, 0, 1.0),
		models.NewFixel(0, 0, 1, 0.5),
	}
	remapped := []models.Fixel{
		models.NewFixel(1, 0, 0, 0.8),
		{},
	}

	// (1.0-0.8)^2 * 0 + 0.5^2 for the unmatched target + 0.3^2 for the unused source
	got := cost.Calculate(source, remapped, target, []int{1, 0}, []int{1, 0})
	assert.InDelta(t, 0.25+0.09, got, 1e-12)
}

func TestIN2023_Calculate(t *testing.T) {
	cost := &IN2023{Alpha: 0.5, Beta: 0.1, angle: NewAngleCostTable(DefaultAngleCostResolution)}

	source := []models.Fixel{
		models.NewFixel(1, 0, 0, 0.6),
		models.NewFixel(1, 0, 0, 0.2),
		models.NewFixel(0, 1, 0, 0.5),
	}
	target := []models.Fixel{models.NewFixel(1, 0, 0, 1.0)}
	remapped := []models.Fixel{models.NewFixel(1, 0, 0, 0.8)}

	// target: 1.0*0 + 0.5*0.2^2 + 0.1*(2-1)^2
	// sources 0 and 1: 0.1*(1-1)^2 each
	// source 2: 0.5 + 0.5*0.25 + 0.1*(0-1)^2
	want := 0.02 + 0.1 + 0.5 + 0.125 + 0.1
	got := cost.Calculate(source, remapped, target, []int{1, 1, 0}, []int{2})
	assert.InDelta(t, want, got, 1e-12)
}

func TestIN2023_PenalisesOneToMany(t *testing.T) {
	cost := &IN2023{Alpha: 0.5, Beta: 0.1, angle: NewAngleCostTable(DefaultAngleCostResolution)}

	source := []models.Fixel{models.NewFixel(1, 0, 0, 1)}
	target := []models.Fixel{
		models.NewFixel(1, 0, 0, 0.5),
		models.NewFixel(1, 0, 0, 0.5),
	}
	a := Assignment{{0}, {0}}
	obj, orig := a.Counts(len(source))
	got := cost.Calculate(source, RemapFixels(source, target, a), target, obj, orig)

	// Each remapped fixel carries half the source density, so only the
	// objective penalty 0.1*(2-1)^2 remains
	assert.InDelta(t, 0.1, got, 1e-12)
}
