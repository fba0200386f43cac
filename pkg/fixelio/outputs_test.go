package fixelio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixelcorrespondence/internal/models"
	"fixelcorrespondence/pkg/correspondence"
)

func TestMappingRoundTrip(t *testing.T) {
	target := testDirectory()
	m := correspondence.NewMapping(5, target.NumFixels())
	m.Set(0, []uint32{0})
	m.Set(1, []uint32{})
	m.Set(2, []uint32{1, 4})
	m.Set(3, []uint32{3})

	path := filepath.Join(t.TempDir(), "mapping")
	require.NoError(t, WriteMapping(path, m, target))
	assert.FileExists(t, filepath.Join(path, IndexName+".nii"))
	assert.FileExists(t, filepath.Join(path, DirectionsName+".nii"))

	got, err := ReadMapping(path, 5)
	require.NoError(t, err)
	require.Equal(t, m.NumTargets(), got.NumTargets())
	for tgt := 0; tgt < m.NumTargets(); tgt++ {
		assert.Equal(t, m.Get(tgt), got.Get(tgt), "target %d", tgt)
	}
	assert.Equal(t, 4, got.TotalEntries())

	// source indices past the source count are rejected
	_, err = ReadMapping(path, 4)
	assert.Error(t, err)
}

func TestWriteRemapped(t *testing.T) {
	target := testDirectory()
	remapped := []models.Fixel{
		models.NewFixel(1, 0, 0, 0.4),
		{},
		models.NewFixel(0, 0, -1, 0.6),
		models.NewFixel(0, 1, 0, 0.2),
	}

	dir := t.TempDir()
	assert.Error(t, WriteRemapped(filepath.Join(dir, "short"), remapped[:2], target))

	path := filepath.Join(dir, "remapped")
	require.NoError(t, WriteRemapped(path, remapped, target))

	got, err := Open(filepath.Join(path, RemappedDensityName+".nii"))
	require.NoError(t, err)
	require.Equal(t, target.NumFixels(), got.NumFixels())
	g := target.Grid()
	assert.Equal(t, target.Voxel(g.Index(2, 1, 0)), got.Voxel(g.Index(2, 1, 0)))
	assert.InDelta(t, 0.6, got.Fixel(2).Density, 1e-6)
	assert.InDelta(t, -1, got.Fixel(2).Direction.Z, 1e-6)
	assert.Zero(t, got.Fixel(1).Density)
}

func TestVolumeRoundTrip(t *testing.T) {
	vol := models.NewVolume(testGrid())
	for i := range vol.Data {
		vol.Data[i] = float64(i%5) / 4
	}
	path := filepath.Join(t.TempDir(), "cost.nii.gz")
	require.NoError(t, WriteVolume(path, vol))

	got, err := ReadVolume(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Grid, got.Grid)
	assert.Equal(t, vol.Data, got.Data)
}
