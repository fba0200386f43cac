package fixelio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixelcorrespondence/internal/models"
	"fixelcorrespondence/pkg/correspondence"
)

func testDirectory() *Directory {
	g := testGrid()
	return NewDirectory(g, map[int][]models.Fixel{
		g.Index(0, 0, 0): {models.NewFixel(1, 0, 0, 0.5)},
		g.Index(2, 1, 0): {models.NewFixel(0, 1, 0, 0.25), models.NewFixel(0, 0, 1, 0.75)},
		g.Index(3, 2, 1): {models.NewFixel(1, 1, 0, 1)},
	})
}

func TestNewDirectory(t *testing.T) {
	d := testDirectory()
	g := d.Grid()
	assert.Equal(t, 4, d.NumFixels())

	assert.Equal(t, models.VoxelRange{Offset: 0, Count: 1}, d.Voxel(g.Index(0, 0, 0)))
	assert.Equal(t, models.VoxelRange{Offset: 1, Count: 2}, d.Voxel(g.Index(2, 1, 0)))
	assert.Equal(t, models.VoxelRange{Offset: 3, Count: 1}, d.Voxel(g.Index(3, 2, 1)))
	assert.Zero(t, d.Voxel(g.Index(1, 1, 1)).Count)

	assert.Equal(t, 0.75, d.Fixel(2).Density)

	// Directory satisfies the processor's dataset view
	var _ correspondence.Dataset = d
}

func TestDirectorySaveOpen(t *testing.T) {
	d := testDirectory()
	path := filepath.Join(t.TempDir(), "fixels")
	require.NoError(t, d.Save(path, "fd.nii"))
	assert.Equal(t, path, d.Path)

	got, err := Open(filepath.Join(path, "fd.nii"))
	require.NoError(t, err)
	assert.Equal(t, path, got.Path)
	assert.True(t, got.Grid().Matches(d.Grid(), 1e-6))
	require.Equal(t, d.NumFixels(), got.NumFixels())

	for v := 0; v < d.Grid().NumVoxels(); v++ {
		want := d.Voxel(v)
		if want.Count == 0 {
			assert.Zero(t, got.Voxel(v).Count)
			continue
		}
		assert.Equal(t, want, got.Voxel(v))
	}
	for i := 0; i < d.NumFixels(); i++ {
		want, have := d.Fixel(i), got.Fixel(i)
		assert.InDelta(t, want.Density, have.Density, 1e-6)
		assert.InDelta(t, want.Direction.X, have.Direction.X, 1e-6)
		assert.InDelta(t, want.Direction.Y, have.Direction.Y, 1e-6)
		assert.InDelta(t, want.Direction.Z, have.Direction.Z, 1e-6)
	}
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(filepath.Join(dir, "fd.nii"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	// data file with the wrong number of fixels
	d := testDirectory()
	require.NoError(t, d.Save(dir, "fd.nii"))
	require.NoError(t, WriteImage(filepath.Join(dir, "short.nii"), scalarImage([]float64{1, 2}, Float32)))
	_, err = Open(filepath.Join(dir, "short.nii"))
	assert.Error(t, err)
}

func TestOpenRejectsBadIndex(t *testing.T) {
	tests := []struct {
		name   string
		offset float64
	}{
		{"past last fixel", 4},
		{"overlaps previous voxel", 2},
		{"same start as previous voxel", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			d := testDirectory()
			require.NoError(t, d.Save(dir, "fd.nii"))

			index := d.IndexImage()
			index.Set(tt.offset, 3, 2, 1, 1)
			require.NoError(t, WriteImage(filepath.Join(dir, IndexName+".nii"), index))

			_, err := Open(filepath.Join(dir, "fd.nii"))
			assert.ErrorIs(t, err, ErrInvalidIndex)
		})
	}
}

func TestCheckOutputAbsent(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, CheckOutputAbsent(""))
	assert.NoError(t, CheckOutputAbsent(filepath.Join(dir, "new")))
	assert.ErrorIs(t, CheckOutputAbsent(dir), correspondence.ErrOutputExists)
}

func TestHasImageExtension(t *testing.T) {
	assert.True(t, HasImageExtension("cost.nii"))
	assert.True(t, HasImageExtension("out/cost.nii.gz"))
	assert.False(t, HasImageExtension("cost.mif"))
	assert.False(t, HasImageExtension("cost.gz"))
}
