package fixelio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixelcorrespondence/internal/models"
)

func testGrid() models.Grid {
	return models.Grid{
		Dims: [3]int{4, 3, 2},
		Transform: [3][4]float64{
			{2, 0, 0, -10},
			{0, 2, 0, -6},
			{0, 0, 2.5, 0.5},
		},
	}
}

func TestImageRoundTrip(t *testing.T) {
	for _, ext := range []string{".nii", ".nii.gz"} {
		t.Run(ext, func(t *testing.T) {
			g := testGrid()
			img := NewImage(Float32, g.Dims[0], g.Dims[1], g.Dims[2])
			img.SetGrid(g)
			for i := range img.Data {
				img.Data[i] = float64(i) * 0.5
			}

			path := filepath.Join(t.TempDir(), "image"+ext)
			require.NoError(t, WriteImage(path, img))

			got, err := ReadImage(path)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 3, 2}, got.Dims)
			assert.Equal(t, Float32, got.Datatype)
			assert.Equal(t, img.Data, got.Data)
			assert.Equal(t, g, got.Grid())
			assert.InDelta(t, 2.5, got.Pixdim[2], 1e-6)
			assert.Equal(t, 3.5, got.At(3, 1, 0))
		})
	}
}

func TestImageDatatypes(t *testing.T) {
	tests := []struct {
		dt     Datatype
		values []float64
	}{
		{Uint8, []float64{0, 1, 255}},
		{Int16, []float64{-32768, 0, 32767}},
		{Int32, []float64{-7, 0, 1 << 30}},
		{Uint32, []float64{0, 12, 4294967295}},
		{Int64, []float64{-1, 0, 1 << 40}},
		{Uint64, []float64{0, 3, 1 << 50}},
		{Float64, []float64{-1.25, 0, 1e-300}},
	}
	dir := t.TempDir()
	for _, tt := range tests {
		img := NewImage(tt.dt, len(tt.values), 1, 1)
		copy(img.Data, tt.values)

		path := filepath.Join(dir, "values.nii")
		require.NoError(t, WriteImage(path, img))
		got, err := ReadImage(path)
		require.NoError(t, err)
		assert.Equal(t, tt.dt, got.Datatype)
		assert.Equal(t, tt.values, got.Data, "datatype %d", tt.dt)
		require.NoError(t, os.Remove(path))
	}

	img := NewImage(Datatype(32), 2)
	assert.ErrorIs(t, WriteImage(filepath.Join(dir, "complex.nii"), img), ErrUnsupportedDatatype)
}

func TestImageWideAxisUsesNIfTI2(t *testing.T) {
	const n = 40000
	img := NewImage(Uint8, n, 1, 1)
	for i := range img.Data {
		img.Data[i] = float64(i % 251)
	}

	path := filepath.Join(t.TempDir(), "wide.nii")
	require.NoError(t, WriteImage(path, img))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(nifti2HeaderSize), binary.LittleEndian.Uint32(raw[:4]))
	assert.Len(t, raw, nifti2VoxOffset+n)

	got, err := ReadImage(path)
	require.NoError(t, err)
	assert.Equal(t, []int{n, 1, 1}, got.Dims)
	assert.Equal(t, img.Data, got.Data)
}

func TestReadImageBigEndianWithScaling(t *testing.T) {
	h := nifti1Header{
		SizeofHdr: nifti1HeaderSize,
		Datatype:  int16(Int16),
		Bitpix:    16,
		VoxOffset: nifti1VoxOffset,
		SclSlope:  2,
		SclInter:  1,
		Magic:     nifti1Magic,
	}
	h.Dim = [8]int16{2, 3, 1}
	h.Pixdim = [8]float32{1, 1, 1}

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{-1, 0, 5}))

	path := filepath.Join(t.TempDir(), "be.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	got, err := ReadImage(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 1}, got.Dims)
	assert.Equal(t, []float64{-1, 1, 11}, got.Data)
}

func TestReadImageRejectsOtherFiles(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, 600), 0644))
	_, err := ReadImage(path)
	assert.ErrorIs(t, err, ErrNotNIfTI)

	_, err = ReadImage(filepath.Join(dir, "missing.nii"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
