package fixelio

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"fixelcorrespondence/internal/models"
	"fixelcorrespondence/pkg/correspondence"
)

const (
	// MappingIndexName holds, per target fixel, the count and offset of its
	// source indices in MappingFixelsName
	MappingIndexName = "correspondence_index"

	// MappingFixelsName holds the concatenated source fixel indices
	MappingFixelsName = "correspondence_fixels"

	// RemappedDensityName holds the density of each remapped fixel
	RemappedDensityName = "density"
)

// WriteMapping stores m as a fixel directory on the target's grid. The target
// index and directions are copied so the result is a complete fixel directory.
func WriteMapping(path string, m *correspondence.Mapping, target *Directory) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create mapping directory: %w", err)
	}
	if err := WriteImage(filepath.Join(path, IndexName+".nii"), target.IndexImage()); err != nil {
		return err
	}
	if err := WriteImage(filepath.Join(path, DirectionsName+".nii"), target.DirectionsImage()); err != nil {
		return err
	}

	nt := m.NumTargets()
	index := NewImage(Uint32, nt, 2, 1)
	fixels := make([]float64, 0, m.TotalEntries())
	for t := 0; t < nt; t++ {
		sources := m.Get(t)
		index.Set(float64(len(sources)), t, 0)
		index.Set(float64(len(fixels)), t, 1)
		for _, s := range sources {
			fixels = append(fixels, float64(s))
		}
	}
	if err := WriteImage(filepath.Join(path, MappingIndexName+".nii"), index); err != nil {
		return err
	}
	return WriteImage(filepath.Join(path, MappingFixelsName+".nii"), scalarImage(fixels, Uint32))
}

// ReadMapping loads a mapping written by WriteMapping
func ReadMapping(path string, numSources int) (*correspondence.Mapping, error) {
	indexPath, err := findImage(path, MappingIndexName)
	if err != nil {
		return nil, err
	}
	index, err := ReadImage(indexPath)
	if err != nil {
		return nil, err
	}
	if index.Dims[1] != 2 {
		return nil, fmt.Errorf("mapping index %s must be N x 2, got dims %v", indexPath, index.Dims)
	}
	fixelsPath, err := findImage(path, MappingFixelsName)
	if err != nil {
		return nil, err
	}
	fixels, err := ReadImage(fixelsPath)
	if err != nil {
		return nil, err
	}

	nt := index.Dims[0]
	m := correspondence.NewMapping(numSources, nt)
	for t := 0; t < nt; t++ {
		count, offset := int(index.At(t, 0)), int(index.At(t, 1))
		if offset < 0 || offset+count > len(fixels.Data) {
			return nil, fmt.Errorf("mapping index %s: target %d refers past %d entries", indexPath, t, len(fixels.Data))
		}
		sources := make([]uint32, count)
		for i := range sources {
			sources[i] = uint32(fixels.Data[offset+i])
		}
		m.Set(t, sources)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteRemapped stores the remapped source fixels, one per target fixel, as
// a fixel directory sharing the target's index
func WriteRemapped(path string, remapped []models.Fixel, target *Directory) error {
	if len(remapped) != target.NumFixels() {
		return fmt.Errorf("remapped fixel count %d does not match target count %d", len(remapped), target.NumFixels())
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create remapped directory: %w", err)
	}
	if err := WriteImage(filepath.Join(path, IndexName+".nii"), target.IndexImage()); err != nil {
		return err
	}
	dirs := make([]r3.Vec, len(remapped))
	density := make([]float64, len(remapped))
	for i, f := range remapped {
		dirs[i] = f.Direction
		density[i] = f.Density
	}
	if err := WriteImage(filepath.Join(path, DirectionsName+".nii"), directionsImage(dirs)); err != nil {
		return err
	}
	return WriteImage(filepath.Join(path, RemappedDensityName+".nii"), scalarImage(density, Float32))
}

// WriteVolume stores a scalar volume as a 3D float32 image
func WriteVolume(path string, vol *models.Volume) error {
	g := vol.Grid
	img := NewImage(Float32, g.Dims[0], g.Dims[1], g.Dims[2])
	img.SetGrid(g)
	copy(img.Data, vol.Data)
	return WriteImage(path, img)
}

// ReadVolume loads the first 3D volume of an image
func ReadVolume(path string) (*models.Volume, error) {
	img, err := ReadImage(path)
	if err != nil {
		return nil, err
	}
	vol := models.NewVolume(img.Grid())
	copy(vol.Data, img.Data)
	return vol, nil
}
