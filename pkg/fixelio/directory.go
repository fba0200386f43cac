package fixelio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"fixelcorrespondence/internal/models"
	"fixelcorrespondence/pkg/correspondence"
)

const (
	// IndexName is the base name of the per-voxel index image
	IndexName = "index"

	// DirectionsName is the base name of the fixel directions image
	DirectionsName = "directions"
)

var imageExtensions = []string{".nii", ".nii.gz"}

// ErrInvalidIndex is returned when a fixel index assigns fixels outside the
// directions image or shares fixels between voxels
var ErrInvalidIndex = errors.New("fixelio: invalid fixel index")

// Directory is a fixel dataset held in memory: its index, directions and one
// data file interpreted as fixel density.
type Directory struct {
	// Path is the directory the dataset was read from, if any
	Path string

	grid       models.Grid
	counts     []int
	offsets    []int
	directions []r3.Vec
	density    []float64
}

// Open reads the fixel directory containing dataFile, using dataFile as the
// per-fixel density
func Open(dataFile string) (*Directory, error) {
	dir := filepath.Dir(dataFile)

	indexPath, err := findImage(dir, IndexName)
	if err != nil {
		return nil, err
	}
	index, err := ReadImage(indexPath)
	if err != nil {
		return nil, err
	}
	if len(index.Dims) != 4 || index.Dims[3] != 2 {
		return nil, fmt.Errorf("fixel index %s must be 4D with 2 volumes, got dims %v", indexPath, index.Dims)
	}

	dirPath, err := findImage(dir, DirectionsName)
	if err != nil {
		return nil, err
	}
	dirs, err := ReadImage(dirPath)
	if err != nil {
		return nil, err
	}
	if dirs.Dims[1] != 3 {
		return nil, fmt.Errorf("fixel directions %s must be N x 3, got dims %v", dirPath, dirs.Dims)
	}

	data, err := ReadImage(dataFile)
	if err != nil {
		return nil, err
	}
	n := dirs.Dims[0]
	if data.Dims[0] != n || len(data.Data) != n {
		return nil, fmt.Errorf("fixel data %s holds %d values for %d fixels", dataFile, len(data.Data), n)
	}

	d := &Directory{
		Path:       dir,
		grid:       index.Grid(),
		counts:     make([]int, d3(index)),
		offsets:    make([]int, d3(index)),
		directions: make([]r3.Vec, n),
		density:    data.Data,
	}
	for v := range d.counts {
		x, y, z := d.grid.Coords(v)
		d.counts[v] = int(index.At(x, y, z, 0))
		d.offsets[v] = int(index.At(x, y, z, 1))
		if d.counts[v] > 0 && (d.offsets[v] < 0 || d.offsets[v]+d.counts[v] > n) {
			return nil, fmt.Errorf("%w %s: voxel [%d %d %d] refers past %d fixels", ErrInvalidIndex, indexPath, x, y, z, n)
		}
	}
	if err := d.checkDisjoint(); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidIndex, indexPath, err)
	}
	for i := range d.directions {
		d.directions[i] = r3.Vec{X: dirs.At(i, 0), Y: dirs.At(i, 1), Z: dirs.At(i, 2)}
	}
	return d, nil
}

// checkDisjoint reports voxels whose fixel ranges overlap. Workers write each
// voxel's ranges without locking, so no fixel may belong to two voxels.
func (d *Directory) checkDisjoint() error {
	voxels := make([]int, 0, len(d.counts))
	for v, c := range d.counts {
		if c > 0 {
			voxels = append(voxels, v)
		}
	}
	slices.SortFunc(voxels, func(a, b int) int {
		return d.offsets[a] - d.offsets[b]
	})
	for i := 1; i < len(voxels); i++ {
		prev, cur := voxels[i-1], voxels[i]
		if d.offsets[prev]+d.counts[prev] > d.offsets[cur] {
			return fmt.Errorf("voxels %d and %d share fixels from offset %d", prev, cur, d.offsets[cur])
		}
	}
	return nil
}

func d3(img *Image) int {
	return img.Dims[0] * img.Dims[1] * img.Dims[2]
}

func findImage(dir, base string) (string, error) {
	for _, ext := range imageExtensions {
		p := filepath.Join(dir, base+ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no %s image in fixel directory %s: %w", base, dir, os.ErrNotExist)
}

// NewDirectory assembles a dataset from per-voxel fixel lists keyed by linear
// voxel index. Fixels are laid out in voxel order.
func NewDirectory(grid models.Grid, voxels map[int][]models.Fixel) *Directory {
	d := &Directory{
		grid:    grid,
		counts:  make([]int, grid.NumVoxels()),
		offsets: make([]int, grid.NumVoxels()),
	}
	keys := make([]int, 0, len(voxels))
	for v := range voxels {
		keys = append(keys, v)
	}
	slices.Sort(keys)
	for _, v := range keys {
		d.offsets[v] = len(d.directions)
		d.counts[v] = len(voxels[v])
		for _, f := range voxels[v] {
			d.directions = append(d.directions, f.Direction)
			d.density = append(d.density, f.Density)
		}
	}
	return d
}

// Grid implements correspondence.Dataset
func (d *Directory) Grid() models.Grid {
	return d.grid
}

// NumFixels implements correspondence.Dataset
func (d *Directory) NumFixels() int {
	return len(d.directions)
}

// Voxel implements correspondence.Dataset
func (d *Directory) Voxel(v int) models.VoxelRange {
	return models.VoxelRange{Offset: d.offsets[v], Count: d.counts[v]}
}

// Fixel implements correspondence.Dataset
func (d *Directory) Fixel(i int) models.Fixel {
	return models.Fixel{Direction: d.directions[i], Density: d.density[i]}
}

// IndexImage builds the (X,Y,Z,2) count/offset image of the dataset
func (d *Directory) IndexImage() *Image {
	g := d.grid
	img := NewImage(Uint32, g.Dims[0], g.Dims[1], g.Dims[2], 2)
	img.SetGrid(g)
	for v := range d.counts {
		x, y, z := g.Coords(v)
		img.Set(float64(d.counts[v]), x, y, z, 0)
		img.Set(float64(d.offsets[v]), x, y, z, 1)
	}
	return img
}

// DirectionsImage builds the (N,3,1) directions image of the dataset
func (d *Directory) DirectionsImage() *Image {
	return directionsImage(d.directions)
}

func directionsImage(dirs []r3.Vec) *Image {
	img := NewImage(Float32, len(dirs), 3, 1)
	for i, v := range dirs {
		img.Set(v.X, i, 0)
		img.Set(v.Y, i, 1)
		img.Set(v.Z, i, 2)
	}
	return img
}

func scalarImage(values []float64, dt Datatype) *Image {
	img := NewImage(dt, len(values), 1, 1)
	copy(img.Data, values)
	return img
}

// Save writes the dataset as a fixel directory with the density stored in
// dataName (for example "fd.nii")
func (d *Directory) Save(path, dataName string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create fixel directory: %w", err)
	}
	if err := WriteImage(filepath.Join(path, IndexName+".nii"), d.IndexImage()); err != nil {
		return err
	}
	if err := WriteImage(filepath.Join(path, DirectionsName+".nii"), d.DirectionsImage()); err != nil {
		return err
	}
	if err := WriteImage(filepath.Join(path, dataName), scalarImage(d.density, Float32)); err != nil {
		return err
	}
	d.Path = path
	return nil
}

// CheckOutputAbsent fails if path already exists
func CheckOutputAbsent(path string) error {
	if path == "" {
		return nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", correspondence.ErrOutputExists, path)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

// HasImageExtension reports whether path names a NIfTI file
func HasImageExtension(path string) bool {
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
