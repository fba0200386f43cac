package models

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Fixel represents a single fibre-orientation estimate inside one voxel
type Fixel struct {
	// Direction is the unit orientation of the fibre population
	Direction r3.Vec

	// Density is the non-negative apparent fibre density
	Density float64
}

// NewFixel returns a fixel with its direction normalised to unit length.
// A zero direction is kept as is.
func NewFixel(x, y, z, density float64) Fixel {
	d := r3.Vec{X: x, Y: y, Z: z}
	if n := r3.Norm(d); n > 0 {
		d = r3.Scale(1/n, d)
	}
	return Fixel{Direction: d, Density: density}
}

// AbsDot returns |dot(a, b)|, the axial alignment of two fixels
func (f Fixel) AbsDot(other Fixel) float64 {
	return math.Abs(r3.Dot(f.Direction, other.Direction))
}

// IsEmpty reports whether the fixel carries no density
func (f Fixel) IsEmpty() bool {
	return f.Density == 0
}

// Grid describes the voxel grid shared by a fixel dataset and its images
type Grid struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Transform is the voxel-to-scanner affine (rows of a 3x4 matrix)
	Transform [3][4]float64
}

// NumVoxels returns the total number of voxels in the grid
func (g Grid) NumVoxels() int {
	return g.Dims[0] * g.Dims[1] * g.Dims[2]
}

// Index converts voxel coordinates into the linear index used throughout
// (x fastest, matching NIfTI storage order)
func (g Grid) Index(x, y, z int) int {
	return x + g.Dims[0]*(y+g.Dims[1]*z)
}

// Coords is the inverse of Index
func (g Grid) Coords(v int) (x, y, z int) {
	x = v % g.Dims[0]
	v /= g.Dims[0]
	y = v % g.Dims[1]
	z = v / g.Dims[1]
	return x, y, z
}

// Matches reports whether two grids have identical dimensions and
// transforms equal within tolerance
func (g Grid) Matches(other Grid, tolerance float64) bool {
	if g.Dims != other.Dims {
		return false
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(g.Transform[r][c]-other.Transform[r][c]) > tolerance {
				return false
			}
		}
	}
	return true
}

// IdentityGrid returns a grid of the given size with unit voxels at the origin
func IdentityGrid(x, y, z int) Grid {
	return Grid{
		Dims: [3]int{x, y, z},
		Transform: [3][4]float64{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
		},
	}
}

// VoxelRange locates the fixels of one voxel inside a dataset's global fixel list
type VoxelRange struct {
	// Offset is the global index of the voxel's first fixel
	Offset int

	// Count is the number of fixels in the voxel
	Count int
}

// Volume represents a scalar 3D image on a Grid
type Volume struct {
	// Grid is the voxel grid of the volume
	Grid Grid

	// Data holds one value per voxel in Grid.Index order
	Data []float64
}

// NewVolume allocates a zero-filled volume on the grid
func NewVolume(grid Grid) *Volume {
	return &Volume{
		Grid: grid,
		Data: make([]float64, grid.NumVoxels()),
	}
}
