package correspondence

import (
	"math/bits"

	"github.com/golang/geo/s2"

	"fixelcorrespondence/internal/models"
)

// DefaultTessellationLevel gives 96 cells of roughly 22 degrees
const DefaultTessellationLevel = 2

// minAdjacencyFixels is the smallest fixel count for which adjacency is tested;
// below it every pair is considered adjacent.
const minAdjacencyFixels = 4

// Tessellation is a fixed partition of the unit sphere into S2 cells at one
// level, with each cell's neighbour list computed up front. It is read-only
// after construction and safe for concurrent use.
type Tessellation struct {
	level      int
	neighbours map[s2.CellID]map[s2.CellID]struct{}
}

// NewTessellation builds the neighbour lists of every cell at the given level
func NewTessellation(level int) *Tessellation {
	if level < 0 {
		level = 0
	}
	if level > s2.MaxLevel {
		level = s2.MaxLevel
	}
	t := &Tessellation{
		level:      level,
		neighbours: make(map[s2.CellID]map[s2.CellID]struct{}, 6<<(2*level)),
	}
	for face := 0; face < 6; face++ {
		f := s2.CellIDFromFace(face)
		end := f.ChildEndAtLevel(level)
		for c := f.ChildBeginAtLevel(level); c != end; c = c.Next() {
			set := map[s2.CellID]struct{}{c: {}}
			for _, n := range c.AllNeighbors(level) {
				set[n] = struct{}{}
			}
			t.neighbours[c] = set
		}
	}
	return t
}

// Level returns the S2 level of the tessellation
func (t *Tessellation) Level() int {
	return t.level
}

// NumCells returns the number of cells in the tessellation
func (t *Tessellation) NumCells() int {
	return len(t.neighbours)
}

// Cell returns the tessellation cell containing the direction (x, y, z).
// The vector need not be normalised.
func (t *Tessellation) Cell(x, y, z float64) s2.CellID {
	return s2.CellFromPoint(s2.PointFromCoords(x, y, z)).ID().Parent(t.level)
}

// Neighbours reports whether cells a and b are equal or registered neighbours
func (t *Tessellation) Neighbours(a, b s2.CellID) bool {
	_, ok := t.neighbours[a][b]
	return ok
}

// Adjacency is the angular adjacency relation between the fixels of one voxel
type Adjacency struct {
	n       int
	vacuous bool
	rows    []uint64
}

// Adjacency builds the relation for one voxel's fixels. Each fixel is placed
// in the cell of its direction and the cell of its antipode.
func (t *Tessellation) Adjacency(fixels []models.Fixel) Adjacency {
	a := Adjacency{n: len(fixels)}
	if len(fixels) < minAdjacencyFixels || len(fixels) > MaxFixelsPerVoxel {
		a.vacuous = true
		return a
	}
	cells := make([][2]s2.CellID, len(fixels))
	for i, f := range fixels {
		d := f.Direction
		cells[i] = [2]s2.CellID{
			t.Cell(d.X, d.Y, d.Z),
			t.Cell(-d.X, -d.Y, -d.Z),
		}
	}
	a.rows = make([]uint64, len(fixels))
	for i := range fixels {
		a.rows[i] |= 1 << uint(i)
		for j := i + 1; j < len(fixels); j++ {
			if t.cellsAdjacent(cells[i], cells[j]) {
				a.rows[i] |= 1 << uint(j)
				a.rows[j] |= 1 << uint(i)
			}
		}
	}
	return a
}

func (t *Tessellation) cellsAdjacent(a, b [2]s2.CellID) bool {
	for _, ca := range a {
		for _, cb := range b {
			if t.Neighbours(ca, cb) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of fixels the relation was built from
func (a Adjacency) Len() int {
	return a.n
}

// AreAdjacent reports whether fixels i and j are angular neighbours.
// Always true when fewer than four fixels are present.
func (a Adjacency) AreAdjacent(i, j int) bool {
	if a.vacuous {
		return true
	}
	return a.rows[i]&(1<<uint(j)) != 0
}

// IsConnected reports whether every listed fixel is adjacent to at least one
// other listed fixel. Sets of fewer than two are connected.
func (a Adjacency) IsConnected(indices []int) bool {
	if a.vacuous || len(indices) < 2 {
		return true
	}
	var mask uint64
	for _, i := range indices {
		mask |= 1 << uint(i)
	}
	return a.IsConnectedMask(mask)
}

// IsConnectedMask is IsConnected for a bitmask of fixel indices
func (a Adjacency) IsConnectedMask(mask uint64) bool {
	if a.vacuous || bits.OnesCount64(mask) < 2 {
		return true
	}
	for m := mask; m != 0; m &= m - 1 {
		i := bits.TrailingZeros64(m)
		if a.rows[i]&mask&^(1<<uint(i)) == 0 {
			return false
		}
	}
	return true
}
