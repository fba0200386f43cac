package correspondence

import "fmt"

// Mapping records, for every global target fixel index, the global indices of
// the source fixels that correspond to it.
//
// The structure is sized once and written one voxel at a time. Each voxel
// owns a disjoint range of target indices, so concurrent writers handed
// distinct ranges need no locking.
type Mapping struct {
	numSources int
	origins    [][]uint32
}

// NewMapping allocates an empty mapping between datasets of the given sizes
func NewMapping(numSources, numTargets int) *Mapping {
	return &Mapping{
		numSources: numSources,
		origins:    make([][]uint32, numTargets),
	}
}

// NumSources returns the number of fixels in the source dataset
func (m *Mapping) NumSources() int {
	return m.numSources
}

// NumTargets returns the number of fixels in the target dataset
func (m *Mapping) NumTargets() int {
	return len(m.origins)
}

// Range hands out the writable sub-range of targets [offset, offset+count)
func (m *Mapping) Range(offset, count int) MappingRange {
	return MappingRange{entries: m.origins[offset : offset+count : offset+count]}
}

// Get returns the source indices mapped onto target t
func (m *Mapping) Get(t int) []uint32 {
	return m.origins[t]
}

// Set replaces the source indices mapped onto target t
func (m *Mapping) Set(t int, sources []uint32) {
	m.origins[t] = sources
}

// TotalEntries returns the number of (target, source) pairs
func (m *Mapping) TotalEntries() int {
	var n int
	for _, o := range m.origins {
		n += len(o)
	}
	return n
}

// Validate checks that every recorded source index is within range
func (m *Mapping) Validate() error {
	for t, o := range m.origins {
		for _, s := range o {
			if int(s) >= m.numSources {
				return fmt.Errorf("mapping: target %d refers to source %d of %d", t, s, m.numSources)
			}
		}
	}
	return nil
}

// MappingRange is the slice of a Mapping owned by one voxel
type MappingRange struct {
	entries [][]uint32
}

// Len returns the number of targets in the range
func (r MappingRange) Len() int {
	return len(r.entries)
}

// Assign stores the origin set of local target t, offset to global source
// indices by sourceOffset
func (r MappingRange) Assign(t int, origins OriginSet, sourceOffset int) {
	out := make([]uint32, len(origins))
	for i, s := range origins {
		out[i] = uint32(sourceOffset + s)
	}
	r.entries[t] = out
}
