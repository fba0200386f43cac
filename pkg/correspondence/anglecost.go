package correspondence

import "math"

// DefaultAngleCostResolution is the number of bins sampled over [0,1]
const DefaultAngleCostResolution = 1000

// AngleCostTable converts an absolute direction alignment |dot| in [0,1]
// into an angular mismatch cost tan(acos(|dot|)) by table lookup.
type AngleCostTable struct {
	resolution int
	scale      float64
	values     []float64
}

// NewAngleCostTable samples tan(acos(dp)) at resolution+1 points over [0,1]
// plus one guard bin. Bin 0 is sampled half a bin inside the domain so the
// table stays finite.
func NewAngleCostTable(resolution int) *AngleCostTable {
	if resolution < 1 {
		resolution = DefaultAngleCostResolution
	}
	values := make([]float64, resolution+2)
	for i := 0; i <= resolution; i++ {
		dp := float64(i) / float64(resolution)
		if i == 0 {
			dp = 0.5 / float64(resolution)
		}
		values[i] = math.Tan(math.Acos(dp))
	}
	// tan(acos(1)) is 0 up to rounding
	values[resolution] = 0
	values[resolution+1] = 0
	return &AngleCostTable{
		resolution: resolution,
		scale:      float64(resolution),
		values:     values,
	}
}

// Cost returns the interpolated angular cost of alignment dp.
// Values outside [0,1] are clamped.
func (t *AngleCostTable) Cost(dp float64) float64 {
	if !(dp > 0) {
		return t.values[0]
	}
	if dp >= 1 {
		return 0
	}
	x := dp * t.scale
	i := int(x)
	mu := x - float64(i)
	return t.values[i] + mu*(t.values[i+1]-t.values[i])
}

// Resolution returns the number of sampling intervals
func (t *AngleCostTable) Resolution() int {
	return t.resolution
}
