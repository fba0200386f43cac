package correspondence

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"fixelcorrespondence/internal/metrics"
	"fixelcorrespondence/internal/models"
)

// DefaultFixelWarnThreshold is the combined per-voxel fixel count above which
// a run warns about potential search blow-up
const DefaultFixelWarnThreshold = 6

// gridTolerance is the largest transform difference accepted between grids
const gridTolerance = 1e-4

// voxelsPerTask groups voxels into units of work for the worker pool
const voxelsPerTask = 256

var tracer = otel.Tracer("fixelcorrespondence/correspondence")

// Dataset is the read-only view of a fixel dataset the processor consumes
type Dataset interface {
	// Grid returns the voxel grid of the dataset
	Grid() models.Grid

	// NumFixels returns the total number of fixels
	NumFixels() int

	// Voxel locates the fixels of voxel v (linear Grid index)
	Voxel(v int) models.VoxelRange

	// Fixel returns fixel i by global index
	Fixel(i int) models.Fixel
}

// Params holds the configuration of a matching run
type Params struct {
	// Matcher selects and configures the per-voxel algorithm
	Matcher MatcherParams

	// NumCores is the size of the worker pool
	NumCores int

	// FixelWarnThreshold triggers a one-time warning when a voxel holds more
	// source plus target fixels than this
	FixelWarnThreshold int

	// CostImage requests the per-voxel minimum cost volume
	CostImage bool

	// Remapped requests the remapped source fixels, indexed by target fixel
	Remapped bool
}

// Output is everything a run produces
type Output struct {
	Mapping *Mapping

	// CostImage is nil unless requested
	CostImage *models.Volume

	// Remapped is nil unless requested
	Remapped []models.Fixel

	Summary Summary
}

// Summary describes a completed run
type Summary struct {
	// Voxels counts voxels holding at least one target fixel
	Voxels int

	MeanCost float64
	MaxCost  float64

	MeanSourceFixels float64
	MeanTargetFixels float64

	// MaxCombinations is only tracked when a metrics recorder is attached
	MaxCombinations uint64

	Duration time.Duration
}

// Processor runs a VoxelMatcher over every voxel of a pair of datasets
type Processor struct {
	params   *Params
	source   Dataset
	target   Dataset
	matcher  VoxelMatcher
	logger   *slog.Logger
	recorder *metrics.Recorder

	warnOnce sync.Once
}

// NewProcessor validates the setup and builds the matcher. All setup errors
// are reported here, before any voxel is processed.
func NewProcessor(params *Params, source, target Dataset, logger *slog.Logger, recorder *metrics.Recorder) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !source.Grid().Matches(target.Grid(), gridTolerance) {
		return nil, fmt.Errorf("%w: source %v, target %v", ErrGridMismatch, source.Grid().Dims, target.Grid().Dims)
	}
	if _, err := ParseAlgorithm(string(params.Matcher.Algorithm)); err != nil {
		return nil, err
	}
	if params.CostImage && !params.Matcher.Algorithm.Combinatorial() {
		return nil, fmt.Errorf("%w: %s", ErrCostImageUnsupported, params.Matcher.Algorithm)
	}
	matcher, err := NewMatcher(params.Matcher)
	if err != nil {
		return nil, err
	}
	resolved := *params
	if resolved.NumCores < 1 {
		resolved.NumCores = runtime.NumCPU()
	}
	if resolved.FixelWarnThreshold < 1 {
		resolved.FixelWarnThreshold = DefaultFixelWarnThreshold
	}
	return &Processor{
		params:   &resolved,
		source:   source,
		target:   target,
		matcher:  matcher,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Process matches every voxel and returns the assembled output
func (p *Processor) Process(ctx context.Context) (*Output, error) {
	start := time.Now()
	grid := p.target.Grid()
	numVoxels := grid.NumVoxels()

	ctx, span := tracer.Start(ctx, "Processor.Process",
		trace.WithAttributes(
			attribute.String("algorithm", p.params.Matcher.Algorithm.String()),
			attribute.Int("voxels", numVoxels),
			attribute.Int("source_fixels", p.source.NumFixels()),
			attribute.Int("target_fixels", p.target.NumFixels()),
		),
	)
	defer span.End()

	out := &Output{Mapping: NewMapping(p.source.NumFixels(), p.target.NumFixels())}
	if p.params.CostImage {
		out.CostImage = models.NewVolume(grid)
	}
	if p.params.Remapped {
		out.Remapped = make([]models.Fixel, p.target.NumFixels())
	}

	costs := make([]float64, numVoxels)
	matched := make([]bool, numVoxels)

	p.logger.Info("matching fixels",
		"algorithm", p.params.Matcher.Algorithm,
		"voxels", numVoxels,
		"workers", p.params.NumCores)

	var done atomic.Int64
	step := int64(numVoxels / 10)
	if step < 1 {
		step = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.params.NumCores)
	for first := 0; first < numVoxels; first += voxelsPerTask {
		if gctx.Err() != nil {
			break
		}
		last := min(first+voxelsPerTask, numVoxels)
		g.Go(func() error {
			var buf voxelBuffers
			for v := first; v < last; v++ {
				if err := p.matchVoxel(v, out, costs, matched, &buf); err != nil {
					return err
				}
				if n := done.Add(1); n%step == 0 {
					p.logger.Debug("progress", "percent", fmt.Sprintf("%.1f", float64(n)*100/float64(numVoxels)))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "voxel matching failed")
		return nil, fmt.Errorf("fixel matching failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Summary = p.summarise(costs, matched)
	out.Summary.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("matched_voxels", out.Summary.Voxels))
	p.logger.Info("matching complete",
		"matched_voxels", out.Summary.Voxels,
		"mean_cost", out.Summary.MeanCost,
		"max_cost", out.Summary.MaxCost,
		"duration", out.Summary.Duration)
	return out, nil
}

type voxelBuffers struct {
	source []models.Fixel
	target []models.Fixel
}

// matchVoxel processes voxel v. It writes only to the mapping range, remapped
// range and cost entries belonging to v.
func (p *Processor) matchVoxel(v int, out *Output, costs []float64, matched []bool, buf *voxelBuffers) error {
	tr := p.target.Voxel(v)
	if tr.Count == 0 {
		return nil
	}
	sr := p.source.Voxel(v)

	buf.source = loadFixels(p.source, sr, buf.source[:0])
	buf.target = loadFixels(p.target, tr, buf.target[:0])

	if sr.Count+tr.Count > p.params.FixelWarnThreshold {
		p.warnOnce.Do(func() {
			x, y, z := p.target.Grid().Coords(v)
			p.logger.Warn("voxel holds many fixels; combinatorial search may be slow",
				"voxel", []int{x, y, z},
				"source_fixels", sr.Count,
				"target_fixels", tr.Count,
				"threshold", p.params.FixelWarnThreshold)
		})
	}

	res, err := p.matcher.Match(buf.source, buf.target)
	if err != nil {
		x, y, z := p.target.Grid().Coords(v)
		return fmt.Errorf("voxel [%d %d %d]: %w", x, y, z, err)
	}
	if _, ok := p.matcher.(CombinatorialMatcher); ok {
		p.recorder.ObserveVoxel(res.Stats.Candidates, res.Stats.Combinations,
			res.Stats.Scored, res.Stats.Rejected, res.Stats.Skipped)
	}

	r := out.Mapping.Range(tr.Offset, tr.Count)
	for t, origins := range res.Assignment {
		r.Assign(t, origins, sr.Offset)
	}
	if out.Remapped != nil {
		copy(out.Remapped[tr.Offset:tr.Offset+tr.Count], res.Remapped)
	}
	if out.CostImage != nil {
		out.CostImage.Data[v] = res.Cost
	}
	costs[v] = res.Cost
	matched[v] = true
	return nil
}

func loadFixels(d Dataset, r models.VoxelRange, dst []models.Fixel) []models.Fixel {
	for i := r.Offset; i < r.Offset+r.Count; i++ {
		dst = append(dst, d.Fixel(i))
	}
	return dst
}

func (p *Processor) summarise(costs []float64, matched []bool) Summary {
	var (
		voxelCosts []float64
		sources    []float64
		targets    []float64
	)
	for v, ok := range matched {
		if !ok {
			continue
		}
		voxelCosts = append(voxelCosts, costs[v])
		sources = append(sources, float64(p.source.Voxel(v).Count))
		targets = append(targets, float64(p.target.Voxel(v).Count))
	}
	s := Summary{
		Voxels:          len(voxelCosts),
		MaxCombinations: p.recorder.MaxCombinations(),
	}
	if len(voxelCosts) == 0 {
		return s
	}
	s.MeanCost = stat.Mean(voxelCosts, nil)
	s.MaxCost = floats.Max(voxelCosts)
	s.MeanSourceFixels = stat.Mean(sources, nil)
	s.MeanTargetFixels = stat.Mean(targets, nil)
	return s
}
