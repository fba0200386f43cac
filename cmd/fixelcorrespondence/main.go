package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"fixelcorrespondence/internal/metrics"
	"fixelcorrespondence/pkg/config"
	"fixelcorrespondence/pkg/correspondence"
	"fixelcorrespondence/pkg/fixelio"
	"fixelcorrespondence/pkg/visualization"
)

// metadataName is the run description written next to the mapping
const metadataName = "correspondence.yaml"

type options struct {
	configPath        string
	algorithm         string
	maxOrigins        int
	maxObjectives     int
	alpha             float64
	beta              float64
	cores             int
	costImage         string
	remappedDir       string
	previewDir        string
	metricsFile       string
	trackCombinations bool
	verbose           bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "fixelcorrespondence <source_data> <target_data> <output_dir>",
		Short: "Match the fixels of a source dataset onto those of a target dataset",
		Long: `Determines, voxel by voxel, which fixels of a source fixel dataset correspond
to which fixels of a target dataset on the same voxel grid. Each data argument
is a per-fixel data file inside a fixel directory and supplies fixel density.
The resulting mapping is written as a fixel directory.`,
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0], args[1], args[2])
		},
	}

	bindFlags(cmd.Flags(), opts)
	cmd.AddCommand(newInitConfigCmd())
	return cmd
}

// bindFlags registers the command line options, defaulting to DefaultConfig
func bindFlags(f *pflag.FlagSet, opts *options) {
	defaults := config.DefaultConfig()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	f.StringVarP(&opts.algorithm, "algorithm", "a", defaults.Matching.Algorithm, "matching algorithm: nearest, ismrm2018, in2023, all2all")
	f.IntVar(&opts.maxOrigins, "max-origins", defaults.Matching.MaxOriginsPerTarget, "maximum source fixels composing one target")
	f.IntVar(&opts.maxObjectives, "max-objectives", defaults.Matching.MaxObjectivesPerSource, "maximum target fixels one source may feed")
	f.Float64Var(&opts.alpha, "alpha", defaults.Matching.Alpha, "in2023 density difference weight")
	f.Float64Var(&opts.beta, "beta", defaults.Matching.Beta, "in2023 one-to-one penalty weight")
	f.IntVar(&opts.cores, "cores", defaults.Processing.NumCores, "number of worker goroutines")
	f.StringVar(&opts.costImage, "cost-image", "", "write the per-voxel minimum cost to this NIfTI image")
	f.StringVar(&opts.remappedDir, "remapped", "", "write the remapped source fixels to this fixel directory")
	f.StringVar(&opts.previewDir, "preview-dir", "", "write JPEG slices of the cost image to this directory")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write search statistics in Prometheus text format")
	f.BoolVar(&opts.trackCombinations, "track-combinations", false, "collect search statistics across voxels")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a configuration file holding the default settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fixelio.CheckOutputAbsent(args[0]); err != nil {
				return err
			}
			if err := config.CreateDefaultConfigFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
			return nil
		},
	}
}

// loadConfig merges the configuration file with explicitly set flags
func loadConfig(f *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Changed("algorithm") {
		cfg.Matching.Algorithm = opts.algorithm
	}
	if f.Changed("max-origins") {
		cfg.Matching.MaxOriginsPerTarget = opts.maxOrigins
	}
	if f.Changed("max-objectives") {
		cfg.Matching.MaxObjectivesPerSource = opts.maxObjectives
	}
	if f.Changed("alpha") {
		cfg.Matching.Alpha = opts.alpha
	}
	if f.Changed("beta") {
		cfg.Matching.Beta = opts.beta
	}
	if f.Changed("cores") {
		cfg.Processing.NumCores = opts.cores
	}
	if f.Changed("cost-image") {
		cfg.Output.CostImage = opts.costImage
	}
	if f.Changed("remapped") {
		cfg.Output.RemappedDir = opts.remappedDir
	}
	if f.Changed("preview-dir") {
		cfg.Output.PreviewDir = opts.previewDir
	}
	if f.Changed("metrics-file") {
		cfg.Debug.MetricsFile = opts.metricsFile
	}
	if f.Changed("track-combinations") {
		cfg.Debug.TrackCombinations = opts.trackCombinations
	}
	if f.Changed("verbose") {
		cfg.Output.Verbose = opts.verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(verbose bool, runID string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("run_id", runID)
}

func run(cmd *cobra.Command, opts *options, sourcePath, targetPath, outputDir string) error {
	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := newLogger(cfg.Output.Verbose, runID)

	// Every output must be absent before any work starts
	for _, p := range []string{outputDir, cfg.Output.CostImage, cfg.Output.RemappedDir, cfg.Debug.MetricsFile} {
		if err := fixelio.CheckOutputAbsent(p); err != nil {
			return err
		}
	}
	if cfg.Output.CostImage != "" && !fixelio.HasImageExtension(cfg.Output.CostImage) {
		return fmt.Errorf("cost image %s must end in .nii or .nii.gz", cfg.Output.CostImage)
	}

	logger.Info("loading fixel datasets", "source", sourcePath, "target", targetPath)
	source, err := fixelio.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to load source fixels: %w", err)
	}
	target, err := fixelio.Open(targetPath)
	if err != nil {
		return fmt.Errorf("failed to load target fixels: %w", err)
	}

	params, err := cfg.Params()
	if err != nil {
		return err
	}

	var recorder *metrics.Recorder
	if cfg.Debug.TrackCombinations || cfg.Debug.MetricsFile != "" {
		recorder = metrics.NewRecorder()
	}

	processor, err := correspondence.NewProcessor(params, source, target, logger, recorder)
	if err != nil {
		return err
	}

	out, err := processor.Process(context.Background())
	if err != nil {
		return err
	}

	if err := fixelio.WriteMapping(outputDir, out.Mapping, target); err != nil {
		return fmt.Errorf("failed to write mapping: %w", err)
	}
	if err := writeMetadata(filepath.Join(outputDir, metadataName), runID, cfg, out.Summary); err != nil {
		return err
	}
	logger.Info("mapping written", "path", outputDir, "entries", out.Mapping.TotalEntries())

	if out.CostImage != nil {
		if err := fixelio.WriteVolume(cfg.Output.CostImage, out.CostImage); err != nil {
			return fmt.Errorf("failed to write cost image: %w", err)
		}
		if cfg.Output.PreviewDir != "" {
			viewer := visualization.NewViewer(out.CostImage)
			if err := viewer.SaveSliceSequence("z", cfg.Output.PreviewDir); err != nil {
				logger.Warn("failed to save cost image previews", "error", err)
			}
		}
	}
	if out.Remapped != nil {
		if err := fixelio.WriteRemapped(cfg.Output.RemappedDir, out.Remapped, target); err != nil {
			return fmt.Errorf("failed to write remapped fixels: %w", err)
		}
	}
	if cfg.Debug.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.Debug.MetricsFile); err != nil {
			return err
		}
	}

	printSummary(cmd, params.Matcher.Algorithm, out.Summary)
	return nil
}

type runMetadata struct {
	RunID     string         `yaml:"runId"`
	Created   time.Time      `yaml:"created"`
	Algorithm string         `yaml:"algorithm"`
	Config    *config.Config `yaml:"config"`
	Summary   struct {
		MatchedVoxels    int     `yaml:"matchedVoxels"`
		MeanCost         float64 `yaml:"meanCost"`
		MaxCost          float64 `yaml:"maxCost"`
		MeanSourceFixels float64 `yaml:"meanSourceFixels"`
		MeanTargetFixels float64 `yaml:"meanTargetFixels"`
		MaxCombinations  uint64  `yaml:"maxCombinations,omitempty"`
		Seconds          float64 `yaml:"seconds"`
	} `yaml:"summary"`
}

func writeMetadata(path, runID string, cfg *config.Config, s correspondence.Summary) error {
	meta := runMetadata{
		RunID:     runID,
		Created:   time.Now().UTC(),
		Algorithm: cfg.Matching.Algorithm,
		Config:    cfg,
	}
	meta.Summary.MatchedVoxels = s.Voxels
	meta.Summary.MeanCost = s.MeanCost
	meta.Summary.MaxCost = s.MaxCost
	meta.Summary.MeanSourceFixels = s.MeanSourceFixels
	meta.Summary.MeanTargetFixels = s.MeanTargetFixels
	meta.Summary.MaxCombinations = s.MaxCombinations
	meta.Summary.Seconds = s.Duration.Seconds()

	data, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("error marshaling run metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing run metadata: %w", err)
	}
	return nil
}

func printSummary(cmd *cobra.Command, algo correspondence.Algorithm, s correspondence.Summary) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "\nFixel correspondence completed in %.2f seconds\n", s.Duration.Seconds())
	fmt.Fprintf(w, "=======================================\n")
	fmt.Fprintf(w, "Algorithm: %s\n", algo)
	fmt.Fprintf(w, "Voxels matched: %d\n", s.Voxels)
	fmt.Fprintf(w, "Mean fixels per voxel: %.2f source, %.2f target\n", s.MeanSourceFixels, s.MeanTargetFixels)
	if algo.Combinatorial() {
		fmt.Fprintf(w, "Cost: mean %.4f, max %.4f\n", s.MeanCost, s.MaxCost)
	}
	if s.MaxCombinations > 0 {
		fmt.Fprintf(w, "Largest search space: %d combinations\n", s.MaxCombinations)
	}
}
