// Package config provides configuration loading and management for fixelcorrespondence.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fixelcorrespondence/pkg/correspondence"
)

// ErrInvalidConfig is returned when a configuration fails validation
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Matching parameters
	Matching struct {
		// Algorithm is one of nearest, ismrm2018, in2023 or all2all
		Algorithm string `yaml:"algorithm" validate:"required"`

		// MaxOriginsPerTarget bounds how many source fixels compose one remapped fixel
		MaxOriginsPerTarget int `yaml:"maxOriginsPerTarget" validate:"min=1,max=64"`

		// MaxObjectivesPerSource bounds how many target fixels one source fixel may feed
		MaxObjectivesPerSource int `yaml:"maxObjectivesPerSource" validate:"min=1,max=64"`

		// Alpha weights the squared density difference (in2023 only)
		Alpha float64 `yaml:"alpha" validate:"gt=0"`

		// Beta weights the one-to-one penalties (in2023 only)
		Beta float64 `yaml:"beta" validate:"gt=0"`

		// FixelWarnThreshold is the combined per-voxel fixel count above which
		// a run warns about slow searches
		FixelWarnThreshold int `yaml:"fixelWarnThreshold" validate:"min=1"`

		// TessellationLevel is the S2 cell level used for fixel adjacency
		TessellationLevel int `yaml:"tessellationLevel" validate:"min=1,max=8"`

		// AngleCostResolution is the number of bins of the angle cost table
		AngleCostResolution int `yaml:"angleCostResolution" validate:"min=10"`
	} `yaml:"matching"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" validate:"min=1"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// CostImage is the path of the optional per-voxel cost image
		CostImage string `yaml:"costImage"`

		// RemappedDir is the path of the optional remapped source fixel directory
		RemappedDir string `yaml:"remappedDir"`

		// PreviewDir receives JPEG slices of the cost image when set
		PreviewDir string `yaml:"previewDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Debug parameters
	Debug struct {
		// TrackCombinations enables the search statistics counters
		TrackCombinations bool `yaml:"trackCombinations"`

		// MetricsFile receives the counters in Prometheus text format
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"debug"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Matching.Algorithm = string(correspondence.AlgorithmIN2023)
	cfg.Matching.MaxOriginsPerTarget = correspondence.DefaultMaxOriginsPerTarget
	cfg.Matching.MaxObjectivesPerSource = correspondence.DefaultMaxObjectivesPerSource
	cfg.Matching.Alpha = correspondence.DefaultAlpha
	cfg.Matching.Beta = correspondence.DefaultBeta
	cfg.Matching.FixelWarnThreshold = correspondence.DefaultFixelWarnThreshold
	cfg.Matching.TessellationLevel = correspondence.DefaultTessellationLevel
	cfg.Matching.AngleCostResolution = correspondence.DefaultAngleCostResolution

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Output.Verbose = false

	cfg.Debug.TrackCombinations = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks value ranges and the algorithm name
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	algo, err := correspondence.ParseAlgorithm(c.Matching.Algorithm)
	if err != nil {
		return err
	}
	if c.Output.CostImage != "" && !algo.Combinatorial() {
		return fmt.Errorf("%w: %s", correspondence.ErrCostImageUnsupported, algo)
	}
	if c.Output.PreviewDir != "" && c.Output.CostImage == "" {
		return fmt.Errorf("%w: previewDir requires costImage", ErrInvalidConfig)
	}
	return nil
}

// Params converts the configuration into processor parameters
func (c *Config) Params() (*correspondence.Params, error) {
	algo, err := correspondence.ParseAlgorithm(c.Matching.Algorithm)
	if err != nil {
		return nil, err
	}
	return &correspondence.Params{
		Matcher: correspondence.MatcherParams{
			Algorithm: algo,
			Search: correspondence.SearchParams{
				MaxOriginsPerTarget:    c.Matching.MaxOriginsPerTarget,
				MaxObjectivesPerSource: c.Matching.MaxObjectivesPerSource,
			},
			Cost: correspondence.CostParams{
				Alpha:               c.Matching.Alpha,
				Beta:                c.Matching.Beta,
				AngleCostResolution: c.Matching.AngleCostResolution,
			},
			TessellationLevel: c.Matching.TessellationLevel,
		},
		NumCores:           c.Processing.NumCores,
		FixelWarnThreshold: c.Matching.FixelWarnThreshold,
		CostImage:          c.Output.CostImage != "",
		Remapped:           c.Output.RemappedDir != "",
	}, nil
}
