// Package config provides configuration loading and management for lungseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"lungseg/pkg/floodfill"
	"lungseg/pkg/segmentation"
	"lungseg/pkg/visualization"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Segmentation parameters
	Segmentation struct {
		// LungThreshold is the minimum intensity joining the primary fill
		LungThreshold int `yaml:"lungThreshold"`

		// PreserveVessels rescales unfilled voxels instead of discarding them,
		// so bright structures disconnected from the body stay in the mask
		PreserveVessels bool `yaml:"preserveVessels"`

		// StackRatio sizes the flood fill stack as a fraction of the voxel count
		StackRatio float64 `yaml:"stackRatio"`

		// AirwayFillMargin is added to the darkest lumen intensity to get the
		// highest intensity joining the airway fill
		AirwayFillMargin int `yaml:"airwayFillMargin"`
	} `yaml:"segmentation"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save a slice after every stage
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is where stage snapshots are written
		IntermediaryDir string `yaml:"intermediaryDir"`

		// SliceFormat is the image format for exported slices (tiff, bmp, jpg)
		SliceFormat string `yaml:"sliceFormat"`

		// ExtractSlices exports the final volume along all three axes
		ExtractSlices bool `yaml:"extractSlices"`

		// SlicesDir is where exported slices are written
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Debug enables debug level text logging instead of JSON at info level
		Debug bool `yaml:"debug"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Segmentation.LungThreshold = segmentation.DefaultLungThreshold
	cfg.Segmentation.PreserveVessels = true
	cfg.Segmentation.StackRatio = floodfill.DefaultStackRatio
	cfg.Segmentation.AirwayFillMargin = segmentation.DefaultAirwayFillMargin

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.SliceFormat = string(visualization.FormatTIFF)
	cfg.Output.ExtractSlices = false
	cfg.Output.SlicesDir = "segmented_slices"

	cfg.Logging.Debug = false

	return cfg
}

// Validate checks that every value is within its usable range
func (c *Config) Validate() error {
	if c.Segmentation.LungThreshold < 1 || c.Segmentation.LungThreshold > 254 {
		return fmt.Errorf("lungThreshold must be between 1 and 254, got %d", c.Segmentation.LungThreshold)
	}
	if c.Segmentation.StackRatio <= 0 || c.Segmentation.StackRatio > 4 {
		return fmt.Errorf("stackRatio must be in (0, 4], got %g", c.Segmentation.StackRatio)
	}
	if c.Segmentation.AirwayFillMargin < 0 || c.Segmentation.AirwayFillMargin > 254 {
		return fmt.Errorf("airwayFillMargin must be between 0 and 254, got %d", c.Segmentation.AirwayFillMargin)
	}
	if _, err := visualization.ParseFormat(c.Output.SliceFormat); err != nil {
		return err
	}
	return nil
}

// Params converts the configuration into pipeline parameters.
// Logger and Progress are left for the caller to set.
func (c *Config) Params() (*segmentation.Params, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	format, _ := visualization.ParseFormat(c.Output.SliceFormat)

	params := segmentation.DefaultParams()
	params.LungThreshold = byte(c.Segmentation.LungThreshold)
	params.PreserveVessels = c.Segmentation.PreserveVessels
	params.StackRatio = c.Segmentation.StackRatio
	params.AirwayFillMargin = byte(c.Segmentation.AirwayFillMargin)
	if c.Output.SaveIntermediaryResults {
		params.IntermediaryDir = c.Output.IntermediaryDir
		params.SnapshotFormat = format
	}
	return params, nil
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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
