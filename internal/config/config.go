package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/spare/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Filters    []string   `json:"filters" yaml:"filters" env:"SPARE_FILTERS" envSeparator:","`
	Images     Images     `json:"images" yaml:"images"`
	Catalogs   Catalogs   `json:"catalogs" yaml:"catalogs"`
	Output     Output     `json:"output" yaml:"output"`
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Blob       Blob       `json:"blob" yaml:"blob"`
	Fit        Fit        `json:"fit" yaml:"fit"`
	Replace    Replace    `json:"replace" yaml:"replace"`
}

// Images locates the full-frame rasters. In the filename patterns '?' is
// replaced by the filter name; files live in Folder/<filter>/.
type Images struct {
	Folder        string `json:"folder" yaml:"folder"`
	ValueFilename string `json:"value_filename" yaml:"value_filename"`
	ErrorFilename string `json:"error_filename" yaml:"error_filename"`
}

// Catalogs locates the size catalog and the segmentation map.
type Catalogs struct {
	Folder  string `json:"folder" yaml:"folder"`
	SizeCat string `json:"size_cat" yaml:"size_cat"`
	Segmap  string `json:"segmap" yaml:"segmap"`
}

type Output struct {
	Folder string `json:"folder" yaml:"folder" env:"SPARE_OUTPUT_FOLDER"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs" env:"SPARE_PARALLEL_JOBS"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level" env:"SPARE_LOG_LEVEL"` // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`                     // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"`           // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`                   // Directory for log files
}

// Blob selects where object bundles are stored.
type Blob struct {
	Driver    string `json:"driver" yaml:"driver" env:"SPARE_BLOB_DRIVER"` // fs, s3, memory
	Bucket    string `json:"bucket" yaml:"bucket" env:"SPARE_S3_BUCKET"`
	Region    string `json:"region" yaml:"region" env:"SPARE_S3_REGION"`
	Endpoint  string `json:"endpoint" yaml:"endpoint" env:"SPARE_S3_ENDPOINT"`
	PathStyle bool   `json:"path_style" yaml:"path_style" env:"SPARE_S3_PATH_STYLE"`
	Prefix    string `json:"prefix" yaml:"prefix"`
}

// Fit configures how fit output is read back and aggregated.
type Fit struct {
	NoFitValue         float64    `json:"no_fit_value" yaml:"no_fit_value"`
	Percentiles        [2]float64 `json:"percentiles" yaml:"percentiles"`
	ConfidenceInterval float64    `json:"confidence_interval" yaml:"confidence_interval"`
	ErrorMarker        string     `json:"error_marker" yaml:"error_marker"`
	OutputFile         string     `json:"output_file" yaml:"output_file"`
}

// Replace configures the unused-pixel substitution applied before saving objects.
type Replace struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Unused      float64 `json:"unused" yaml:"unused"`
	Replacement float64 `json:"replacement" yaml:"replacement"`
	Using       string  `json:"using" yaml:"using"` // values, errors
}

// Path returns the config file location: SPARE_CONFIG or the default.
func Path() string {
	if p := os.Getenv("SPARE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to defaults, then applies
// SPARE_* environment overrides.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load for an explicit path. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := decode(expanded, data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", expanded, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// Validate checks the settings the pipeline depends on.
func (c *Config) Validate() error {
	var problems []string
	if len(c.Filters) == 0 {
		problems = append(problems, "filters: at least one filter required")
	}
	seen := make(map[string]bool, len(c.Filters))
	for _, f := range c.Filters {
		if f == "" {
			problems = append(problems, "filters: empty filter name")
		}
		if seen[f] {
			problems = append(problems, fmt.Sprintf("filters: duplicate %s", f))
		}
		seen[f] = true
	}
	p := c.Fit.Percentiles
	if !(p[0] > 0 && p[0] < p[1] && p[1] < 100) {
		problems = append(problems, fmt.Sprintf("fit.percentiles: want two ascending values in (0, 100), got %v", p))
	}
	if c.Fit.ConfidenceInterval <= 0 {
		problems = append(problems, "fit.confidence_interval: must be positive")
	}
	if c.Fit.ErrorMarker == "" {
		problems = append(problems, "fit.error_marker: required")
	}
	if c.Replace.Using != "values" && c.Replace.Using != "errors" {
		problems = append(problems, fmt.Sprintf("replace.using: want values or errors, got %q", c.Replace.Using))
	}
	if c.Processing.ParallelJobs < 1 {
		problems = append(problems, "processing.parallel_jobs: must be at least 1")
	}
	if c.Output.Folder == "" {
		problems = append(problems, "output.folder: required")
	}
	switch c.Blob.Driver {
	case "", "fs", "memory":
	case "s3":
		if c.Blob.Bucket == "" {
			problems = append(problems, "blob.bucket: required for s3 driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("blob.driver: unknown %q", c.Blob.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ImagePaths returns the value and error raster paths of filter.
func (c *Config) ImagePaths(filter string) (values, errors string) {
	dir := filepath.Join(c.Images.Folder, filter)
	return filepath.Join(dir, strings.ReplaceAll(c.Images.ValueFilename, "?", filter)),
		filepath.Join(dir, strings.ReplaceAll(c.Images.ErrorFilename, "?", filter))
}

func (c *Config) SizeCatalogPath() string { return filepath.Join(c.Catalogs.Folder, c.Catalogs.SizeCat) }
func (c *Config) SegmapPath() string      { return filepath.Join(c.Catalogs.Folder, c.Catalogs.Segmap) }

// WriteFile stores the effective configuration as indented JSON.
func (c *Config) WriteFile(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func defaultConfig() *Config {
	return &Config{
		Images: Images{
			Folder:        "./images",
			ValueFilename: "?_sci.npy",
			ErrorFilename: "?_err.npy",
		},
		Catalogs: Catalogs{
			Folder:  "./catalogs",
			SizeCat: "size.csv",
			Segmap:  "segmap.npy",
		},
		Output: Output{Folder: "./output"},
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Blob: Blob{Driver: "fs", Region: "us-east-1"},
		Fit: Fit{
			NoFitValue:         -1,
			Percentiles:        [2]float64{16, 84},
			ConfidenceInterval: 2,
			ErrorMarker:        "E",
			OutputFile:         "fit_data.npz",
		},
		Replace: Replace{
			Unused:      0,
			Replacement: -9999,
			Using:       "errors",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
