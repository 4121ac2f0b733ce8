package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
)

const (
	// EnvConfigPath overrides the config file location.
	EnvConfigPath     = "MOSAICSTACK_CONFIG"
	DefaultConfigPath = "~/.config/mosaicstack/config.json"

	defaultWorkers  = 1
	defaultTileSize = 4096
	defaultMargin   = 256
)

// Config holds user-editable settings for stacking runs.
type Config struct {
	Processing Processing `json:"processing" toml:"processing"`
	Tiling     Tiling     `json:"tiling" toml:"tiling"`
	Stack      Stack      `json:"stack" toml:"stack"`
	Logging    Logging    `json:"logging" toml:"logging"`
	Paths      Paths      `json:"paths" toml:"paths"`
	Server     Server     `json:"server" toml:"server"`
	Publish    Publish    `json:"publish" toml:"publish"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers     int      `json:"workers" toml:"workers"`
	UnitTimeout Duration `json:"unit_timeout" toml:"unit_timeout"`
}

// Tiling sets the output grid geometry in mosaic pixels.
type Tiling struct {
	TileSize int `json:"tile_size" toml:"tile_size"`
	Margin   int `json:"margin" toml:"margin"`
}

// Stack selects what gets stacked and how.
type Stack struct {
	Rerun      string `json:"rerun" toml:"rerun"`
	Instrument string `json:"instrument" toml:"instrument"`
	Program    string `json:"program" toml:"program"`
	Filter     string `json:"filter" toml:"filter"`
	DateObs    string `json:"date_obs,omitempty" toml:"date_obs"`
	// StackID defaults to the first pointing of the query.
	StackID          string    `json:"stack_id,omitempty" toml:"stack_id"`
	EnablePsfMatch   bool      `json:"enable_psf_match" toml:"enable_psf_match"`
	FileIO           bool      `json:"file_io" toml:"file_io"`
	ClipSigma        float64   `json:"clip_sigma" toml:"clip_sigma"`
	ClipIterations   int       `json:"clip_iterations" toml:"clip_iterations"`
	DestWCS          *geom.WCS `json:"dest_wcs,omitempty" toml:"dest_wcs"`
	DestWCSFile      string    `json:"dest_wcs_file,omitempty" toml:"dest_wcs_file"`
	PixelScale       float64   `json:"pixel_scale,omitempty" toml:"pixel_scale"`
	WriteBatchScript bool      `json:"write_batch_script" toml:"write_batch_script"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" toml:"level"`             // debug, info, warn, error
	Format     string `json:"format" toml:"format"`           // text, json
	FileOutput bool   `json:"file_output" toml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" toml:"log_dir"`
}

// Paths configures default input/output locations.
type Paths struct {
	WorkDirRoot  string `json:"work_dir_root" toml:"work_dir_root"`
	WorkDir      string `json:"work_dir,omitempty" toml:"work_dir"`
	RegistryPath string `json:"registry_path" toml:"registry_path"`
	DatabasePath string `json:"database_path" toml:"database_path"`
}

// Server configures the status endpoints.
type Server struct {
	HTTPAddr string `json:"http_addr" toml:"http_addr"`
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
}

// Publish configures upload of the final mosaic.
type Publish struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Bucket   string `json:"bucket" toml:"bucket"`
	Prefix   string `json:"prefix" toml:"prefix"`
	Region   string `json:"region" toml:"region"`
	Endpoint string `json:"endpoint,omitempty" toml:"endpoint"`
}

// Duration reads "90s" style strings from either format.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Path returns the config file location in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads path, which may be JSON or (with a .toml suffix) TOML. A
// missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(expanded), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			Workers: defaultWorkers,
		},
		Tiling: Tiling{
			TileSize: defaultTileSize,
			Margin:   defaultMargin,
		},
		Stack: Stack{
			Instrument:     "hsc",
			EnablePsfMatch: true,
			FileIO:         true,
			ClipSigma:      3.0,
			ClipIterations: 3,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			WorkDirRoot:  ".",
			RegistryPath: "registry.sqlite3",
			DatabasePath: filepath.Join(os.TempDir(), "mosaicstack.db"),
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
		Publish: Publish{
			Region: "us-east-1",
		},
	}
}

// Validate checks the settings a run depends on. Failures are
// *mosaic.ConfigError.
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return mosaic.ConfigErrorf("processing.workers", "must be at least 1, got %d", c.Processing.Workers)
	}
	if c.Processing.UnitTimeout.Duration < 0 {
		return mosaic.ConfigErrorf("processing.unit_timeout", "must not be negative")
	}
	if c.Tiling.TileSize <= 0 {
		return mosaic.ConfigErrorf("tiling.tile_size", "must be positive, got %d", c.Tiling.TileSize)
	}
	if c.Tiling.Margin < 0 || c.Tiling.Margin >= c.Tiling.TileSize {
		return mosaic.ConfigErrorf("tiling.margin", "must be in [0, %d), got %d", c.Tiling.TileSize, c.Tiling.Margin)
	}
	if _, err := ParseInstrument(c.Stack.Instrument); err != nil {
		return err
	}
	for field, v := range map[string]string{
		"stack.rerun":   c.Stack.Rerun,
		"stack.program": c.Stack.Program,
		"stack.filter":  c.Stack.Filter,
	} {
		if strings.TrimSpace(v) == "" {
			return mosaic.ConfigErrorf(field, "is required")
		}
	}
	if c.Stack.ClipSigma <= 0 {
		return mosaic.ConfigErrorf("stack.clip_sigma", "must be positive")
	}
	if c.Stack.ClipIterations < 0 {
		return mosaic.ConfigErrorf("stack.clip_iterations", "must not be negative")
	}
	if c.Stack.PixelScale < 0 {
		return mosaic.ConfigErrorf("stack.pixel_scale", "must not be negative")
	}
	if c.Stack.DestWCS != nil && !c.Stack.DestWCS.Valid() {
		return mosaic.ConfigErrorf("stack.dest_wcs", "matrix is singular")
	}
	if c.Publish.Enabled && c.Publish.Bucket == "" {
		return mosaic.ConfigErrorf("publish.bucket", "is required when publishing")
	}
	return nil
}

// WorkDir is the run's working directory: the explicit override, or
// <work_dir_root>/<program>/<filter>.
func (c *Config) WorkDir() (string, error) {
	if c.Paths.WorkDir != "" {
		return expandUser(c.Paths.WorkDir)
	}
	root, err := expandUser(c.Paths.WorkDirRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, c.Stack.Program, c.Stack.Filter), nil
}

// LoadDestWCS resolves the destination WCS override, reading DestWCSFile
// when set.
func (c *Config) LoadDestWCS() (*geom.WCS, error) {
	if c.Stack.DestWCSFile == "" {
		return c.Stack.DestWCS, nil
	}
	path, err := expandUser(c.Stack.DestWCSFile)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mosaic.ConfigErrorf("stack.dest_wcs_file", "%v", err)
	}
	var w geom.WCS
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err = toml.Decode(string(data), &w)
	} else {
		err = json.Unmarshal(data, &w)
	}
	if err != nil {
		return nil, mosaic.ConfigErrorf("stack.dest_wcs_file", "%v", err)
	}
	if !w.Valid() {
		return nil, mosaic.ConfigErrorf("stack.dest_wcs_file", "matrix is singular")
	}
	return &w, nil
}

// ExpandUser replaces a leading ~ with the home directory.
func ExpandUser(path string) (string, error) { return expandUser(path) }

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
