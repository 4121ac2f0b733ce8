package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"mosaicstack/internal/mosaic"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Stack.Rerun = "cosmos"
	cfg.Stack.Program = "COSMOS"
	cfg.Stack.Filter = "HSC-I"
	return cfg
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Tiling.TileSize != 4096 || cfg.Tiling.Margin != 256 || cfg.Processing.Workers != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"processing":{"workers":8,"unit_timeout":"90s"},"stack":{"instrument":"sc","program":"SXDS","filter":"W-S-Z+"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Processing.Workers != 8 || cfg.Processing.UnitTimeout.Duration != 90*time.Second {
		t.Fatalf("processing = %+v", cfg.Processing)
	}
	// Untouched sections keep their defaults.
	if cfg.Tiling.TileSize != 4096 || cfg.Stack.ClipSigma != 3 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Tiling, cfg.Stack)
	}
	inst, err := ParseInstrument(cfg.Stack.Instrument)
	if err != nil || inst != InstrumentSuprimeCam || inst.NumCCDs() != 10 {
		t.Fatalf("instrument = %v, %v", inst, err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[tiling]
tile_size = 2048
margin = 128

[stack]
instrument = "hsc"
enable_psf_match = false

[stack.dest_wcs]
crpix = [0.0, 0.0]
crval = [150.0, 2.0]
cd = [[-0.0000466, 0.0], [0.0, 0.0000466]]

[processing]
unit_timeout = "5m"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Tiling.TileSize != 2048 || cfg.Tiling.Margin != 128 {
		t.Fatalf("tiling = %+v", cfg.Tiling)
	}
	if cfg.Stack.EnablePsfMatch {
		t.Fatal("enable_psf_match should be false")
	}
	if cfg.Stack.DestWCS == nil || cfg.Stack.DestWCS.CRVal[0] != 150 || !cfg.Stack.DestWCS.Valid() {
		t.Fatalf("dest wcs = %+v", cfg.Stack.DestWCS)
	}
	if cfg.Processing.UnitTimeout.Duration != 5*time.Minute {
		t.Fatalf("unit timeout = %v", cfg.Processing.UnitTimeout)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*Config){
		"instrument": func(c *Config) { c.Stack.Instrument = "decam" },
		"margin":     func(c *Config) { c.Tiling.Margin = c.Tiling.TileSize },
		"tile size":  func(c *Config) { c.Tiling.TileSize = 0 },
		"workers":    func(c *Config) { c.Processing.Workers = 0 },
		"program":    func(c *Config) { c.Stack.Program = "" },
		"rerun":      func(c *Config) { c.Stack.Rerun = " " },
		"publish":    func(c *Config) { c.Publish.Enabled = true },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		if err := cfg.Validate(); !mosaic.IsConfigError(err) {
			t.Fatalf("%s: expected config error, got %v", name, err)
		}
	}
}

func TestWorkDir(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.WorkDirRoot = "/data/stack"
	dir, err := cfg.WorkDir()
	if err != nil || dir != filepath.Join("/data/stack", "COSMOS", "HSC-I") {
		t.Fatalf("WorkDir = %s, %v", dir, err)
	}
	cfg.Paths.WorkDir = "/scratch/run1"
	if dir, _ := cfg.WorkDir(); dir != "/scratch/run1" {
		t.Fatalf("explicit work dir ignored: %s", dir)
	}
}

func TestLoadDestWCSFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wcs.json")
	os.WriteFile(path, []byte(`{"crpix":[10,10],"crval":[34.5,-5.1],"cd":[[-0.0001,0],[0,0.0001]]}`), 0o644)
	cfg := validConfig()
	cfg.Stack.DestWCSFile = path
	w, err := cfg.LoadDestWCS()
	if err != nil {
		t.Fatalf("LoadDestWCS: %v", err)
	}
	if w.CRPix[0] != 10 || w.CRVal[1] != -5.1 {
		t.Fatalf("wcs = %+v", w)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"cd":[[0,0],[0,0]]}`), 0o644)
	cfg.Stack.DestWCSFile = bad
	if _, err := cfg.LoadDestWCS(); !mosaic.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestInstrumentAliases(t *testing.T) {
	for _, name := range []string{"suprimecam", "Suprime-Cam", "SC"} {
		inst, err := ParseInstrument(name)
		if err != nil || inst != InstrumentSuprimeCam {
			t.Fatalf("%s: %v %v", name, inst, err)
		}
	}
	inst, _ := ParseInstrument("HSC")
	if inst.NumCCDs() != 100 || inst.Mapper() != "hscsim" {
		t.Fatalf("hsc = %d %s", inst.NumCCDs(), inst.Mapper())
	}
}
