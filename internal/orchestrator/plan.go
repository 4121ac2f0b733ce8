package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mosaicstack/internal/config"
	"mosaicstack/internal/geom"
	"mosaicstack/internal/mosaic"
)

const (
	PlanFileName    = "plan.json"
	BatchScriptName = "run_tiles.sh"
)

// ErrNoPlan is returned by the partial entry points when Init has not run
// in the working directory.
var ErrNoPlan = errors.New("no plan in working directory; run init first")

// Plan is everything Init decides, persisted so that direct exec and
// standalone end runs see the same grid and frames.
type Plan struct {
	StackID    string                      `json:"stack_id"`
	Instrument string                      `json:"instrument"`
	Rerun      string                      `json:"rerun"`
	Program    string                      `json:"program"`
	Filter     string                      `json:"filter"`
	DateObs    string                      `json:"date_obs,omitempty"`
	WorkDir    string                      `json:"work_dir"`
	MosaicWCS  geom.WCS                    `json:"mosaic_wcs"`
	Grid       mosaic.Grid                 `json:"grid"`
	Frames     []mosaic.Frame              `json:"frames"`
	Footprints map[mosaic.FrameID]geom.Box `json:"footprints"`
	Rejected   []mosaic.FrameRejection     `json:"rejected,omitempty"`
	CreatedAt  time.Time                   `json:"created_at"`

	// Run options fixed at Init; exec and end follow these rather than
	// their own flags.
	PsfMatch bool `json:"psf_match"`
	FileIO   bool `json:"file_io"`

	// Filled once the seeing round has run.
	Measured bool                                     `json:"measured"`
	Seeing   map[mosaic.FrameID]mosaic.SeeingEstimate `json:"seeing,omitempty"`
	Kernel   *mosaic.PsfMatchKernel                   `json:"kernel,omitempty"`
}

// Selection rebuilds the frame selection for the full grid.
func (p *Plan) Selection() mosaic.Selection {
	return mosaic.Selection{Frames: p.Frames, Footprints: p.Footprints}
}

// SeeingOf returns the recorded estimate for id, or SeeingUndefined.
func (p *Plan) SeeingOf(id mosaic.FrameID) mosaic.SeeingEstimate {
	if v, ok := p.Seeing[id]; ok {
		return v
	}
	return mosaic.SeeingUndefined
}

// SavePlan writes plan.json atomically.
func SavePlan(dir string, p *Plan) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".plan-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, PlanFileName)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// LoadPlan reads plan.json from dir.
func LoadPlan(dir string) (*Plan, error) {
	b, err := os.ReadFile(filepath.Join(dir, PlanFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoPlan)
	}
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PlanFileName, err)
	}
	return &p, nil
}

// WriteBatchScript writes a shell script that runs every tile as its own
// exec invocation followed by the end step, for submission to a batch
// scheduler. Every line carries the options the plan was made with.
func WriteBatchScript(dir, binary, configPath string, p *Plan, proc config.Processing) (string, error) {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&sb, "# stack %s: %s %s, %dx%d tiles\n", p.StackID, p.Program, p.Filter, p.Grid.NX, p.Grid.NY)
	sb.WriteString("set -e\n")
	if configPath != "" {
		fmt.Fprintf(&sb, "export MOSAICSTACK_CONFIG=%s\n", shellQuote(configPath))
	}
	common := fmt.Sprintf("--work-dir %s --rerun %s --instrument %s --program %s --filter %s --match-psf=%t --file-io=%t --workers %d --unit-timeout %s",
		shellQuote(dir), shellQuote(p.Rerun), shellQuote(p.Instrument), shellQuote(p.Program), shellQuote(p.Filter),
		p.PsfMatch, p.FileIO, proc.Workers, proc.UnitTimeout.Duration)
	for _, c := range p.Grid.Coords() {
		fmt.Fprintf(&sb, "%s exec %d %d %s\n", binary, c.IX, c.IY, common)
	}
	fmt.Fprintf(&sb, "%s end %s\n", binary, common)

	path := filepath.Join(dir, BatchScriptName)
	if err := os.WriteFile(path, []byte(sb.String()), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
