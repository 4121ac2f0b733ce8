package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mosaicstack/internal/mosaic"
)

// FrameFailure records a frame excluded from the run.
type FrameFailure struct {
	Frame  mosaic.FrameID `json:"frame"`
	Phase  State          `json:"phase"`
	Reason string         `json:"reason"`
}

// TileFailure records a tile that could not be produced.
type TileFailure struct {
	Coord  mosaic.TileCoord `json:"coord"`
	Reason string           `json:"reason"`
}

// Report is returned by every entry point, including failed runs.
type Report struct {
	RunID        string                 `json:"run_id"`
	Mode         string                 `json:"mode"`
	StackID      string                 `json:"stack_id"`
	WorkDir      string                 `json:"work_dir"`
	State        State                  `json:"state"`
	Grid         mosaic.Grid            `json:"grid"`
	Frames       int                    `json:"frames"`
	Kernel       *mosaic.PsfMatchKernel `json:"kernel,omitempty"`
	TilesDone    []mosaic.TileCoord     `json:"tiles_done,omitempty"`
	FailedFrames []FrameFailure         `json:"failed_frames,omitempty"`
	FailedTiles  []TileFailure          `json:"failed_tiles,omitempty"`
	MissingTiles []mosaic.TileCoord     `json:"missing_tiles,omitempty"`
	MosaicPath   string                 `json:"mosaic_path,omitempty"`
	MosaicBytes  int64                  `json:"mosaic_bytes,omitempty"`
	PublishedURI string                 `json:"published_uri,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Started      time.Time              `json:"started"`
	Finished     time.Time              `json:"finished"`

	// Mosaic holds the assembled image when file output is disabled.
	Mosaic *mosaic.Image `json:"-"`
}

// Hints lists the commands that would complete a failed run: one exec per
// failed or missing tile, then end.
func (r *Report) Hints(binary string) []string {
	seen := make(map[mosaic.TileCoord]bool)
	var coords []mosaic.TileCoord
	for _, f := range r.FailedTiles {
		if !seen[f.Coord] {
			seen[f.Coord] = true
			coords = append(coords, f.Coord)
		}
	}
	for _, c := range r.MissingTiles {
		if !seen[c] {
			seen[c] = true
			coords = append(coords, c)
		}
	}
	if len(coords) == 0 {
		return nil
	}
	wd := ""
	if r.WorkDir != "" {
		wd = " --work-dir " + shellQuote(r.WorkDir)
	}
	out := make([]string, 0, len(coords)+1)
	for _, c := range coords {
		out = append(out, fmt.Sprintf("%s exec %d %d%s", binary, c.IX, c.IY, wd))
	}
	out = append(out, fmt.Sprintf("%s end%s", binary, wd))
	return out
}

// Summary is a one-line description for logs.
func (r *Report) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "run %s (%s) stack %s: %s", r.RunID, r.Mode, r.StackID, r.State)
	fmt.Fprintf(&sb, ", %d frames, %d/%d tiles", r.Frames, len(r.TilesDone), r.Grid.Count())
	if n := len(r.FailedFrames); n > 0 {
		fmt.Fprintf(&sb, ", %d failed frames", n)
	}
	if n := len(r.FailedTiles); n > 0 {
		fmt.Fprintf(&sb, ", %d failed tiles", n)
	}
	if n := len(r.MissingTiles); n > 0 {
		fmt.Fprintf(&sb, ", %d missing tiles", n)
	}
	if r.MosaicPath != "" {
		fmt.Fprintf(&sb, ", mosaic %s", r.MosaicPath)
		if r.MosaicBytes > 0 {
			fmt.Fprintf(&sb, " (%s)", humanize.Bytes(uint64(r.MosaicBytes)))
		}
	}
	if !r.Finished.IsZero() {
		fmt.Fprintf(&sb, " in %s", r.Finished.Sub(r.Started).Round(time.Millisecond))
	}
	return sb.String()
}
