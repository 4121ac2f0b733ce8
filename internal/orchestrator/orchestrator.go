package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"mosaicstack/internal/config"
	"mosaicstack/internal/dispatch"
	"mosaicstack/internal/fsutil"
	"mosaicstack/internal/geom"
	"mosaicstack/internal/logging"
	"mosaicstack/internal/metrics"
	"mosaicstack/internal/mosaic"
	"mosaicstack/internal/registry"
	"mosaicstack/internal/stacker"
	"mosaicstack/internal/storage"
)

const (
	ModeFull = "full"
	ModeInit = "init"
	ModeExec = "exec"
	ModeEnd  = "end"

	DefaultBinary = "mosaicstack"
)

// TileExecutor stacks a single tile into sink.
type TileExecutor interface {
	Execute(ctx context.Context, req stacker.Request, sink mosaic.TileSink) (stacker.Result, error)
}

// Publisher uploads the finished mosaic and returns its URI.
type Publisher interface {
	Publish(ctx context.Context, path, key string) (string, error)
}

// Deps are the collaborators of an Orchestrator. Repo is only needed by
// Init and Run. Store overrides the tile store the run would otherwise pick
// (a FileStore in the working directory when file I/O is on).
type Deps struct {
	Repo      registry.Repository
	Codec     mosaic.ImageCodec
	Measurer  mosaic.SeeingMeasurer
	Executor  TileExecutor
	Store     mosaic.TileStore
	Ledger    *storage.Store
	Logger    *slog.Logger
	Hub       *Hub
	Publisher Publisher
	// Binary is the command name written into batch scripts and hints.
	Binary string
}

// Orchestrator drives a stacking run through its phases.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
}

// New validates the configuration and returns an Orchestrator.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, mosaic.ConfigErrorf("", "missing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Codec == nil {
		return nil, errors.New("orchestrator: image codec is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("orchestrator: tile executor is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Binary == "" {
		deps.Binary = DefaultBinary
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// Hub returns the event hub, which may be nil.
func (o *Orchestrator) Hub() *Hub { return o.deps.Hub }

// run is the bookkeeping of a single entry point call.
type run struct {
	o      *Orchestrator
	state  State
	report *Report
	log    *slog.Logger
}

func (o *Orchestrator) begin(mode string) *run {
	id := uuid.NewString()
	r := &run{
		o:     o,
		state: StateInit,
		report: &Report{
			RunID:   id,
			Mode:    mode,
			State:   StateInit,
			Started: time.Now(),
		},
		log: o.log.With("run_id", id),
	}
	if wd, err := o.cfg.WorkDir(); err == nil {
		r.report.WorkDir = wd
	}
	cfgJSON, _ := json.Marshal(o.cfg)
	_ = o.deps.Ledger.RecordRunStart(storage.RunRecord{
		ID:         id,
		Mode:       mode,
		State:      string(StateInit),
		WorkDir:    r.report.WorkDir,
		ConfigJSON: string(cfgJSON),
	})
	metrics.RecordPhase(string(StateInit))
	o.deps.Hub.Publish(Event{RunID: id, Type: EventPhase, State: StateInit})
	r.log.Info("stack run started", "mode", mode, "start", r.report.Started.Format(time.RFC3339))
	return r
}

// advance moves the run to the next state and records it everywhere.
func (r *run) advance(to State, errMsg string) error {
	if err := transition(r.state, to); err != nil {
		return err
	}
	from := r.state
	r.state = to
	r.report.State = to
	_ = r.o.deps.Ledger.RecordRunState(r.report.RunID, string(to), to.IsTerminal(), errMsg)
	metrics.RecordPhase(string(to))
	logging.LogPhase(r.log, r.report.RunID, string(from), string(to), nil)
	r.o.deps.Hub.Publish(Event{RunID: r.report.RunID, Type: EventPhase, State: to, Error: errMsg})
	return nil
}

// finish ends the run in Done, or in Aborted when err is non-nil.
func (r *run) finish(err error) (*Report, error) {
	if err == nil {
		err = r.advance(StateDone, "")
	}
	if err != nil {
		r.report.Error = err.Error()
		if !r.state.IsTerminal() {
			_ = r.advance(StateAborted, err.Error())
		}
	}
	r.report.Finished = time.Now()
	r.log.Info("stack run finished",
		"state", string(r.report.State),
		"end", r.report.Finished.Format(time.RFC3339),
		"elapsed", r.report.Finished.Sub(r.report.Started).Round(time.Millisecond).String())
	if err != nil {
		return r.report, err
	}
	return r.report, nil
}

// Run executes the full pipeline: Init, WarpMeasure (when PSF matching is
// on), Exec over every tile, End.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	r := o.begin(ModeFull)
	plan, err := o.initPlan(ctx, r)
	if err != nil {
		return r.finish(err)
	}
	if plan.PsfMatch {
		if err := r.advance(StateWarpMeasure, ""); err != nil {
			return r.finish(err)
		}
		if err := o.measure(ctx, r, plan); err != nil {
			return r.finish(err)
		}
	}
	if err := r.advance(StateExec, ""); err != nil {
		return r.finish(err)
	}
	store, err := o.tileStore(plan, true)
	if err != nil {
		return r.finish(err)
	}
	done, err := o.execTiles(ctx, r, plan, plan.Grid.Coords(), store)
	if err != nil {
		return r.finish(err)
	}
	if err := r.advance(StateEnd, ""); err != nil {
		return r.finish(err)
	}
	// Tiles left over from earlier runs are not mixed into this mosaic.
	src := &producedSource{src: store, done: done}
	return r.finish(o.assemble(ctx, r, plan, src))
}

// Init stages the run without stacking anything. When it writes a batch
// script with PSF matching on, it also runs the seeing round so that every
// exec line of the script finds the kernel recorded in the plan.
func (o *Orchestrator) Init(ctx context.Context) (*Report, error) {
	r := o.begin(ModeInit)
	plan, err := o.initPlan(ctx, r)
	if err != nil {
		return r.finish(err)
	}
	if plan.PsfMatch && o.cfg.Stack.WriteBatchScript {
		if err := r.advance(StateWarpMeasure, ""); err != nil {
			return r.finish(err)
		}
		if err := o.measure(ctx, r, plan); err != nil {
			return r.finish(err)
		}
	}
	return r.finish(nil)
}

// DirectExec stacks a single tile from the persisted plan.
func (o *Orchestrator) DirectExec(ctx context.Context, c mosaic.TileCoord) (*Report, error) {
	r := o.begin(ModeExec)
	plan, err := o.loadPlan(r)
	if err != nil {
		return r.finish(err)
	}
	if !plan.Grid.Contains(c) {
		return r.finish(mosaic.ConfigErrorf("tile", "%s outside %dx%d grid", c, plan.Grid.NX, plan.Grid.NY))
	}
	store, err := o.tileStore(plan, false)
	if err != nil {
		return r.finish(err)
	}
	if plan.PsfMatch && !plan.Measured {
		if err := r.advance(StateWarpMeasure, ""); err != nil {
			return r.finish(err)
		}
		if err := o.measure(ctx, r, plan); err != nil {
			return r.finish(err)
		}
	}
	if err := r.advance(StateExec, ""); err != nil {
		return r.finish(err)
	}
	if _, err := o.execTiles(ctx, r, plan, []mosaic.TileCoord{c}, store); err != nil {
		return r.finish(err)
	}
	if len(r.report.FailedTiles) > 0 {
		return r.finish(fmt.Errorf("tile %s: %s", c, r.report.FailedTiles[0].Reason))
	}
	return r.finish(nil)
}

// End assembles the mosaic from tiles already in the store.
func (o *Orchestrator) End(ctx context.Context) (*Report, error) {
	r := o.begin(ModeEnd)
	plan, err := o.loadPlan(r)
	if err != nil {
		return r.finish(err)
	}
	store, err := o.tileStore(plan, false)
	if err != nil {
		return r.finish(err)
	}
	if err := r.advance(StateEnd, ""); err != nil {
		return r.finish(err)
	}
	return r.finish(o.assemble(ctx, r, plan, store))
}

// LoadPlan reads the persisted plan for the configured working directory.
func (o *Orchestrator) LoadPlan() (*Plan, error) {
	wd, err := o.cfg.WorkDir()
	if err != nil {
		return nil, err
	}
	return LoadPlan(wd)
}

func (o *Orchestrator) loadPlan(r *run) (*Plan, error) {
	plan, err := o.LoadPlan()
	if err != nil {
		return nil, err
	}
	r.report.StackID = plan.StackID
	r.report.Grid = plan.Grid
	r.report.Frames = len(plan.Frames)
	r.report.Kernel = plan.Kernel
	_ = o.deps.Ledger.RecordRunStack(r.report.RunID, plan.StackID, plan.WorkDir)
	if o.cfg.Stack.EnablePsfMatch != plan.PsfMatch || o.cfg.Stack.FileIO != plan.FileIO {
		r.log.Warn("options differ from init, following the plan",
			"psf_match", plan.PsfMatch, "file_io", plan.FileIO)
	}
	return plan, nil
}

// tileStore picks where tiles go. A run that assembles in-process may keep
// tiles in memory; the partial entry points need them on disk.
func (o *Orchestrator) tileStore(plan *Plan, inProcess bool) (mosaic.TileStore, error) {
	if o.deps.Store != nil {
		return o.deps.Store, nil
	}
	if plan.FileIO {
		return mosaic.NewFileStore(plan.WorkDir, plan.StackID, o.deps.Codec), nil
	}
	if inProcess {
		return mosaic.NewMemoryStore(), nil
	}
	return nil, mosaic.ConfigErrorf("stack.file_io", "must be enabled for separate exec and end steps")
}

func (o *Orchestrator) initPlan(ctx context.Context, r *run) (*Plan, error) {
	cfg := o.cfg
	if o.deps.Repo == nil {
		return nil, errors.New("init: metadata repository is required")
	}
	inst, err := config.ParseInstrument(cfg.Stack.Instrument)
	if err != nil {
		return nil, err
	}
	destWCS, err := cfg.LoadDestWCS()
	if err != nil {
		return nil, err
	}

	q := registry.Query{
		Rerun:   cfg.Stack.Rerun,
		Field:   cfg.Stack.Program,
		Filter:  cfg.Stack.Filter,
		DateObs: cfg.Stack.DateObs,
		Mapper:  inst.Mapper(),
	}
	visits, err := o.deps.Repo.QueryVisits(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	pointings, err := o.deps.Repo.QueryPointings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query pointings: %w", err)
	}
	if len(visits) == 0 || len(pointings) == 0 {
		return nil, mosaic.ConfigErrorf("stack", "no exposures for rerun=%s program=%s filter=%s", q.Rerun, q.Field, q.Filter)
	}
	stackID := cfg.Stack.StackID
	if stackID == "" {
		stackID = pointings[0]
	}
	r.report.StackID = stackID

	workDir, err := cfg.WorkDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	r.report.WorkDir = workDir
	r.log.Info("resolving frames",
		"stack_id", stackID, "visits", len(visits), "instrument", inst.String(), "ccds", inst.NumCCDs())

	frames, err := o.resolveFrames(ctx, r, inst, q, visits)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("init: %w", geom.ErrNoFrames)
	}

	geoms := make([]geom.FrameGeometry, len(frames))
	for i, f := range frames {
		geoms[i] = f.Geometry()
	}
	unified, err := geom.BuildGrid(geoms, geom.GridOptions{DestWCS: destWCS, PixelScale: cfg.Stack.PixelScale})
	if err != nil {
		return nil, fmt.Errorf("build mosaic grid: %w", err)
	}
	for i := range frames {
		frames[i].FluxScale = unified.FluxScale[i]
	}
	grid, err := mosaic.Plan(unified.Width, unified.Height, cfg.Tiling.TileSize, cfg.Tiling.Margin)
	if err != nil {
		return nil, err
	}
	if est, err := fsutil.EstimateRun(grid, workDir, cfg.Stack.FileIO); err != nil {
		r.log.Debug("capacity check skipped", "error", err)
	} else if !est.Fits() {
		r.log.Warn("run may not fit",
			"where", est.Where,
			"required", humanize.Bytes(est.Required),
			"available", humanize.Bytes(est.Available))
	}
	sel, err := mosaic.Select(frames, grid.Coords(), grid, mosaic.LinearFootprinter{Mosaic: unified.WCS})
	if err != nil {
		return nil, err
	}
	for _, rej := range sel.Rejected {
		r.log.Warn("frame rejected", "frame", string(rej.Frame), "reason", rej.Reason)
		r.report.FailedFrames = append(r.report.FailedFrames, FrameFailure{Frame: rej.Frame, Phase: StateInit, Reason: rej.Reason})
	}

	plan := &Plan{
		StackID:    stackID,
		Instrument: inst.String(),
		Rerun:      cfg.Stack.Rerun,
		Program:    cfg.Stack.Program,
		Filter:     cfg.Stack.Filter,
		DateObs:    cfg.Stack.DateObs,
		WorkDir:    workDir,
		MosaicWCS:  unified.WCS,
		Grid:       grid,
		Frames:     sel.Frames,
		Footprints: sel.Footprints,
		Rejected:   sel.Rejected,
		CreatedAt:  time.Now().UTC(),
		PsfMatch:   cfg.Stack.EnablePsfMatch,
		FileIO:     cfg.Stack.FileIO,
	}
	if err := SavePlan(workDir, plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	if cfg.Stack.WriteBatchScript {
		path, err := WriteBatchScript(workDir, o.deps.Binary, config.Path(), plan, cfg.Processing)
		if err != nil {
			return nil, fmt.Errorf("write batch script: %w", err)
		}
		r.log.Info("batch script written", "path", path, "tiles", grid.Count())
	}

	r.report.Grid = grid
	r.report.Frames = len(plan.Frames)
	_ = o.deps.Ledger.RecordRunStack(r.report.RunID, stackID, workDir)
	r.log.Info("plan ready",
		"stack_id", stackID,
		"frames", len(plan.Frames),
		"extent", fmt.Sprintf("%dx%d", grid.Width, grid.Height),
		"tiles", fmt.Sprintf("%dx%d", grid.NX, grid.NY))
	return plan, nil
}

// resolveFrames enumerates every visit and CCD. Frames the registry does not
// know, whose file is gone, whose header cannot be read or whose WCS cannot
// place them on the sky are reported and skipped; any other registry failure
// stops the run.
func (o *Orchestrator) resolveFrames(ctx context.Context, r *run, inst config.Instrument, q registry.Query, visits []int) ([]mosaic.Frame, error) {
	var frames []mosaic.Frame
	fail := func(id mosaic.FrameID, reason string) {
		r.report.FailedFrames = append(r.report.FailedFrames, FrameFailure{Frame: id, Phase: StateInit, Reason: reason})
	}
	for _, visit := range visits {
		for ccd := 0; ccd < inst.NumCCDs(); ccd++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := mosaic.NewFrameID(visit, ccd)
			path, err := o.deps.Repo.ResolvePath(ctx, q, visit, ccd)
			if errors.Is(err, registry.ErrNotFound) {
				r.log.Debug("failed to get file", "visit", visit, "ccd", ccd)
				fail(id, "not in registry")
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", id, err)
			}
			if _, err := os.Stat(path); err != nil {
				r.log.Warn("file does not exist", "frame", string(id), "path", path)
				fail(id, "file does not exist: "+path)
				continue
			}
			info, err := o.deps.Codec.ReadInfo(path)
			if err != nil {
				r.log.Warn("unreadable frame header", "frame", string(id), "path", path, "error", err)
				fail(id, err.Error())
				continue
			}
			if reason := checkGeometry(info); reason != "" {
				r.log.Warn("unusable frame geometry", "frame", string(id), "path", path, "reason", reason)
				fail(id, reason)
				continue
			}
			frames = append(frames, mosaic.Frame{
				ID:         id,
				Path:       path,
				Instrument: inst.String(),
				Visit:      visit,
				CCD:        ccd,
				WCS:        info.WCS,
				Width:      info.Width,
				Height:     info.Height,
				FluxScale:  info.FluxScale,
			})
		}
	}
	return frames, nil
}

// checkGeometry returns why a frame header cannot be gridded, or "".
func checkGeometry(info mosaic.ImageInfo) string {
	if info.Width <= 0 || info.Height <= 0 {
		return fmt.Sprintf("invalid image size %dx%d", info.Width, info.Height)
	}
	if !info.WCS.Valid() {
		return "missing or singular WCS"
	}
	return ""
}

func (o *Orchestrator) dispatchOptions(r *run, kind string, keys []string) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithWorkers(o.cfg.Processing.Workers),
		dispatch.WithUnitTimeout(o.cfg.Processing.UnitTimeout.Duration),
		dispatch.WithObserver(func(i int, err error, d time.Duration) {
			metrics.RecordUnit(kind, err, d)
			ev := Event{RunID: r.report.RunID, Type: EventUnit, UnitKind: kind, Key: keys[i], Status: storage.StatusCompleted, Duration: d.Seconds()}
			if err != nil {
				ev.Status = storage.StatusFailed
				ev.Error = err.Error()
			}
			o.deps.Hub.Publish(ev)
		}),
	}
}

// measure runs the seeing round over every planned frame and records the
// aggregate kernel in the plan. Estimates are merged here, after the round
// has closed.
func (o *Orchestrator) measure(ctx context.Context, r *run, plan *Plan) error {
	if o.deps.Measurer == nil {
		return errors.New("psf matching enabled but no seeing measurer configured")
	}
	runID := r.report.RunID
	units := make([]WarpMeasureUnit, len(plan.Frames))
	keys := make([]string, len(plan.Frames))
	for i, f := range plan.Frames {
		units[i] = WarpMeasureUnit{Frame: f, MosaicWCS: plan.MosaicWCS}
		keys[i] = units[i].Key()
		_ = o.deps.Ledger.RecordUnitQueued(runID, storage.KindWarpMeasure, keys[i])
	}

	measurer := o.deps.Measurer
	fn := func(ctx context.Context, u WarpMeasureUnit) (mosaic.SeeingEstimate, error) {
		_ = o.deps.Ledger.RecordUnitStart(runID, storage.KindWarpMeasure, u.Key())
		logging.LogUnitStart(r.log, storage.KindWarpMeasure, u.Key(), map[string]any{"path": u.Frame.Path})
		return mosaic.MeasureOne(ctx, measurer, u.Frame, u.MosaicWCS)
	}
	outcomes := dispatch.RunAll(ctx, units, fn, o.dispatchOptions(r, storage.KindWarpMeasure, keys)...)
	if err := ctx.Err(); err != nil {
		return err
	}

	seeing := make(map[mosaic.FrameID]mosaic.SeeingEstimate, len(outcomes))
	estimates := make([]mosaic.SeeingEstimate, 0, len(outcomes))
	for _, out := range outcomes {
		u := units[out.Index]
		if out.Err != nil {
			logging.LogUnitError(r.log, storage.KindWarpMeasure, u.Key(), out.Duration, out.Err, map[string]any{"path": u.Frame.Path})
			_ = o.deps.Ledger.RecordUnitResult(runID, storage.KindWarpMeasure, u.Key(), storage.StatusFailed, nil, nil, out.Err.Error())
			r.report.FailedFrames = append(r.report.FailedFrames, FrameFailure{Frame: u.Frame.ID, Phase: StateWarpMeasure, Reason: out.Err.Error()})
			seeing[u.Frame.ID] = mosaic.SeeingUndefined
			continue
		}
		est := out.Value
		seeing[u.Frame.ID] = est
		estimates = append(estimates, est)
		var sigma *float64
		if est.Defined() {
			v := float64(est)
			sigma = &v
			metrics.RecordSeeing(v)
		}
		logging.LogUnitComplete(r.log, storage.KindWarpMeasure, u.Key(), out.Duration, map[string]any{"seeing": float64(est), "defined": est.Defined()})
		_ = o.deps.Ledger.RecordUnitResult(runID, storage.KindWarpMeasure, u.Key(), storage.StatusCompleted, sigma, nil, "")
	}

	plan.Measured = true
	plan.Seeing = seeing
	plan.Kernel = nil
	if k, ok := mosaic.Aggregate(estimates); ok {
		plan.Kernel = &k
		r.log.Info("psf match kernel",
			"sigma1", k.Sigma1, "sigma2", k.Sigma2, "width", k.Width, "peak_ratio", k.PeakRatio)
	} else {
		r.log.Warn("no seeing could be measured; stacking without psf matching", "frames", len(units))
	}
	r.report.Kernel = plan.Kernel
	_ = o.deps.Ledger.RecordKernel(runID, plan.Kernel)
	if err := SavePlan(plan.WorkDir, plan); err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}

// execTiles stacks coords into store and returns the coordinates that
// succeeded. Tile failures are recorded in the report; only cancellation
// is returned as an error.
func (o *Orchestrator) execTiles(ctx context.Context, r *run, plan *Plan, coords []mosaic.TileCoord, store mosaic.TileSink) (map[mosaic.TileCoord]bool, error) {
	var kernel *mosaic.PsfMatchKernel
	if plan.PsfMatch {
		kernel = plan.Kernel
	}
	runID := r.report.RunID
	units := buildTileUnits(plan, coords, kernel)
	keys := make([]string, len(units))
	for i, u := range units {
		keys[i] = u.Key()
		_ = o.deps.Ledger.RecordUnitQueued(runID, storage.KindTileExec, keys[i])
	}

	exec := o.deps.Executor
	fn := func(ctx context.Context, u TileExecUnit) (stacker.Result, error) {
		_ = o.deps.Ledger.RecordUnitStart(runID, storage.KindTileExec, u.Key())
		logging.LogUnitStart(r.log, storage.KindTileExec, u.Key(), map[string]any{"frames": len(u.Inputs), "bounds": u.Bounds.String()})
		return exec.Execute(ctx, u.Request(), store)
	}
	outcomes := dispatch.RunAll(ctx, units, fn, o.dispatchOptions(r, storage.KindTileExec, keys)...)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	done := make(map[mosaic.TileCoord]bool, len(outcomes))
	for _, out := range outcomes {
		u := units[out.Index]
		if out.Err != nil {
			logging.LogUnitError(r.log, storage.KindTileExec, u.Key(), out.Duration, out.Err, map[string]any{"frames": len(u.Inputs)})
			_ = o.deps.Ledger.RecordUnitResult(runID, storage.KindTileExec, u.Key(), storage.StatusFailed, nil, nil, out.Err.Error())
			r.report.FailedTiles = append(r.report.FailedTiles, TileFailure{Coord: u.Coord, Reason: out.Err.Error()})
			continue
		}
		res := out.Value
		meta := map[string]any{
			"frames":   res.Frames,
			"skipped":  len(res.Skipped),
			"rejected": res.Rejected,
			"covered":  res.Covered,
		}
		logging.LogUnitComplete(r.log, storage.KindTileExec, u.Key(), out.Duration, meta)
		_ = o.deps.Ledger.RecordUnitResult(runID, storage.KindTileExec, u.Key(), storage.StatusCompleted, nil, meta, "")
		done[u.Coord] = true
		r.report.TilesDone = append(r.report.TilesDone, u.Coord)
	}
	return done, nil
}

func (o *Orchestrator) assemble(ctx context.Context, r *run, plan *Plan, src mosaic.TileSource) error {
	img, err := mosaic.Assemble(ctx, plan.Grid, plan.MosaicWCS, src)
	if err != nil {
		var inc *mosaic.IncompleteMosaicError
		if errors.As(err, &inc) {
			r.report.MissingTiles = inc.Missing
		}
		return err
	}
	metrics.RecordAssembled(plan.Grid.Count())
	if img.Labels == nil {
		img.Labels = make(map[string]string)
	}
	img.Labels[mosaic.LabelKind] = "mosaic"
	img.Labels[mosaic.LabelStackID] = plan.StackID
	if plan.Kernel != nil && plan.PsfMatch {
		if b, err := json.Marshal(plan.Kernel); err == nil {
			img.Labels[mosaic.LabelKernel] = string(b)
		}
	}

	if !plan.FileIO {
		r.report.Mosaic = img
		r.log.Info("mosaic assembled in memory", "width", img.Width, "height", img.Height)
		return nil
	}
	path := filepath.Join(plan.WorkDir, mosaic.MosaicFileName(plan.StackID))
	if err := o.deps.Codec.Write(path, img); err != nil {
		return fmt.Errorf("write mosaic: %w", err)
	}
	r.report.MosaicPath = path
	if st, err := os.Stat(path); err == nil {
		r.report.MosaicBytes = st.Size()
	}
	r.log.Info("mosaic written", "path", path, "width", img.Width, "height", img.Height)

	if o.deps.Publisher != nil && o.cfg.Publish.Enabled {
		key := filepath.Base(path)
		uri, err := o.deps.Publisher.Publish(ctx, path, key)
		if err != nil {
			// The mosaic is on disk; a failed upload does not undo the run.
			r.log.Error("publish mosaic failed", "path", path, "error", err)
		} else {
			r.report.PublishedURI = uri
			r.log.Info("mosaic published", "uri", uri)
		}
	}
	return nil
}

// producedSource hides tiles that this run did not produce.
type producedSource struct {
	src  mosaic.TileStore
	done map[mosaic.TileCoord]bool
}

func (p *producedSource) Load(ctx context.Context, c mosaic.TileCoord) (*mosaic.Tile, error) {
	if !p.done[c] {
		return nil, fmt.Errorf("%s: %w", c, mosaic.ErrTileNotFound)
	}
	return p.src.Load(ctx, c)
}

func (p *producedSource) Has(c mosaic.TileCoord) bool {
	return p.done[c] && p.src.Has(c)
}
