package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"mosaicstack/internal/config"
	"mosaicstack/internal/geom"
	"mosaicstack/internal/logging"
	"mosaicstack/internal/mosaic"
	"mosaicstack/internal/psf"
	"mosaicstack/internal/registry"
	"mosaicstack/internal/stacker"
	"mosaicstack/internal/storage"
)

type repoStub struct {
	visits    []int
	pointings []string
	paths     map[int]string // keyed by ccd; single visit
	mappers   map[string]bool
}

func (r *repoStub) QueryVisits(ctx context.Context, q registry.Query) ([]int, error) {
	r.mappers[q.Mapper] = true
	return r.visits, nil
}

func (r *repoStub) QueryPointings(ctx context.Context, q registry.Query) ([]string, error) {
	return r.pointings, nil
}

func (r *repoStub) ResolvePath(ctx context.Context, q registry.Query, visit, ccd int) (string, error) {
	r.mappers[q.Mapper] = true
	p, ok := r.paths[ccd]
	if !ok {
		return "", fmt.Errorf("visit %d ccd %d: %w", visit, ccd, registry.ErrNotFound)
	}
	return p, nil
}

func (r *repoStub) Close() error { return nil }

// memCodec keeps images in memory keyed by path.
type memCodec struct {
	mu     sync.Mutex
	images map[string]*mosaic.Image
}

func (c *memCodec) Write(path string, img *mosaic.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[path] = img.Clone()
	return nil
}

func (c *memCodec) Read(path string) (*mosaic.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[path]
	if !ok {
		return nil, errors.New("no such image")
	}
	return img.Clone(), nil
}

func (c *memCodec) ReadInfo(path string) (mosaic.ImageInfo, error) {
	img, err := c.Read(path)
	if err != nil {
		return mosaic.ImageInfo{}, err
	}
	return img.ImageInfo, nil
}

type measurerStub struct {
	calls atomic.Int32
	fail  mosaic.FrameID
}

func (m *measurerStub) MeasureWarpedPsf(ctx context.Context, f mosaic.Frame, w geom.WCS) (float64, error) {
	m.calls.Add(1)
	if f.ID == m.fail {
		return 0, &mosaic.MeasurementError{Frame: f.ID, Err: errors.New("no stars")}
	}
	return 1.0, nil
}

// failingExecutor fails one coordinate and delegates the rest.
type failingExecutor struct {
	next TileExecutor
	fail mosaic.TileCoord
}

func (e failingExecutor) Execute(ctx context.Context, req stacker.Request, sink mosaic.TileSink) (stacker.Result, error) {
	if req.Coord == e.fail {
		return stacker.Result{}, errors.New("scratch disk full")
	}
	return e.next.Execute(ctx, req, sink)
}

// recordingExecutor keeps the request each tile unit received.
type recordingExecutor struct {
	next TileExecutor
	mu   sync.Mutex
	reqs map[mosaic.TileCoord]stacker.Request
}

func (e *recordingExecutor) Execute(ctx context.Context, req stacker.Request, sink mosaic.TileSink) (stacker.Result, error) {
	e.mu.Lock()
	if e.reqs == nil {
		e.reqs = make(map[mosaic.TileCoord]stacker.Request)
	}
	e.reqs[req.Coord] = req
	e.mu.Unlock()
	return e.next.Execute(ctx, req, sink)
}

func baseWCS() geom.WCS {
	return geom.WCS{CRVal: [2]float64{150, 2}, CD: [2][2]float64{{1e-4, 0}, {0, 1e-4}}}
}

type fixture struct {
	dir      string
	cfg      *config.Config
	repo     *repoStub
	codec    *memCodec
	measurer *measurerStub
	ledger   *storage.Store
}

// newFixture stages four 10x10 frames of constant value 5 tiling a 20x20
// mosaic. CCD 4 resolves to a file that does not exist and the remaining
// CCDs are unknown to the registry.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		repo:     &repoStub{visits: []int{1228}, pointings: []string{"1234", "1235"}, paths: map[int]string{}, mappers: map[string]bool{}},
		codec:    &memCodec{images: map[string]*mosaic.Image{}},
		measurer: &measurerStub{fail: mosaic.NewFrameID(1228, 3)},
	}
	offsets := [][2]int{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	for ccd, off := range offsets {
		path := filepath.Join(dir, fmt.Sprintf("calexp-%d.tif", ccd))
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		img := mosaic.NewImage(10, 10)
		for i := range img.Pix {
			img.Pix[i] = 5
		}
		img.WCS = baseWCS()
		img.WCS.CRPix = [2]float64{-float64(off[0]), -float64(off[1])}
		f.codec.images[path] = img
		f.repo.paths[ccd] = path
	}
	f.repo.paths[4] = filepath.Join(dir, "gone.tif")

	cfg := config.Default()
	cfg.Processing.Workers = 2
	cfg.Tiling.TileSize = 10
	cfg.Tiling.Margin = 2
	cfg.Stack.Rerun = "cosmos"
	cfg.Stack.Instrument = "suprimecam"
	cfg.Stack.Program = "COSMOS"
	cfg.Stack.Filter = "W-S-I+"
	cfg.Stack.FileIO = false
	cfg.Stack.EnablePsfMatch = true
	cfg.Paths.WorkDir = filepath.Join(dir, "work")
	f.cfg = cfg

	ledger, err := storage.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	f.ledger = ledger
	return f
}

func (f *fixture) orchestrator(t *testing.T, mutate func(*Deps)) *Orchestrator {
	t.Helper()
	log := logging.NewWriter(io.Discard, "error", "text")
	deps := Deps{
		Repo:     f.repo,
		Codec:    f.codec,
		Measurer: f.measurer,
		Executor: stacker.New(f.codec, stacker.WithMatcher(psf.Matcher{}), stacker.WithLogger(log)),
		Ledger:   f.ledger,
		Logger:   log,
		Hub:      NewHub(log),
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(f.cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	rec := &recordingExecutor{}
	o := f.orchestrator(t, func(d *Deps) {
		rec.next = d.Executor
		d.Executor = rec
	})

	events, unsub := o.Hub().Subscribe()
	defer unsub()

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("expected done, got %s", rep.State)
	}
	if rep.StackID != "1234" {
		t.Fatalf("stack id should be the first pointing, got %q", rep.StackID)
	}
	if rep.Frames != 4 {
		t.Fatalf("expected 4 frames, got %d", rep.Frames)
	}
	// CCDs 5..9 are unknown and CCD 4 is missing on disk.
	if len(rep.FailedFrames) != 6 {
		t.Fatalf("expected 6 failed frames, got %+v", rep.FailedFrames)
	}
	if rep.Grid.NX != 2 || rep.Grid.NY != 2 {
		t.Fatalf("expected 2x2 grid, got %dx%d", rep.Grid.NX, rep.Grid.NY)
	}
	if rep.Kernel == nil || rep.Kernel.Sigma1 != 1 || rep.Kernel.Width != 9 {
		t.Fatalf("unexpected kernel %+v", rep.Kernel)
	}
	if len(rep.TilesDone) != 4 {
		t.Fatalf("expected 4 tiles, got %v", rep.TilesDone)
	}

	img := rep.Mosaic
	if img == nil {
		t.Fatal("expected in-memory mosaic")
	}
	if img.Width != 20 || img.Height != 20 {
		t.Fatalf("mosaic size %dx%d", img.Width, img.Height)
	}
	for i, v := range img.Pix {
		if math.IsNaN(float64(v)) || math.Abs(float64(v)-5) > 1e-4 {
			t.Fatalf("pixel %d = %v, want 5", i, v)
		}
	}

	plan, err := LoadPlan(f.cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if !plan.Measured || plan.SeeingOf(mosaic.NewFrameID(1228, 3)) != mosaic.SeeingUndefined {
		t.Fatalf("seeing not recorded: %+v", plan.Seeing)
	}
	if len(rec.reqs) != 4 {
		t.Fatalf("expected 4 tile requests, got %d", len(rec.reqs))
	}
	for c, req := range rec.reqs {
		if req.Kernel == nil || *req.Kernel != *plan.Kernel {
			t.Fatalf("tile %s got kernel %+v, want %+v", c, req.Kernel, plan.Kernel)
		}
	}
	if len(f.repo.mappers) != 1 || !f.repo.mappers["suprimecam"] {
		t.Fatalf("registry should be queried with the suprimecam mapper, got %v", f.repo.mappers)
	}

	counts, err := f.ledger.Counts(rep.RunID, storage.KindTileExec)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[storage.StatusCompleted] != 4 {
		t.Fatalf("expected 4 completed tile units, got %v", counts)
	}
	run, err := f.ledger.Run(rep.RunID)
	if err != nil {
		t.Fatalf("Run record: %v", err)
	}
	if run.State != string(StateDone) || run.StackID != "1234" {
		t.Fatalf("unexpected run record %+v", run)
	}

	var phases []State
	units := 0
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case EventPhase:
			phases = append(phases, ev.State)
		case EventUnit:
			units++
		}
	}
	want := []State{StateInit, StateWarpMeasure, StateExec, StateEnd, StateDone}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phases %v, want %v", phases, want)
	}
	if units != 8 {
		t.Fatalf("expected 8 unit events, got %d", units)
	}
}

// With no margin every frame lies inside exactly one tile, so each tile
// unit stacks a single frame; the kernel is still the same for all four.
func TestRunWithoutMarginOneFramePerTile(t *testing.T) {
	f := newFixture(t)
	f.cfg.Tiling.Margin = 0
	rec := &recordingExecutor{}
	o := f.orchestrator(t, func(d *Deps) {
		rec.next = d.Executor
		d.Executor = rec
	})

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateDone || rep.Kernel == nil {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rec.reqs) != 4 {
		t.Fatalf("expected 4 tile requests, got %d", len(rec.reqs))
	}
	seen := make(map[mosaic.FrameID]mosaic.TileCoord)
	for c, req := range rec.reqs {
		if len(req.Inputs) != 1 {
			t.Fatalf("tile %s got %d frames, want 1", c, len(req.Inputs))
		}
		id := req.Inputs[0].Frame.ID
		if prev, ok := seen[id]; ok {
			t.Fatalf("frame %s used by tiles %s and %s", id, prev, c)
		}
		seen[id] = c
		if req.Kernel == nil || *req.Kernel != *rep.Kernel {
			t.Fatalf("tile %s got kernel %+v, want %+v", c, req.Kernel, rep.Kernel)
		}
	}
	for i, v := range rep.Mosaic.Pix {
		if math.Abs(float64(v)-5) > 1e-4 {
			t.Fatalf("pixel %d = %v, want 5", i, v)
		}
	}
}

func TestRunSkipsFrameWithoutWCS(t *testing.T) {
	f := newFixture(t)
	bad := mosaic.NewFrameID(1228, 2)
	f.codec.images[f.repo.paths[2]].WCS = geom.WCS{}
	o := f.orchestrator(t, nil)

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("expected done, got %s", rep.State)
	}
	if rep.Frames != 3 {
		t.Fatalf("expected 3 frames, got %d", rep.Frames)
	}
	var found *FrameFailure
	for i := range rep.FailedFrames {
		if rep.FailedFrames[i].Frame == bad {
			found = &rep.FailedFrames[i]
		}
	}
	if found == nil || found.Phase != StateInit || !strings.Contains(found.Reason, "WCS") {
		t.Fatalf("frame %s not reported: %+v", bad, rep.FailedFrames)
	}
	if rep.Mosaic == nil || rep.Mosaic.Width != 20 || rep.Mosaic.Height != 20 {
		t.Fatalf("unexpected mosaic %+v", rep.Mosaic)
	}
	if v := rep.Mosaic.Pix[5*20+15]; math.Abs(float64(v)-5) > 1e-4 {
		t.Fatalf("covered pixel = %v, want 5", v)
	}
}

func TestRunWithoutPsfMatchSkipsMeasurement(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.EnablePsfMatch = false
	o := f.orchestrator(t, nil)

	rep, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.measurer.calls.Load() != 0 {
		t.Fatalf("measurer called %d times", f.measurer.calls.Load())
	}
	if rep.Kernel != nil {
		t.Fatalf("unexpected kernel %+v", rep.Kernel)
	}
}

func TestRunFailedTileAborts(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, func(d *Deps) {
		d.Executor = failingExecutor{next: d.Executor, fail: mosaic.TileCoord{IX: 1, IY: 0}}
	})

	rep, err := o.Run(context.Background())
	var inc *mosaic.IncompleteMosaicError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteMosaicError, got %v", err)
	}
	if rep.State != StateAborted {
		t.Fatalf("expected aborted, got %s", rep.State)
	}
	if len(rep.FailedTiles) != 1 || rep.FailedTiles[0].Coord != (mosaic.TileCoord{IX: 1, IY: 0}) {
		t.Fatalf("unexpected failed tiles %+v", rep.FailedTiles)
	}
	if len(rep.MissingTiles) != 1 || rep.MissingTiles[0] != (mosaic.TileCoord{IX: 1, IY: 0}) {
		t.Fatalf("unexpected missing tiles %+v", rep.MissingTiles)
	}
	if rep.Mosaic != nil {
		t.Fatal("partial mosaic returned")
	}
	hints := rep.Hints(DefaultBinary)
	if len(hints) != 2 || !strings.HasPrefix(hints[0], "mosaicstack exec 1 0") || !strings.HasPrefix(hints[1], "mosaicstack end") {
		t.Fatalf("unexpected hints %v", hints)
	}

	failed, err := f.ledger.Units(rep.RunID, storage.KindTileExec, storage.StatusFailed)
	if err != nil {
		t.Fatalf("Units: %v", err)
	}
	if len(failed) != 1 || failed[0].Key != "1-0" {
		t.Fatalf("unexpected failed units %+v", failed)
	}
}

func TestDirectExecMeasuresOnceThenEnd(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.FileIO = true
	store := mosaic.NewMemoryStore()
	o := f.orchestrator(t, func(d *Deps) { d.Store = store })
	ctx := context.Background()

	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if f.measurer.calls.Load() != 0 {
		t.Fatal("init must not measure")
	}

	rep, err := o.DirectExec(ctx, mosaic.TileCoord{IX: 1, IY: 1})
	if err != nil {
		t.Fatalf("DirectExec: %v", err)
	}
	if rep.Kernel == nil {
		t.Fatal("direct exec should compute the kernel when none is recorded")
	}
	if n := f.measurer.calls.Load(); n != 4 {
		t.Fatalf("expected 4 measurements, got %d", n)
	}
	if _, err := o.DirectExec(ctx, mosaic.TileCoord{IX: 0, IY: 0}); err != nil {
		t.Fatalf("DirectExec: %v", err)
	}
	if n := f.measurer.calls.Load(); n != 4 {
		t.Fatalf("recorded kernel should be reused, measured %d times", n)
	}

	rep, err = o.End(ctx)
	var inc *mosaic.IncompleteMosaicError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteMosaicError, got %v", err)
	}
	want := []mosaic.TileCoord{{IX: 1, IY: 0}, {IX: 0, IY: 1}}
	if fmt.Sprint(rep.MissingTiles) != fmt.Sprint(want) {
		t.Fatalf("missing %v, want %v", rep.MissingTiles, want)
	}

	for _, c := range want {
		if _, err := o.DirectExec(ctx, c); err != nil {
			t.Fatalf("DirectExec %s: %v", c, err)
		}
	}
	rep, err = o.End(ctx)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	wantPath := filepath.Join(f.cfg.Paths.WorkDir, "mosaic-1234.tif")
	if rep.MosaicPath != wantPath {
		t.Fatalf("mosaic path %q, want %q", rep.MosaicPath, wantPath)
	}
	img, err := f.codec.Read(wantPath)
	if err != nil {
		t.Fatalf("mosaic not written: %v", err)
	}
	if img.Labels[mosaic.LabelStackID] != "1234" || img.Labels[mosaic.LabelKind] != "mosaic" {
		t.Fatalf("unexpected labels %v", img.Labels)
	}
}

func TestDirectExecFollowsInitOptions(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.FileIO = true
	f.cfg.Stack.EnablePsfMatch = false
	f.cfg.Stack.WriteBatchScript = true
	rec := &recordingExecutor{}
	o := f.orchestrator(t, func(d *Deps) {
		d.Store = mosaic.NewMemoryStore()
		rec.next = d.Executor
		d.Executor = rec
	})
	ctx := context.Background()

	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	plan, err := LoadPlan(f.cfg.Paths.WorkDir)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
	if plan.PsfMatch || !plan.FileIO {
		t.Fatalf("plan options psf_match=%v file_io=%v", plan.PsfMatch, plan.FileIO)
	}
	data, err := os.ReadFile(filepath.Join(f.cfg.Paths.WorkDir, BatchScriptName))
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	for _, want := range []string{"--match-psf=false", "--file-io=true", "--workers 2", "--unit-timeout 0s"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("script missing %q:\n%s", want, data)
		}
	}

	// An exec step started with the default configuration.
	f.cfg.Stack.EnablePsfMatch = true
	rep, err := o.DirectExec(ctx, mosaic.TileCoord{IX: 0, IY: 0})
	if err != nil {
		t.Fatalf("DirectExec: %v", err)
	}
	if n := f.measurer.calls.Load(); n != 0 {
		t.Fatalf("measurer called %d times", n)
	}
	if rep.Kernel != nil || rec.reqs[mosaic.TileCoord{}].Kernel != nil {
		t.Fatal("tile stacked with a kernel although init turned psf matching off")
	}
}

func TestInitMeasuresForBatchScript(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.FileIO = true
	f.cfg.Stack.WriteBatchScript = true
	o := f.orchestrator(t, func(d *Deps) { d.Store = mosaic.NewMemoryStore() })
	ctx := context.Background()

	events, unsub := o.Hub().Subscribe()
	defer unsub()

	rep, err := o.Init(ctx)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rep.State != StateDone || rep.Kernel == nil {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n := f.measurer.calls.Load(); n != 4 {
		t.Fatalf("expected 4 measurements, got %d", n)
	}
	var phases []State
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventPhase {
			phases = append(phases, ev.State)
		}
	}
	want := []State{StateInit, StateWarpMeasure, StateDone}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Fatalf("phases %v, want %v", phases, want)
	}

	for _, c := range []mosaic.TileCoord{{IX: 0, IY: 0}, {IX: 1, IY: 1}} {
		if _, err := o.DirectExec(ctx, c); err != nil {
			t.Fatalf("DirectExec %s: %v", c, err)
		}
	}
	if n := f.measurer.calls.Load(); n != 4 {
		t.Fatalf("exec steps should reuse the kernel, measured %d times", n)
	}
}

func TestDirectExecValidation(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.FileIO = true
	o := f.orchestrator(t, func(d *Deps) { d.Store = mosaic.NewMemoryStore() })
	ctx := context.Background()

	if _, err := o.DirectExec(ctx, mosaic.TileCoord{}); !errors.Is(err, ErrNoPlan) {
		t.Fatalf("expected ErrNoPlan, got %v", err)
	}
	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	rep, err := o.DirectExec(ctx, mosaic.TileCoord{IX: 2, IY: 0})
	if !mosaic.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if rep.State != StateAborted {
		t.Fatalf("expected aborted, got %s", rep.State)
	}
}

func TestSeparateStepsNeedFileIO(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, nil)
	ctx := context.Background()
	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := o.End(ctx); !mosaic.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestInitWritesBatchScript(t *testing.T) {
	f := newFixture(t)
	f.cfg.Stack.WriteBatchScript = true
	o := f.orchestrator(t, nil)

	rep, err := o.Init(context.Background())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if rep.State != StateDone || len(rep.TilesDone) != 0 {
		t.Fatalf("init should only plan, got %+v", rep)
	}
	data, err := os.ReadFile(filepath.Join(f.cfg.Paths.WorkDir, BatchScriptName))
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	script := string(data)
	for _, want := range []string{"exec 0 0 ", "exec 1 0 ", "exec 0 1 ", "exec 1 1 ", "mosaicstack end "} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q:\n%s", want, script)
		}
	}
	if strings.Index(script, "exec 1 0 ") > strings.Index(script, "exec 0 1 ") {
		t.Fatal("tiles should be listed with ix varying fastest")
	}
}

func TestInitWithoutExposuresIsConfigError(t *testing.T) {
	f := newFixture(t)
	f.repo.visits = nil
	o := f.orchestrator(t, nil)
	rep, err := o.Run(context.Background())
	if !mosaic.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
	if rep.State != StateAborted {
		t.Fatalf("expected aborted, got %s", rep.State)
	}
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInit, StateWarpMeasure, true},
		{StateInit, StateExec, true},
		{StateInit, StateEnd, true},
		{StateInit, StateDone, true},
		{StateWarpMeasure, StateExec, true},
		{StateWarpMeasure, StateEnd, false},
		{StateWarpMeasure, StateDone, true},
		{StateExec, StateWarpMeasure, false},
		{StateExec, StateEnd, true},
		{StateEnd, StateExec, false},
		{StateEnd, StateDone, true},
		{StateExec, StateAborted, true},
		{StateDone, StateAborted, false},
		{StateAborted, StateInit, false},
		{StateExec, StateExec, false},
	}
	for _, tc := range cases {
		err := transition(tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Errorf("%s -> %s: ok=%v, err=%v", tc.from, tc.to, tc.ok, err)
		}
	}
}
