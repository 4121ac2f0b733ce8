package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	if err := s.RecordRunStart(RunRecord{ID: "r1", StackID: "", Mode: "run", State: "init"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunStack("r1", "1228", "/work/COSMOS/HSC-I"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordKernel("r1", map[string]any{"sigma1": 2.0}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunState("r1", "done", true, ""); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Run("r1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.StackID != "1228" || rec.State != "done" || rec.WorkDir != "/work/COSMOS/HSC-I" {
		t.Fatalf("unexpected run %+v", rec)
	}
	if rec.KernelJSON != `{"sigma1":2}` {
		t.Fatalf("kernel json = %s", rec.KernelJSON)
	}
	if rec.CompletedAt == nil {
		t.Fatal("completed_at not set for terminal state")
	}

	if _, err := s.Run("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	s.RecordRunStart(RunRecord{ID: "r2", StackID: "1229", Mode: "exec", State: "init"})
	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Fatalf("recent runs = %+v", runs)
	}
}

func TestUnitLifecycle(t *testing.T) {
	s := newStore(t)
	s.RecordRunStart(RunRecord{ID: "r1", StackID: "1", Mode: "run", State: "warp_measure"})

	for _, key := range []string{"0000010-001", "0000010-002"} {
		if err := s.RecordUnitQueued("r1", KindWarpMeasure, key); err != nil {
			t.Fatal(err)
		}
		if err := s.RecordUnitStart("r1", KindWarpMeasure, key); err != nil {
			t.Fatal(err)
		}
	}
	sigma := 1.7
	if err := s.RecordUnitResult("r1", KindWarpMeasure, "0000010-001", StatusCompleted, &sigma, map[string]any{"seeing": sigma}, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUnitResult("r1", KindWarpMeasure, "0000010-002", StatusFailed, nil, nil, "boom"); err != nil {
		t.Fatal(err)
	}
	s.RecordUnitQueued("r1", KindTileExec, "0-0")

	units, err := s.Units("r1", KindWarpMeasure, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
	if units[0].Seeing == nil || *units[0].Seeing != 1.7 || units[0].Meta["seeing"] != 1.7 {
		t.Fatalf("unit 0 = %+v", units[0])
	}
	if units[1].Status != StatusFailed || units[1].Error != "boom" || units[1].Seeing != nil {
		t.Fatalf("unit 1 = %+v", units[1])
	}

	failed, _ := s.Units("r1", "", StatusFailed)
	if len(failed) != 1 || failed[0].Key != "0000010-002" {
		t.Fatalf("failed units = %+v", failed)
	}

	counts, err := s.Counts("r1", KindWarpMeasure)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusCompleted] != 1 || counts[StatusFailed] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	// Re-queueing a unit resets it rather than duplicating it.
	s.RecordUnitQueued("r1", KindWarpMeasure, "0000010-002")
	units, _ = s.Units("r1", KindWarpMeasure, "")
	if len(units) != 2 {
		t.Fatalf("requeue duplicated unit: %d rows", len(units))
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordUnitQueued("r", KindTileExec, "0-0"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunState("r", "done", true, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
