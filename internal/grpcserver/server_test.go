package grpcserver

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"mosaicstack/internal/logging"
	"mosaicstack/internal/orchestrator"
	"mosaicstack/internal/storage"
)

func startServer(t *testing.T, hub *orchestrator.Hub) *Client {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.RecordRunStart(storage.RunRecord{ID: "run-1", Mode: "full", State: "init"})
	store.RecordRunStack("run-1", "1234", "/work")
	store.RecordUnitQueued("run-1", storage.KindWarpMeasure, "0001228-000")
	v := 1.5
	store.RecordUnitResult("run-1", storage.KindWarpMeasure, "0001228-000", storage.StatusCompleted, &v, nil, "")

	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewStatusServer(store, hub, logging.NewWriter(io.Discard, "error", "text")).Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGetRunAndList(t *testing.T) {
	client := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := client.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	rec := run["run"].(map[string]any)
	if rec["stack_id"] != "1234" {
		t.Fatalf("unexpected run %v", rec)
	}
	units := run["units"].(map[string]any)[storage.KindWarpMeasure].(map[string]any)
	if units[storage.StatusCompleted] != float64(1) {
		t.Fatalf("unexpected unit counts %v", units)
	}

	_, err = client.GetRun(ctx, "nope")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	runs, err := client.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	list, err := client.ListUnits(ctx, "run-1", storage.KindWarpMeasure, "")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(list) != 1 || list[0].(map[string]any)["seeing"] != 1.5 {
		t.Fatalf("unexpected units %v", list)
	}
	if _, err := client.ListUnits(ctx, "", "", ""); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestWatchRun(t *testing.T) {
	hub := orchestrator.NewHub(logging.NewWriter(io.Discard, "error", "text"))
	client := startServer(t, hub)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Publish(orchestrator.Event{RunID: "run-1", Type: orchestrator.EventUnit, Key: "0-0"})
				hub.Publish(orchestrator.Event{RunID: "run-1", Type: orchestrator.EventPhase, State: orchestrator.StateDone})
			}
		}
	}()

	var got []map[string]any
	err := client.WatchRun(ctx, "run-1", func(ev map[string]any) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("WatchRun: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("no events received")
	}
	last := got[len(got)-1]
	if last["type"] != string(orchestrator.EventPhase) || last["state"] != string(orchestrator.StateDone) {
		t.Fatalf("stream should end on the terminal phase, last event %v", last)
	}
}

func TestWatchRunWithoutHub(t *testing.T) {
	client := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := client.WatchRun(ctx, "run-1", func(map[string]any) {})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
