package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mosaicstack/internal/grpcserver"
	"mosaicstack/internal/storage"
)

// statusSource reads the ledger either directly or through a status server.
type statusSource interface {
	Runs(ctx context.Context, limit int) ([]storage.RunRecord, error)
	Run(ctx context.Context, id string) (storage.RunRecord, map[string]map[string]int, error)
	FailedUnits(ctx context.Context, id string) ([]storage.UnitRecord, error)
}

type ledgerSource struct {
	store *storage.Store
}

func (s ledgerSource) Runs(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	return s.store.RecentRuns(limit)
}

func (s ledgerSource) Run(ctx context.Context, id string) (storage.RunRecord, map[string]map[string]int, error) {
	rec, err := s.store.Run(id)
	if err != nil {
		return rec, nil, err
	}
	units := make(map[string]map[string]int)
	for _, kind := range []string{storage.KindWarpMeasure, storage.KindTileExec} {
		counts, err := s.store.Counts(id, kind)
		if err != nil {
			return rec, nil, err
		}
		units[kind] = counts
	}
	return rec, units, nil
}

func (s ledgerSource) FailedUnits(ctx context.Context, id string) ([]storage.UnitRecord, error) {
	return s.store.Units(id, "", storage.StatusFailed)
}

type remoteSource struct {
	client *grpcserver.Client
}

func (s remoteSource) Runs(ctx context.Context, limit int) ([]storage.RunRecord, error) {
	raw, err := s.client.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	var out []storage.RunRecord
	return out, convert(raw, &out)
}

func (s remoteSource) Run(ctx context.Context, id string) (storage.RunRecord, map[string]map[string]int, error) {
	var status struct {
		Run   storage.RunRecord         `json:"run"`
		Units map[string]map[string]int `json:"units"`
	}
	raw, err := s.client.GetRun(ctx, id)
	if err != nil {
		return status.Run, nil, err
	}
	if err := convert(raw, &status); err != nil {
		return status.Run, nil, err
	}
	return status.Run, status.Units, nil
}

func (s remoteSource) FailedUnits(ctx context.Context, id string) ([]storage.UnitRecord, error) {
	raw, err := s.client.ListUnits(ctx, id, "", storage.StatusFailed)
	if err != nil {
		return nil, err
	}
	var out []storage.UnitRecord
	return out, convert(raw, &out)
}

// convert maps the generic values decoded from a protobuf Struct back onto
// the ledger types.
func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func newStatusCmd(root *Root) *cobra.Command {
	var (
		grpcAddr string
		limit    int
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show recent runs or the progress of one run",
		Example: `  mosaicstack status
  mosaicstack status 7f0c2d5e-... --grpc localhost:9090 --follow`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var src statusSource
			var client *grpcserver.Client
			if grpcAddr != "" {
				c, err := grpcserver.Dial(grpcAddr)
				if err != nil {
					return fmt.Errorf("failed to connect to %s: %w", grpcAddr, err)
				}
				defer c.Close()
				client = c
				src = remoteSource{client: c}
			} else {
				if root.store == nil {
					return fmt.Errorf("ledger unavailable, check paths.database_path")
				}
				src = ledgerSource{store: root.store}
			}

			w := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := src.Runs(ctx, limit)
				if err != nil {
					return err
				}
				printRuns(w, runs)
				return nil
			}

			if err := printRun(ctx, w, src, args[0]); err != nil {
				return err
			}
			if follow {
				if client == nil {
					return fmt.Errorf("--follow needs --grpc pointing at the process running the stack")
				}
				return client.WatchRun(ctx, args[0], func(ev map[string]any) {
					printEvent(w, ev)
				})
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "query a status server instead of the local ledger")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream events of the run until it ends (with --grpc)")
	return cmd
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tMODE\tSTACK\tSTATE\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Mode, r.StackID, r.State, humanize.Time(r.CreatedAt), r.Error)
	}
	tw.Flush()
}

func printRun(ctx context.Context, w io.Writer, src statusSource, id string) error {
	rec, units, err := src.Run(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %s (%s)\n", rec.ID, rec.Mode)
	fmt.Fprintf(w, "  stack:    %s\n", rec.StackID)
	fmt.Fprintf(w, "  work dir: %s\n", rec.WorkDir)
	fmt.Fprintf(w, "  state:    %s\n", rec.State)
	fmt.Fprintf(w, "  started:  %s\n", humanize.Time(rec.CreatedAt))
	if rec.CompletedAt != nil {
		fmt.Fprintf(w, "  took:     %s\n", rec.CompletedAt.Sub(rec.CreatedAt).Round(time.Second))
	}
	if rec.KernelJSON != "" {
		fmt.Fprintf(w, "  kernel:   %s\n", rec.KernelJSON)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", rec.Error)
	}

	kinds := make([]string, 0, len(units))
	for k := range units {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		c := units[kind]
		total := 0
		for _, n := range c {
			total += n
		}
		if total == 0 {
			continue
		}
		fmt.Fprintf(w, "  %-13s %d/%d completed, %d failed, %d running, %d queued\n", kind+":",
			c[storage.StatusCompleted], total, c[storage.StatusFailed], c[storage.StatusRunning], c[storage.StatusQueued])
	}

	failed, err := src.FailedUnits(ctx, id)
	if err != nil {
		return err
	}
	for _, u := range failed {
		fmt.Fprintf(w, "  failed %s %s: %s\n", u.Kind, u.Key, u.Error)
	}
	return nil
}

func printEvent(w io.Writer, ev map[string]any) {
	switch ev["type"] {
	case "phase":
		fmt.Fprintf(w, "phase %v", ev["state"])
	default:
		fmt.Fprintf(w, "%v %v %v", ev["unit_kind"], ev["key"], ev["status"])
		if d, ok := ev["duration_s"].(float64); ok && d > 0 {
			fmt.Fprintf(w, " (%.1fs)", d)
		}
	}
	if e, ok := ev["error"].(string); ok && e != "" {
		fmt.Fprintf(w, ": %s", e)
	}
	fmt.Fprintln(w)
}
