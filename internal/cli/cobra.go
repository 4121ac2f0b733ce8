package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mosaicstack/internal/config"
	"mosaicstack/internal/grpcserver"
	"mosaicstack/internal/mosaic"
	"mosaicstack/internal/orchestrator"
	"mosaicstack/internal/server"
	"mosaicstack/internal/storage"
	"mosaicstack/internal/watch"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mosaicstack",
		Short: "mosaicstack stacks calibrated exposures into a tiled sky mosaic",
		Long: `mosaicstack selects calibrated exposures from a data registry, splits the
output mosaic into tiles, stacks every tile from the exposures that overlap it
and assembles the result.

A run can execute in one process ("run") or in three steps ("init", one
"exec" per tile, then "end") so tiles can be spread over a batch system.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newInitCmd(root))
	rootCmd.AddCommand(newExecCmd(root))
	rootCmd.AddCommand(newEndCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// addStackFlags binds the run selection flags straight onto the loaded
// configuration, so a flag left unset keeps the file value.
func addStackFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.Stack.Rerun, "rerun", cfg.Stack.Rerun, "registry rerun holding the calibrated exposures")
	f.StringVar(&cfg.Stack.Instrument, "instrument", cfg.Stack.Instrument, "camera (hsc|suprimecam)")
	f.StringVar(&cfg.Stack.Program, "program", cfg.Stack.Program, "observing program (registry field)")
	f.StringVar(&cfg.Stack.Filter, "filter", cfg.Stack.Filter, "filter name")
	f.StringVar(&cfg.Stack.DateObs, "date", cfg.Stack.DateObs, "only use exposures from this date (YYYY-MM-DD)")
	f.StringVar(&cfg.Stack.StackID, "stack-id", cfg.Stack.StackID, "stack identifier, defaults to the first pointing")
	f.StringVar(&cfg.Paths.RegistryPath, "registry", cfg.Paths.RegistryPath, "path of the registry database")
	f.StringVar(&cfg.Paths.WorkDirRoot, "work-dir-root", cfg.Paths.WorkDirRoot, "root under which <program>/<filter> working directories are created")
	f.StringVar(&cfg.Paths.WorkDir, "work-dir", cfg.Paths.WorkDir, "explicit working directory")
	f.IntVar(&cfg.Processing.Workers, "workers", cfg.Processing.Workers, "number of parallel workers")
	f.DurationVar(&cfg.Processing.UnitTimeout.Duration, "unit-timeout", cfg.Processing.UnitTimeout.Duration, "per unit timeout (0 disables)")
	f.IntVar(&cfg.Tiling.TileSize, "tile-size", cfg.Tiling.TileSize, "tile edge in mosaic pixels")
	f.IntVar(&cfg.Tiling.Margin, "margin", cfg.Tiling.Margin, "overlap added on each tile side")
	f.BoolVar(&cfg.Stack.EnablePsfMatch, "match-psf", cfg.Stack.EnablePsfMatch, "measure seeing and match every frame to the worst PSF")
	f.BoolVar(&cfg.Stack.FileIO, "file-io", cfg.Stack.FileIO, "keep tiles and the mosaic on disk")
	f.StringVar(&cfg.Stack.DestWCSFile, "dest-wcs", cfg.Stack.DestWCSFile, "file holding the destination WCS (json or toml)")
	f.Float64Var(&cfg.Stack.PixelScale, "pixel-scale", cfg.Stack.PixelScale, "output pixel scale in arcsec, 0 keeps the reference frame scale")
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		statusAddr string
		statusGRPC string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan, stack and assemble a mosaic in one process",
		Example: `  mosaicstack run --rerun cosmos --instrument hsc --program COSMOS --filter HSC-I
  mosaicstack run --program COSMOS --filter HSC-I --workers 8 --status-addr :8080 --status-grpc-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, cleanup, err := root.orchestrator(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			srvCtx, stop := context.WithCancel(ctx)
			defer stop()
			if statusAddr != "" {
				srv := server.NewServer(statusAddr, root.store, o.Hub(), root.log)
				go func() {
					if err := srv.Start(srvCtx); err != nil {
						root.log.Warn("status server stopped", "addr", statusAddr, "error", err)
					}
				}()
			}
			if statusGRPC != "" {
				status := grpcserver.NewStatusServer(root.store, o.Hub(), root.log)
				go func() {
					if err := status.Start(srvCtx, statusGRPC); err != nil {
						root.log.Warn("gRPC status server stopped", "addr", statusGRPC, "error", err)
					}
				}()
			}

			rep, err := o.Run(ctx)
			root.printReport(cmd.OutOrStdout(), rep, err)
			return err
		},
	}

	addStackFlags(cmd, root.cfg)
	cmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve run status over HTTP on this address while running")
	cmd.Flags().StringVar(&statusGRPC, "status-grpc-addr", "", "serve run status over gRPC on this address while running")
	cmd.Flags().BoolVar(&root.cfg.Publish.Enabled, "publish", root.cfg.Publish.Enabled, "upload the mosaic to the configured bucket")
	return cmd
}

func newInitCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Select exposures, plan the tile grid and persist the plan",
		Long: `Select exposures, plan the tile grid and persist the plan in the working
directory. With --write-batch-script a run_tiles.sh is written next to it that
invokes exec once per tile and end once at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, cleanup, err := root.orchestrator(ctx, true)
			if err != nil {
				return err
			}
			defer cleanup()

			rep, err := o.Init(ctx)
			root.printReport(cmd.OutOrStdout(), rep, err)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan written to %s\n", rep.WorkDir)
			if root.cfg.Stack.WriteBatchScript {
				fmt.Fprintf(cmd.OutOrStdout(), "batch script: %s/%s\n", rep.WorkDir, orchestrator.BatchScriptName)
			}
			return nil
		},
	}

	addStackFlags(cmd, root.cfg)
	cmd.Flags().BoolVar(&root.cfg.Stack.WriteBatchScript, "write-batch-script", root.cfg.Stack.WriteBatchScript, "write a shell script running every tile")
	return cmd
}

func newExecCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec IX IY",
		Short: "Stack one tile from a persisted plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseCoord(args[0], args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			o, cleanup, err := root.orchestrator(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			rep, err := o.DirectExec(ctx, c)
			root.printReport(cmd.OutOrStdout(), rep, err)
			return err
		},
	}

	addStackFlags(cmd, root.cfg)
	return cmd
}

func parseCoord(x, y string) (mosaic.TileCoord, error) {
	ix, err := strconv.Atoi(x)
	if err != nil {
		return mosaic.TileCoord{}, fmt.Errorf("invalid tile column %q: %w", x, err)
	}
	iy, err := strconv.Atoi(y)
	if err != nil {
		return mosaic.TileCoord{}, fmt.Errorf("invalid tile row %q: %w", y, err)
	}
	if ix < 0 || iy < 0 {
		return mosaic.TileCoord{}, fmt.Errorf("tile coordinates must not be negative, got %d %d", ix, iy)
	}
	return mosaic.TileCoord{IX: ix, IY: iy}, nil
}

func newEndCmd(root *Root) *cobra.Command {
	var (
		wait        bool
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "end",
		Short: "Assemble the mosaic from the tiles in the working directory",
		Long: `Assemble the mosaic from the tiles in the working directory. With --wait the
command first blocks until every tile of the plan has been written, which lets
it be queued together with the exec jobs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, cleanup, err := root.orchestrator(ctx, false)
			if err != nil {
				return err
			}
			defer cleanup()

			if wait && root.cfg.Stack.FileIO {
				if err := root.waitForTiles(ctx, cmd, o, waitTimeout); err != nil {
					return err
				}
			}

			rep, err := o.End(ctx)
			root.printReport(cmd.OutOrStdout(), rep, err)
			return err
		},
	}

	addStackFlags(cmd, root.cfg)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for all tiles before assembling")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "give up waiting after this long (0 waits forever)")
	cmd.Flags().BoolVar(&root.cfg.Publish.Enabled, "publish", root.cfg.Publish.Enabled, "upload the mosaic to the configured bucket")
	return cmd
}

func (r *Root) waitForTiles(ctx context.Context, cmd *cobra.Command, o *orchestrator.Orchestrator, timeout time.Duration) error {
	plan, err := o.LoadPlan()
	if err != nil {
		return err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	w := watch.NewTileWatcher(plan.WorkDir, plan.StackID, plan.Grid, r.log)
	if n := len(w.Pending()); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "waiting for %d of %d tiles\n", n, plan.Grid.Count())
	}
	err = w.Wait(ctx, func(c mosaic.TileCoord, remaining int) {
		fmt.Fprintf(cmd.OutOrStdout(), "tile %s written, %d to go\n", c, remaining)
	})
	if errors.Is(err, context.DeadlineExceeded) {
		// Assemble what is there; missing tiles are reported by end.
		r.log.Warn("gave up waiting for tiles", "error", err)
		return nil
	}
	return err
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run status from the ledger over HTTP and gRPC",
		Example: `  mosaicstack serve --addr :8080 --grpc-addr :9090
  mosaicstack serve --grpc-addr ""   # HTTP only`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if root.store == nil {
				return fmt.Errorf("ledger unavailable, check paths.database_path")
			}

			errc := make(chan error, 2)
			n := 0
			if grpcAddr != "" {
				n++
				status := grpcserver.NewStatusServer(root.store, nil, root.log)
				go func() { errc <- status.Start(ctx, grpcAddr) }()
			}
			if addr != "" {
				n++
				srv := server.NewServer(addr, root.store, nil, root.log)
				go func() { errc <- srv.Start(ctx) }()
			}
			if n == 0 {
				return fmt.Errorf("nothing to serve: both --addr and --grpc-addr are empty")
			}

			root.log.Info("status endpoints ready", "http", addr, "grpc", grpcAddr)

			var first error
			for i := 0; i < n; i++ {
				if err := <-errc; err != nil && first == nil {
					first = err
					cancel()
				}
			}
			return first
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address (host:port)")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("mosaicstack " + Version)
		},
	}
}
