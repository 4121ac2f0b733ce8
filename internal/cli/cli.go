package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"mosaicstack/internal/config"
	"mosaicstack/internal/imageio"
	"mosaicstack/internal/mosaic"
	"mosaicstack/internal/orchestrator"
	"mosaicstack/internal/psf"
	"mosaicstack/internal/publish"
	"mosaicstack/internal/registry"
	"mosaicstack/internal/stacker"
	"mosaicstack/internal/storage"
)

type repoFactory func(path string) (registry.Repository, error)

type codecFactory func() mosaic.ImageCodec

type publisherFactory func(ctx context.Context, cfg config.Publish) (orchestrator.Publisher, error)

func defaultRepo(path string) (registry.Repository, error) {
	return registry.Open(path)
}

func defaultCodec() mosaic.ImageCodec {
	return imageio.NewTIFFCodec()
}

func defaultPublisher(ctx context.Context, cfg config.Publish) (orchestrator.Publisher, error) {
	p, err := publish.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Root wires CLI commands to the orchestrator.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	out   io.Writer

	repoFactory      repoFactory
	codecFactory     codecFactory
	publisherFactory publisherFactory
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:              cfg,
		log:              logger,
		store:            store,
		out:              os.Stdout,
		repoFactory:      defaultRepo,
		codecFactory:     defaultCodec,
		publisherFactory: defaultPublisher,
	}
}

// Run executes the command line in args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := newRootCmd(r)
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

// orchestrator assembles the production collaborators. The registry is only
// opened for the entry points that query it.
func (r *Root) orchestrator(ctx context.Context, needRepo bool) (*orchestrator.Orchestrator, func(), error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	cleanup := func() {}

	codec := r.codecFactory()
	deps := orchestrator.Deps{
		Codec:    codec,
		Measurer: psf.NewMeasurer(codec),
		Executor: stacker.New(codec,
			stacker.WithCombiner(stacker.SigmaClipMean{
				Low:        r.cfg.Stack.ClipSigma,
				High:       r.cfg.Stack.ClipSigma,
				Iterations: r.cfg.Stack.ClipIterations,
			}),
			stacker.WithMatcher(psf.Matcher{}),
			stacker.WithLogger(r.log),
		),
		Ledger: r.store,
		Logger: r.log,
		Hub:    orchestrator.NewHub(r.log),
	}

	if needRepo {
		path, err := config.ExpandUser(r.cfg.Paths.RegistryPath)
		if err != nil {
			return nil, nil, err
		}
		repo, err := r.repoFactory(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open registry: %w", err)
		}
		deps.Repo = repo
		cleanup = func() { repo.Close() }
	}

	if r.cfg.Publish.Enabled {
		pub, err := r.publisherFactory(ctx, r.cfg.Publish)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to set up publishing: %w", err)
		}
		deps.Publisher = pub
	}

	o, err := orchestrator.New(r.cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return o, cleanup, nil
}

// printReport writes the outcome of a run and, when it did not finish
// cleanly, the commands that would complete it.
func (r *Root) printReport(w io.Writer, rep *orchestrator.Report, runErr error) {
	if rep == nil {
		return
	}
	fmt.Fprintln(w, rep.Summary())
	if rep.Grid.Count() > 0 {
		fmt.Fprintf(w, "  grid: %dx%d tiles of %d px (%s x %s px mosaic)\n",
			rep.Grid.NX, rep.Grid.NY, rep.Grid.TileSize,
			humanize.Comma(int64(rep.Grid.Width)), humanize.Comma(int64(rep.Grid.Height)))
	}
	if k := rep.Kernel; k != nil {
		fmt.Fprintf(w, "  psf match: sigma %.3f -> %.3f, width %d\n", k.Sigma1, k.Sigma2, k.Width)
	}
	if rep.PublishedURI != "" {
		fmt.Fprintf(w, "  published: %s\n", rep.PublishedURI)
	}
	for _, f := range rep.FailedFrames {
		fmt.Fprintf(w, "  frame %s failed in %s: %s\n", f.Frame, f.Phase, f.Reason)
	}
	for _, f := range rep.FailedTiles {
		fmt.Fprintf(w, "  tile %s failed: %s\n", f.Coord, f.Reason)
	}
	if len(rep.MissingTiles) > 0 {
		names := make([]string, len(rep.MissingTiles))
		for i, c := range rep.MissingTiles {
			names[i] = c.String()
		}
		fmt.Fprintf(w, "  missing tiles: %s\n", strings.Join(names, ", "))
	}
	if runErr == nil && len(rep.FailedTiles) == 0 && len(rep.MissingTiles) == 0 {
		return
	}
	if hints := rep.Hints(orchestrator.DefaultBinary); len(hints) > 0 && rep.WorkDir != "" {
		fmt.Fprintln(w, "to finish the mosaic run:")
		for _, h := range hints {
			fmt.Fprintf(w, "  %s\n", h)
		}
	}
}
