// Package watch waits for tile files to appear in a working directory.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"mosaicstack/internal/mosaic"
)

// TileWatcher tracks the tile files of one stack.
type TileWatcher struct {
	dir   string
	names map[string]mosaic.TileCoord
	paths map[mosaic.TileCoord]string
	order []mosaic.TileCoord
	log   *slog.Logger
}

// NewTileWatcher expects one file per grid coordinate in dir.
func NewTileWatcher(dir, stackID string, grid mosaic.Grid, log *slog.Logger) *TileWatcher {
	if log == nil {
		log = slog.Default()
	}
	w := &TileWatcher{
		dir:   dir,
		names: make(map[string]mosaic.TileCoord),
		paths: make(map[mosaic.TileCoord]string),
		log:   log,
	}
	for _, c := range grid.Coords() {
		name := mosaic.TileFileName(stackID, c)
		w.names[name] = c
		w.paths[c] = filepath.Join(dir, name)
		w.order = append(w.order, c)
	}
	return w
}

// Pending lists the coordinates whose file does not exist yet, row-major.
func (w *TileWatcher) Pending() []mosaic.TileCoord {
	var out []mosaic.TileCoord
	for _, c := range w.order {
		if !w.exists(c) {
			out = append(out, c)
		}
	}
	return out
}

func (w *TileWatcher) exists(c mosaic.TileCoord) bool {
	st, err := os.Stat(w.paths[c])
	return err == nil && st.Mode().IsRegular()
}

// Wait blocks until every tile file exists or ctx ends. onArrive, if set,
// is called once per tile that shows up while waiting.
func (w *TileWatcher) Wait(ctx context.Context, onArrive func(c mosaic.TileCoord, remaining int)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	// Checked after the watch is in place so no arrival is missed.
	pending := make(map[mosaic.TileCoord]bool)
	for _, c := range w.Pending() {
		pending[c] = true
	}
	if len(pending) == 0 {
		return nil
	}
	w.log.Info("waiting for tiles", "dir", w.dir, "pending", len(pending))

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d tile(s) still missing: %w", len(pending), ctx.Err())

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed with %d tile(s) missing", len(pending))
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			c, ok := w.names[filepath.Base(event.Name)]
			if !ok || !pending[c] || !w.exists(c) {
				continue
			}
			delete(pending, c)
			w.log.Debug("tile arrived", "tile", c.String(), "remaining", len(pending))
			if onArrive != nil {
				onArrive(c, len(pending))
			}
			if len(pending) == 0 {
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed with %d tile(s) missing", len(pending))
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}
