package mosaic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// TileSink receives finished tiles. Putting the same coordinate twice
// replaces the earlier tile.
type TileSink interface {
	Put(ctx context.Context, t *Tile) error
}

// TileSource hands tiles to the assembler. Missing coordinates yield an
// error wrapping ErrTileNotFound.
type TileSource interface {
	Load(ctx context.Context, c TileCoord) (*Tile, error)
}

// TileStore is both ends of tile persistence.
type TileStore interface {
	TileSink
	TileSource
	Has(c TileCoord) bool
}

// TileFileName is the deterministic file name of a tile, so retries
// overwrite rather than duplicate.
func TileFileName(stackID string, c TileCoord) string {
	return fmt.Sprintf("stack-%s-%d-%d.tif", stackID, c.IX, c.IY)
}

// MosaicFileName is the file name of the assembled image.
func MosaicFileName(stackID string) string {
	return fmt.Sprintf("mosaic-%s.tif", stackID)
}

// MemoryStore keeps tiles in memory. It is used for in-process runs that
// skip file I/O and by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	tiles map[TileCoord]*Tile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tiles: make(map[TileCoord]*Tile)}
}

func (s *MemoryStore) Put(ctx context.Context, t *Tile) error {
	if err := t.Image.Validate(); err != nil {
		return fmt.Errorf("tile %s: %w", t.Coord, err)
	}
	cp := &Tile{Coord: t.Coord, Bounds: t.Bounds, Image: t.Image.Clone()}
	s.mu.Lock()
	s.tiles[t.Coord] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, c TileCoord) (*Tile, error) {
	s.mu.RLock()
	t, ok := s.tiles[c]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tile %s: %w", c, ErrTileNotFound)
	}
	return &Tile{Coord: t.Coord, Bounds: t.Bounds, Image: t.Image.Clone()}, nil
}

func (s *MemoryStore) Has(c TileCoord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tiles[c]
	return ok
}

// FileStore persists tiles as image files in a working directory.
type FileStore struct {
	dir     string
	stackID string
	codec   ImageCodec
	seq     uint64
	mu      sync.Mutex
}

func NewFileStore(dir, stackID string, codec ImageCodec) *FileStore {
	return &FileStore{dir: dir, stackID: stackID, codec: codec}
}

// Path returns where the tile for c lives.
func (s *FileStore) Path(c TileCoord) string {
	return filepath.Join(s.dir, TileFileName(s.stackID, c))
}

// Put writes to a temporary file and renames it into place so a reader
// never observes a partially written tile.
func (s *FileStore) Put(ctx context.Context, t *Tile) error {
	if err := t.Image.Validate(); err != nil {
		return fmt.Errorf("tile %s: %w", t.Coord, err)
	}
	img := t.Image.Clone()
	img.X0, img.Y0 = t.Bounds.X0, t.Bounds.Y0
	if img.Labels == nil {
		img.Labels = make(map[string]string)
	}
	img.Labels[LabelKind] = "tile"
	img.Labels[LabelStackID] = s.stackID
	img.Labels[LabelTileIX] = strconv.Itoa(t.Coord.IX)
	img.Labels[LabelTileIY] = strconv.Itoa(t.Coord.IY)

	final := s.Path(t.Coord)
	tmp := filepath.Join(s.dir, fmt.Sprintf(".tmp-%d-%s", s.nextSeq(), TileFileName(s.stackID, t.Coord)))
	if err := s.codec.Write(tmp, img); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write tile %s: %w", t.Coord, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit tile %s: %w", t.Coord, err)
	}
	return nil
}

func (s *FileStore) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

func (s *FileStore) Load(ctx context.Context, c TileCoord) (*Tile, error) {
	path := s.Path(c)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("tile %s: %w", c, ErrTileNotFound)
	}
	img, err := s.codec.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", c, err)
	}
	if err := img.Validate(); err != nil {
		return nil, fmt.Errorf("tile %s: %w", c, err)
	}
	return &Tile{Coord: c, Bounds: img.Box(), Image: img}, nil
}

func (s *FileStore) Has(c TileCoord) bool {
	_, err := os.Stat(s.Path(c))
	return err == nil
}
