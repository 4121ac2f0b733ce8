// Package registry gives read-only access to the calibrated-exposure
// registry: which visits and pointings exist for a field and filter, and
// where each visit/CCD file lives.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no file is registered for a visit/CCD.
var ErrNotFound = errors.New("not found in registry")

// Query selects exposures. DateObs and Mapper are optional.
type Query struct {
	Rerun   string
	Field   string
	Filter  string
	DateObs string
	// Mapper restricts rows to one instrument's registry layout.
	Mapper string
}

// Repository is the metadata collaborator used during Init.
type Repository interface {
	QueryVisits(ctx context.Context, q Query) ([]int, error)
	QueryPointings(ctx context.Context, q Query) ([]string, error)
	ResolvePath(ctx context.Context, q Query, visit, ccd int) (string, error)
	Close() error
}

// SQLiteRepository reads a registry database with a calexp table:
//
//	calexp(mapper, rerun, visit, ccd, field, filter, pointing, date_obs, path)
//
// Relative paths are resolved against the directory holding the database.
type SQLiteRepository struct {
	path string
	root string
	db   *sql.DB
}

// Open connects to the registry at path without write access.
func Open(path string) (*SQLiteRepository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("registry %s: %w", abs, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", abs))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry ping failed: %w", err)
	}
	return &SQLiteRepository{path: abs, root: filepath.Dir(abs), db: db}, nil
}

// Close releases the connection.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const whereQuery = `rerun=? AND field=? AND filter=? AND (?='' OR date_obs=?) AND (?='' OR mapper=?)`

func queryArgs(q Query) []any {
	return []any{q.Rerun, q.Field, q.Filter, q.DateObs, q.DateObs, q.Mapper, q.Mapper}
}

// QueryVisits lists the distinct visits matching q in ascending order.
func (r *SQLiteRepository) QueryVisits(ctx context.Context, q Query) ([]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT visit FROM calexp WHERE `+whereQuery+` ORDER BY visit;`, queryArgs(q)...)
	if err != nil {
		return nil, fmt.Errorf("query visits: %w", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// QueryPointings lists the distinct pointings matching q in ascending order.
func (r *SQLiteRepository) QueryPointings(ctx context.Context, q Query) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT pointing FROM calexp WHERE `+whereQuery+` ORDER BY pointing;`, queryArgs(q)...)
	if err != nil {
		return nil, fmt.Errorf("query pointings: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ResolvePath returns the file registered for visit/ccd under q's rerun and
// mapper, or ErrNotFound.
func (r *SQLiteRepository) ResolvePath(ctx context.Context, q Query, visit, ccd int) (string, error) {
	var p string
	err := r.db.QueryRowContext(ctx,
		`SELECT path FROM calexp WHERE rerun=? AND visit=? AND ccd=? AND (?='' OR mapper=?) LIMIT 1;`,
		q.Rerun, visit, ccd, q.Mapper, q.Mapper).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("visit %d ccd %d: %w", visit, ccd, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(r.root, p)
	}
	return p, nil
}
