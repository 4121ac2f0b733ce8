package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Unit kinds and statuses as stored in the ledger.
const (
	KindWarpMeasure = "warp_measure"
	KindTileExec    = "tile_exec"

	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Store is the run ledger: one row per run and one per work unit.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Ledger writes come from every worker; one connection serializes them.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            stack_id TEXT NOT NULL,
            mode TEXT NOT NULL,
            state TEXT NOT NULL,
            work_dir TEXT,
            config_json TEXT,
            kernel_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS work_units (
            run_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            unit_key TEXT NOT NULL,
            status TEXT NOT NULL,
            seeing REAL,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT,
            PRIMARY KEY (run_id, kind, unit_key)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_work_units_status ON work_units(run_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_stack ON runs(stack_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted run.
type RunRecord struct {
	ID          string     `json:"id"`
	StackID     string     `json:"stack_id"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	WorkDir     string     `json:"work_dir"`
	ConfigJSON  string     `json:"-"`
	KernelJSON  string     `json:"kernel,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// UnitRecord captures a persisted work unit.
type UnitRecord struct {
	RunID       string         `json:"run_id"`
	Kind        string         `json:"kind"`
	Key         string         `json:"key"`
	Status      string         `json:"status"`
	Seeing      *float64       `json:"seeing,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecordRunStart inserts a new run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, stack_id, mode, state, work_dir, config_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.StackID, rec.Mode, rec.State, rec.WorkDir, rec.ConfigJSON)
	return err
}

// RecordRunState moves a run to state. Terminal states also set completed_at.
func (s *Store) RecordRunState(id, state string, terminal bool, errMsg string) error {
	if s == nil {
		return nil
	}
	q := `UPDATE runs SET state=?, updated_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`
	if terminal {
		q = `UPDATE runs SET state=?, updated_at=CURRENT_TIMESTAMP, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`
	}
	_, err := s.DB.Exec(q, state, errMsg, id)
	return err
}

// RecordRunStack updates the stack ID once it is known.
func (s *Store) RecordRunStack(id, stackID, workDir string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET stack_id=?, work_dir=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`, stackID, workDir, id)
	return err
}

// RecordKernel stores the aggregate PSF kernel of a run.
func (s *Store) RecordKernel(id string, kernel any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(kernel)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`UPDATE runs SET kernel_json=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`, string(b), id)
	return err
}

// RecordUnitQueued inserts or resets a unit.
func (s *Store) RecordUnitQueued(runID, kind, key string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO work_units (run_id, kind, unit_key, status) VALUES (?, ?, ?, ?);`,
		runID, kind, key, StatusQueued)
	return err
}

// RecordUnitStart marks a unit as running.
func (s *Store) RecordUnitStart(runID, kind, key string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE work_units SET status=?, started_at=CURRENT_TIMESTAMP WHERE run_id=? AND kind=? AND unit_key=?;`,
		StatusRunning, runID, kind, key)
	return err
}

// RecordUnitResult finalizes a unit. seeing may be nil.
func (s *Store) RecordUnitResult(runID, kind, key, status string, seeing *float64, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	var see sql.NullFloat64
	if seeing != nil {
		see = sql.NullFloat64{Float64: *seeing, Valid: true}
	}
	_, err := s.DB.Exec(`UPDATE work_units SET status=?, seeing=?, meta_json=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE run_id=? AND kind=? AND unit_key=?;`,
		status, see, string(metaJSON), errMsg, runID, kind, key)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, stack_id, mode, state, work_dir, config_json, kernel_json, created_at, updated_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Run fetches one run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, stack_id, mode, state, work_dir, config_json, kernel_json, created_at, updated_at, completed_at, error_message FROM runs WHERE id=?;`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var workDir, cfgJSON, kernelJSON, errMsg sql.NullString
	var completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.StackID, &rec.Mode, &rec.State, &workDir, &cfgJSON, &kernelJSON, &rec.CreatedAt, &rec.UpdatedAt, &completed, &errMsg); err != nil {
		return RunRecord{}, err
	}
	rec.WorkDir = workDir.String
	rec.ConfigJSON = cfgJSON.String
	rec.KernelJSON = kernelJSON.String
	rec.Error = errMsg.String
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// Units lists the units of a run, optionally filtered by kind and status
// (empty strings match everything).
func (s *Store) Units(runID, kind, status string) ([]UnitRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, kind, unit_key, status, seeing, meta_json, created_at, started_at, completed_at, error_message
        FROM work_units
        WHERE run_id=? AND (?='' OR kind=?) AND (?='' OR status=?)
        ORDER BY kind, rowid;`, runID, kind, kind, status, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []UnitRecord
	for rows.Next() {
		var rec UnitRecord
		var seeing sql.NullFloat64
		var metaJSON, errMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.Kind, &rec.Key, &rec.Status, &seeing, &metaJSON, &rec.CreatedAt, &started, &completed, &errMsg); err != nil {
			return nil, err
		}
		if seeing.Valid {
			v := seeing.Float64
			rec.Seeing = &v
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Counts returns unit counts by status for one kind of a run.
func (s *Store) Counts(runID, kind string) (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM work_units WHERE run_id=? AND kind=? GROUP BY status;`, runID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
