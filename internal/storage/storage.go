package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"sfmsweep/internal/sweep"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Store wraps SQLite-backed persistence for sweep runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates it to the
// latest schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Candidates are recorded from every worker; SQLite takes one writer.
	db.SetMaxOpenConns(1)

	s := &Store{DB: db}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp applies every pending migration.
func (s *Store) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared DB handle.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version, 0 when none.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// migrateLogger routes migrate output to slog at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	slog.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (migrateLogger) Verbose() bool { return false }

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one persisted pipeline run.
type RunRecord struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	ImageDir    string     `json:"image_dir"`
	OutputDir   string     `json:"output_dir"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CandidateRecord captures one scored candidate.
type CandidateRecord struct {
	RunID       string         `json:"run_id"`
	Stage       string         `json:"stage"`
	CandidateID int            `json:"candidate_id"`
	Params      map[string]any `json:"params"`
	Artifact    string         `json:"artifact"`
	Status      string         `json:"status"`
	Metric      float64        `json:"metric"`
	Error       string         `json:"error,omitempty"`
	Winner      bool           `json:"winner"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(id, imageDir, outputDir string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, started_at, status, image_dir, output_dir) VALUES (?, ?, ?, ?, ?);`,
		id, time.Now().UTC(), RunRunning, imageDir, outputDir)
	return err
}

// RecordRunResult finalizes a run.
func (s *Store) RecordRunResult(id string, runErr error) error {
	if s == nil {
		return nil
	}
	status, msg := RunCompleted, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=?, error=? WHERE id=?;`,
		status, time.Now().UTC(), msg, id)
	return err
}

// RecordCandidate persists a finished candidate. Safe for concurrent use.
func (s *Store) RecordCandidate(runID string, c sweep.Candidate) error {
	if s == nil {
		return nil
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	var errMsg string
	if c.Err != nil {
		errMsg = c.Err.Error()
	}
	completed := time.Now().UTC()
	started := completed.Add(-c.Duration)
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO candidates (run_id, stage, candidate_id, params_json, artifact, status, metric, error, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		runID, string(c.Stage), c.ID, string(params), c.Artifact, string(c.Status), c.Metric, errMsg, started, completed)
	return err
}

// RecordWinner stores the selected candidate of a stage.
func (s *Store) RecordWinner(runID string, c sweep.Candidate) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO winners (run_id, stage, candidate_id, metric) VALUES (?, ?, ?, ?);`,
		runID, string(c.Stage), c.ID, c.Metric)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, image_dir, output_dir, error, started_at, completed_at FROM runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var imageDir, outputDir, errMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Status, &imageDir, &outputDir, &errMsg, &rec.StartedAt, &completed); err != nil {
			return nil, err
		}
		rec.ImageDir, rec.OutputDir, rec.Error = imageDir.String, outputDir.String, errMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunCandidates returns every candidate of a run ordered by stage execution
// and candidate id, with winners flagged.
func (s *Store) RunCandidates(runID string) ([]CandidateRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT c.run_id, c.stage, c.candidate_id, c.params_json, c.artifact, c.status, c.metric, c.error,
            c.started_at, c.completed_at, w.candidate_id IS NOT NULL
        FROM candidates c
        LEFT JOIN winners w ON w.run_id = c.run_id AND w.stage = c.stage AND w.candidate_id = c.candidate_id
        WHERE c.run_id = ?
        ORDER BY CASE c.stage WHEN 'features' THEN 0 WHEN 'matching' THEN 1 WHEN 'sparse' THEN 2 ELSE 3 END, c.candidate_id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CandidateRecord
	for rows.Next() {
		var rec CandidateRecord
		var params, artifact, errMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.CandidateID, &params, &artifact, &rec.Status, &rec.Metric, &errMsg,
			&started, &completed, &rec.Winner); err != nil {
			return nil, err
		}
		rec.Artifact, rec.Error = artifact.String, errMsg.String
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &rec.Params); err != nil {
				return nil, fmt.Errorf("unmarshal params: %w", err)
			}
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
