// Package runstore keeps the history of pipeline runs in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run as it is admitted
func (s *Store) CreateRun(run *domain.Run) error {
	status := run.Status
	if status == "" {
		status = domain.RunRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, project_id, prompt, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, run.Prompt, string(status), run.StartedAt.UTC())
	return err
}

// FinishRun records the outcome of a run
func (s *Store) FinishRun(run *domain.Run) error {
	retries, err := json.Marshal(run.RetryCount)
	if err != nil {
		return err
	}
	files, err := json.Marshal(run.FilesCreated)
	if err != nil {
		return err
	}
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, success = ?, error_message = ?, retries_json = ?, files_json = ?, finished_at = ?
		WHERE id = ?
	`, string(run.Status), run.Success, run.ErrorMessage, string(retries), string(files), finished, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, domain.ErrNotFound)
	}
	return nil
}

// AppendLogs stores execution log entries after those already stored
func (s *Store) AppendLogs(runID string, entries []domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM run_logs WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO run_logs (run_id, seq, stage, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range entries {
		var payload []byte
		if len(e.Payload) > 0 {
			if payload, err = json.Marshal(e.Payload); err != nil {
				return fmt.Errorf("encoding log payload: %w", err)
			}
		}
		at := e.Time
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.Exec(runID, next+i, string(e.Stage), string(e.Status), string(payload), at.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, project_id, prompt, status, success, error_message, retries_json, files_json, started_at, finished_at`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return run, err
}

// ListRuns returns the most recent runs of a project, newest first. An empty
// projectID lists runs of all projects.
func (s *Store) ListRuns(projectID string, limit int) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLogs returns the execution log of a run in order
func (s *Store) GetLogs(runID string) ([]domain.LogEntry, error) {
	rows, err := s.db.Query(`SELECT stage, status, payload, created_at FROM run_logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var stage, status string
		var payload sql.NullString
		if err := rows.Scan(&stage, &status, &payload, &e.Time); err != nil {
			return nil, err
		}
		e.Stage = domain.Stage(stage)
		e.Status = domain.LogStatus(status)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decoding log payload: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkInterrupted flags runs left in the running state, e.g. after a crash
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, error_message = ?, finished_at = ? WHERE status = ?`,
		string(domain.RunAborted), "interrupted by restart", time.Now().UTC(), string(domain.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var errMsg, retries, files sql.NullString
	var finished sql.NullTime

	err := row.Scan(&run.ID, &run.ProjectID, &run.Prompt, &status, &run.Success, &errMsg, &retries, &files, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	run.ErrorMessage = errMsg.String
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if retries.Valid && retries.String != "" && retries.String != "null" {
		if err := json.Unmarshal([]byte(retries.String), &run.RetryCount); err != nil {
			return nil, err
		}
	}
	if files.Valid && files.String != "" && files.String != "null" {
		if err := json.Unmarshal([]byte(files.String), &run.FilesCreated); err != nil {
			return nil, err
		}
	}
	return &run, nil
}
