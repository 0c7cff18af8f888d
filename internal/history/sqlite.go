package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/selftestd/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path    string
	maxRows int

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string, maxRows int) *SQLiteStore {
	return &SQLiteStore{path: path, maxRows: maxRows}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// one writer; the subscriber goroutine and UDS readers share it
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, run model.RunRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, ended_at, state, requested, expanded, tool_mask, outcome, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			state = excluded.state,
			requested = excluded.requested,
			expanded = excluded.expanded,
			tool_mask = excluded.tool_mask,
			outcome = excluded.outcome,
			result_json = excluded.result_json
	`, run.RunID, formatTime(run.StartedAt), formatTime(run.EndedAt), run.State,
		int64(run.Requested), int64(run.Expanded), int64(run.ToolMask), run.Outcome.String(), string(payload))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	if s.maxRows > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM runs WHERE seq NOT IN (
				SELECT seq FROM runs ORDER BY seq DESC LIMIT ?
			)
		`, s.maxRows)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Recent(ctx context.Context, n int) ([]model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = -1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, started_at, ended_at, state, requested, expanded, tool_mask, outcome, result_json
		FROM runs ORDER BY seq DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, runID string) (model.RunRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return model.RunRecord{}, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT run_id, started_at, ended_at, state, requested, expanded, tool_mask, outcome, result_json
		FROM runs WHERE run_id = ?
	`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunRecord{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	db, err := s.getDB()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	err = db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(outcome = 'passed'), 0),
			COALESCE(SUM(outcome = 'failed'), 0),
			COALESCE(SUM(outcome = 'unknown'), 0),
			COALESCE(SUM(state = 'Aborted'), 0)
		FROM runs
	`).Scan(&st.Total, &st.Passed, &st.Failed, &st.Unknown, &st.Aborted)
	return st, err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("history store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			state TEXT NOT NULL,
			requested INTEGER NOT NULL,
			expanded INTEGER NOT NULL,
			tool_mask INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			result_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS runs_ended_at ON runs (ended_at);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.RunRecord, error) {
	var (
		r                             model.RunRecord
		started, ended, outcome, data string
		requested, expanded, toolMask int64
	)
	if err := row.Scan(&r.RunID, &started, &ended, &r.State, &requested, &expanded, &toolMask, &outcome, &data); err != nil {
		return model.RunRecord{}, err
	}
	r.Requested, r.Expanded, r.ToolMask = uint64(requested), uint64(expanded), uint64(toolMask)
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return model.RunRecord{}, fmt.Errorf("run %s started_at: %w", r.RunID, err)
	}
	if r.EndedAt, err = parseTime(ended); err != nil {
		return model.RunRecord{}, fmt.Errorf("run %s ended_at: %w", r.RunID, err)
	}
	if err := r.Outcome.UnmarshalText([]byte(outcome)); err != nil {
		return model.RunRecord{}, fmt.Errorf("run %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(data), &r.Result); err != nil {
		return model.RunRecord{}, fmt.Errorf("decode run %s result: %w", r.RunID, err)
	}
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
