// Package runlog archives streamed runs in a local SQLite database.
package runlog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"
)

// ErrRunNotFound 归档中没有该运行
var ErrRunNotFound = errors.New("runlog: run not found")

// RunStatus 运行归档状态
type RunStatus string

const (
	// StatusStreaming 已收到日志，尚未完成
	StatusStreaming RunStatus = "streaming"
	// StatusDone 收到 flow:done
	StatusDone RunStatus = "done"
)

// Run 一次运行的汇总
type Run struct {
	ID         string     `json:"id" yaml:"id"`
	Status     RunStatus  `json:"status" yaml:"status"`
	Message    string     `json:"message,omitempty" yaml:"message,omitempty"`
	Batches    int64      `json:"batches" yaml:"batches"`
	Entries    int64      `json:"entries" yaml:"entries"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Batch 一次 flow:log 投递
type Batch struct {
	ID         string            `json:"id" yaml:"id"`
	RunID      string            `json:"run_id" yaml:"run_id"`
	Seq        int64             `json:"seq" yaml:"seq"`
	Entries    []json.RawMessage `json:"entries" yaml:"-"`
	ReceivedAt time.Time         `json:"received_at" yaml:"received_at"`
}

// Store 使用 SQLite 持久化运行日志
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open 打开或创建归档
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:   db,
		path: dbPath,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  message TEXT DEFAULT '',
  batches INTEGER NOT NULL DEFAULT 0,
  entries INTEGER NOT NULL DEFAULT 0,
  started_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_updated ON runs(updated_at DESC);

CREATE TABLE IF NOT EXISTS batches (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  entries_json TEXT NOT NULL,
  entry_count INTEGER NOT NULL,
  received_at INTEGER NOT NULL,
  FOREIGN KEY(run_id) REFERENCES runs(run_id),
  UNIQUE(run_id, seq)
);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	return nil
}

// Path 数据库文件路径
func (s *Store) Path() string {
	return s.path
}

// Close 关闭存储
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordBatch stores one batch and returns its 1-based sequence within the run.
func (s *Store) RecordBatch(runID string, entries []json.RawMessage) (int64, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, fmt.Errorf("run_id is required")
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal entries: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	if err := touchRun(tx, runID, now); err != nil {
		return 0, err
	}

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM batches WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to allocate batch seq: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO batches(id, run_id, seq, entries_json, entry_count, received_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), runID, seq, string(payload), len(entries), now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE runs SET batches = batches + 1, entries = entries + ?, updated_at = ? WHERE run_id = ?`,
		len(entries), now, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return seq, nil
}

// RecordDone marks the run finished with the completion message.
func (s *Store) RecordDone(runID, message string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	if err := touchRun(tx, runID, now); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE runs SET status = ?, message = ?, finished_at = ?, updated_at = ? WHERE run_id = ?`,
		string(StatusDone), message, now, now, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return tx.Commit()
}

func touchRun(tx *sql.Tx, runID string, now int64) error {
	_, err := tx.Exec(
		`INSERT INTO runs(run_id, status, started_at, updated_at) VALUES(?,?,?,?)
     ON CONFLICT(run_id) DO NOTHING`,
		runID, string(StatusStreaming), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recently updated runs first. limit <= 0 means all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT run_id, status, message, batches, entries, started_at, updated_at, finished_at
    FROM runs ORDER BY updated_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// GetRun 获取单个运行
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, status, message, batches, entries, started_at, updated_at, finished_at
    FROM runs WHERE run_id = ?`, strings.TrimSpace(runID),
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// Batches returns a run's batches in arrival order.
func (s *Store) Batches(runID string) ([]Batch, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, seq, entries_json, received_at FROM batches WHERE run_id = ? ORDER BY seq`,
		strings.TrimSpace(runID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b          Batch
			payload    string
			receivedAt int64
		)
		if err := rows.Scan(&b.ID, &b.RunID, &b.Seq, &payload, &receivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &b.Entries); err != nil {
			return nil, fmt.Errorf("failed to decode batch %d: %w", b.Seq, err)
		}
		b.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run        Run
		status     string
		message    sql.NullString
		startedAt  int64
		updatedAt  int64
		finishedAt sql.NullInt64
	)
	if err := row.Scan(&run.ID, &status, &message, &run.Batches, &run.Entries, &startedAt, &updatedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.Message = message.String
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	run.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64).UTC()
		run.FinishedAt = &t
	}
	return &run, nil
}
