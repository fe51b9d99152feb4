// Package runlog persists assessment runs and their per-round records in a
// local SQLite database, one row per model exchange.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of one assessment run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusGotRoot   RunStatus = "got-root"
	StatusExhausted RunStatus = "max-rounds"
	StatusFailed    RunStatus = "failed"
)

// RecordKind distinguishes the exchanges logged within a round.
type RecordKind string

const (
	KindQuery       RecordKind = "query"
	KindAnalysis    RecordKind = "analysis"
	KindStateUpdate RecordKind = "state-update"
)

// Run is one assessment run.
type Run struct {
	ID          string
	Model       string
	ContextSize int
	Tag         string
	Status      RunStatus
	Rounds      int
	State       string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while the run is live
}

// Record is one logged model exchange within a run.
type Record struct {
	RunID          string
	Round          int
	Kind           RecordKind
	Command        string
	Result         string
	Duration       time.Duration
	TokensQuery    int
	TokensResponse int
	CreatedAt      time.Time
}

// Usage carries the accounting figures of one exchange into the log.
type Usage struct {
	Duration       time.Duration
	TokensQuery    int
	TokensResponse int
}

// Store is the SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the run database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables
	// concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			model        TEXT NOT NULL,
			context_size INTEGER NOT NULL,
			tag          TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			rounds       INTEGER NOT NULL DEFAULT 0,
			state        TEXT NOT NULL DEFAULT '',
			started_at   DATETIME NOT NULL,
			finished_at  DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS round_logs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			round           INTEGER NOT NULL,
			kind            TEXT NOT NULL,
			command         TEXT NOT NULL DEFAULT '',
			result          TEXT NOT NULL DEFAULT '',
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			tokens_query    INTEGER NOT NULL DEFAULT 0,
			tokens_response INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_round_logs_run ON round_logs(run_id, round)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun registers a new running assessment and returns its id.
func (s *Store) CreateRun(ctx context.Context, model string, contextSize int, tag string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, model, context_size, tag, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, model, contextSize, tag, StatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// AppendQuery logs one next-command exchange and the result of executing it.
func (s *Store) AppendQuery(ctx context.Context, runID string, round int, command, result string, usage Usage) error {
	return s.append(ctx, runID, round, KindQuery, command, result, usage)
}

// AppendAnalysis logs one result-analysis exchange.
func (s *Store) AppendAnalysis(ctx context.Context, runID string, round int, answer string, usage Usage) error {
	return s.append(ctx, runID, round, KindAnalysis, "", answer, usage)
}

// AppendStateUpdate logs one state-update exchange; result holds the new
// fact list.
func (s *Store) AppendStateUpdate(ctx context.Context, runID string, round int, state string, usage Usage) error {
	return s.append(ctx, runID, round, KindStateUpdate, "", state, usage)
}

func (s *Store) append(ctx context.Context, runID string, round int, kind RecordKind, command, result string, usage Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO round_logs (run_id, round, kind, command, result, duration_ms, tokens_query, tokens_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, round, kind, command, result,
		usage.Duration.Milliseconds(), usage.TokensQuery, usage.TokensResponse,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert %s record: %w", kind, err)
	}
	return nil
}

// FinishRun closes a run with its terminal status, the number of rounds it
// ran, and the final fact-list state.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, rounds int, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, rounds = ?, state = ?, finished_at = ?
		WHERE id = ?`,
		status, rounds, state, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Run returns one run by id.
func (s *Store) Run(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model, context_size, tag, status, rounds, state, started_at, finished_at
		FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return r, nil
}

// Runs returns the most recent runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, context_size, tag, status, rounds, state, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Records returns every logged exchange of a run in round order.
func (s *Store) Records(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, round, kind, command, result, duration_ms, tokens_query, tokens_response, created_at
		FROM round_logs WHERE run_id = ? ORDER BY round ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.Round, &rec.Kind, &rec.Command,
			&rec.Result, &durationMS, &rec.TokensQuery, &rec.TokensResponse,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Model, &r.ContextSize, &r.Tag, &r.Status,
		&r.Rounds, &r.State, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	return &r, nil
}
