// Package audit persists tool calls and their approval decisions to SQLite.
package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/redact"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Entry is one audited tool call.
type Entry struct {
	UnitID    string
	CallID    string
	ToolName  string
	Arguments string
	Approval  transcript.ApprovalState
	Status    transcript.CallStatus
	Result    string
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// UnitEntry is one audited unit.
type UnitEntry struct {
	ID        string
	Kind      transcript.Kind
	Input     string
	Status    transcript.Status
	LoopState string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store handles SQLite operations for the audit log. Inputs, arguments,
// results and errors are redacted before they are written.
type Store struct {
	db       *sql.DB
	dbPath   string
	log      *logger.Logger
	redactor *redact.Redactor
}

// Open creates the database and its directory if needed.
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Nop()
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath, log: log.Named("audit"), redactor: redact.New()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		input TEXT NOT NULL,
		status TEXT NOT NULL,
		loop_state TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tool_calls (
		unit_id TEXT NOT NULL,
		call_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT,
		approval TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		PRIMARY KEY (unit_id, call_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordToolCall inserts or replaces the record for (unitID, rec.ID).
func (s *Store) RecordToolCall(unitID string, rec transcript.ToolCallRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO tool_calls (unit_id, call_id, tool_name, arguments, approval, status, result, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unit_id, call_id) DO UPDATE SET
			approval = excluded.approval,
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		unitID, rec.ID, rec.Name, s.redactor.String(string(rec.Arguments)), string(rec.Approval), string(rec.Status),
		s.redactor.String(rec.Result), s.redactor.String(rec.Error), nullTime(rec.StartedAt), nullTime(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("record tool call %s: %w", rec.ID, err)
	}
	return nil
}

// RecordUnit inserts or updates the unit row.
func (s *Store) RecordUnit(u transcript.Unit) error {
	_, err := s.db.Exec(`
		INSERT INTO units (id, kind, input, status, loop_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			loop_state = excluded.loop_state,
			updated_at = excluded.updated_at`,
		u.ID, string(u.Kind), s.redactor.String(u.Input), string(u.Status), u.Metadata.LoopState, u.CreatedAt, time.Now())
	if err != nil {
		return fmt.Errorf("record unit %s: %w", u.ID, err)
	}
	return nil
}

// ToolCalls returns the calls of one unit in insertion order.
func (s *Store) ToolCalls(unitID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT unit_id, call_id, tool_name, arguments, approval, status, result, error, started_at, ended_at
		FROM tool_calls WHERE unit_id = ? ORDER BY rowid`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest calls across all units, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT unit_id, call_id, tool_name, arguments, approval, status, result, error, started_at, ended_at
		FROM tool_calls ORDER BY rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Unit returns the audited unit row.
func (s *Store) Unit(id string) (UnitEntry, error) {
	var (
		u         UnitEntry
		kind      string
		status    string
		loopState sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT id, kind, input, status, loop_state, created_at, updated_at FROM units WHERE id = ?`, id).
		Scan(&u.ID, &kind, &u.Input, &status, &loopState, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UnitEntry{}, fmt.Errorf("unit %s: %w", id, transcript.ErrUnknownUnit)
	}
	if err != nil {
		return UnitEntry{}, err
	}
	u.Kind = transcript.Kind(kind)
	u.Status = transcript.Status(status)
	u.LoopState = loopState.String
	return u, nil
}

// CountByApproval tallies calls per approval state.
func (s *Store) CountByApproval() (map[transcript.ApprovalState]int, error) {
	rows, err := s.db.Query(`SELECT approval, COUNT(*) FROM tool_calls GROUP BY approval`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[transcript.ApprovalState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[transcript.ApprovalState(state)] = n
	}
	return out, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			args, res, errStr sql.NullString
			approval, status  string
			started, ended    sql.NullTime
		)
		if err := rows.Scan(&e.UnitID, &e.CallID, &e.ToolName, &args, &approval, &status, &res, &errStr, &started, &ended); err != nil {
			return nil, err
		}
		e.Arguments = args.String
		e.Approval = transcript.ApprovalState(approval)
		e.Status = transcript.CallStatus(status)
		e.Result = res.String
		e.Error = errStr.String
		e.StartedAt = started.Time
		e.EndedAt = ended.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
