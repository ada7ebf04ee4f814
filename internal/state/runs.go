package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	RunStatusSuccess = "success"
	RunStatusError   = "error"

	SnapshotJSON   = "json"
	SnapshotOpaque = "opaque"
)

// Snapshot is the trace representation of an agent output. JSON snapshots
// carry the encoded value; opaque snapshots carry only the Go type name.
type Snapshot struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Type  string          `json:"type,omitempty"`
}

type TraceEntry struct {
	RunID       string    `json:"runId"`
	ParentRunID string    `json:"parentRunId,omitempty"`
	RootRunID   string    `json:"rootRunId"`
	AgentName   string    `json:"agentName"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	Status      string    `json:"status"`
	Output      *Snapshot `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// RunRecord is the immutable record of one root invocation.
type RunRecord struct {
	RootRunID  string       `json:"rootRunId"`
	RunID      string       `json:"runId"`
	StoryID    string       `json:"storyId"`
	AgentName  string       `json:"agentName"`
	Status     string       `json:"status"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMs int64        `json:"durationMs"`
	Trace      []TraceEntry `json:"trace"`
}

func (s *Store) SaveRunRecord(ctx context.Context, rec RunRecord) error {
	if rec.RootRunID == "" {
		return fmt.Errorf("run record root id is required")
	}
	traceJSON, err := json.Marshal(rec.Trace)
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO run_records (root_run_id, run_id, story_id, agent_name, status, error, started_at, finished_at, duration_ms, trace, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RootRunID, rec.RunID, rec.StoryID, rec.AgentName, rec.Status, nullString(rec.Error),
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt), rec.DurationMs, string(traceJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

const runColumns = `root_run_id, run_id, story_id, agent_name, status, error, started_at, finished_at, duration_ms, trace`

func (s *Store) GetRunRecord(ctx context.Context, rootRunID string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_records WHERE root_run_id = ?`, rootRunID)
	rec, err := scanRunRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %s: %w", rootRunID, ErrNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run record: %w", err)
	}
	return rec, nil
}

// ListRunRecords returns a story's records newest first.
func (s *Store) ListRunRecords(ctx context.Context, storyID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM run_records WHERE story_id = ?
		ORDER BY created_at DESC, root_run_id DESC LIMIT ?`, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRunRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run records: %w", err)
	}
	return out, nil
}

func scanRunRecord(row scanner) (RunRecord, error) {
	var rec RunRecord
	var errStr sql.NullString
	var startedAt, finishedAt, traceJSON string
	if err := row.Scan(&rec.RootRunID, &rec.RunID, &rec.StoryID, &rec.AgentName, &rec.Status, &errStr,
		&startedAt, &finishedAt, &rec.DurationMs, &traceJSON); err != nil {
		return RunRecord{}, err
	}
	rec.Error = errStr.String
	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseTime(finishedAt)
	if err := json.Unmarshal([]byte(traceJSON), &rec.Trace); err != nil {
		return RunRecord{}, fmt.Errorf("decode trace: %w", err)
	}
	return rec, nil
}
