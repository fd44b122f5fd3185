package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Journal keeps a durable copy of published events for later inspection.
// Live subscribers never receive journaled history.
type Journal interface {
	Append(ctx context.Context, evt Event) error
	List(ctx context.Context, taskID string, opts ListOptions) ([]Event, error)
}

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLiteJournal(db *sql.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

func (j *SQLiteJournal) Append(ctx context.Context, evt Event) error {
	payloadJSON, err := encodeJSON(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var progress any
	if evt.Progress != nil {
		progress = *evt.Progress
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO run_events (id, task_id, type, step, message, progress, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, evt.ID, evt.TaskID, evt.Type, nullString(evt.Step), nullString(evt.Message), progress, payloadJSON, evt.TS.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// List returns the task's events in publish order. Events older than
// opts.Since are skipped; a zero Since returns everything.
func (j *SQLiteJournal) List(ctx context.Context, taskID string, opts ListOptions) ([]Event, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, fmt.Errorf("task id is required")
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, task_id, type, step, message, progress, payload, ts
		FROM run_events WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var evt Event
		var step, message, payloadStr sql.NullString
		var progress sql.NullFloat64
		var tsStr string
		if err := rows.Scan(&evt.ID, &evt.TaskID, &evt.Type, &step, &message, &progress, &payloadStr, &tsStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.TS, _ = time.Parse(time.RFC3339Nano, tsStr)
		if !opts.Since.IsZero() && evt.TS.Before(opts.Since) {
			continue
		}
		evt.Step = step.String
		evt.Message = message.String
		if progress.Valid {
			evt.Progress = Float(progress.Float64)
		}
		evt.Payload = decodeJSON(payloadStr.String)
		out = append(out, evt)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(v string) any {
	if v == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
