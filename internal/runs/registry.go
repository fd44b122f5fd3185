package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/agentruns/internal/state"
)

const selectColumns = `seq, id, kind, patient_id, status, started_at, finished_at, error`

// Registry persists runs in the task_runs table. Writes are serialized
// through one mutex; the expected load is a handful of concurrent runs.
// Reads go straight to sqlite and see a consistent snapshot.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Create records a new running run. It fails with ErrDuplicateActiveRun when
// a run with the same id has not reached a terminal status.
func (r *Registry) Create(ctx context.Context, in NewRun) (Run, error) {
	if strings.TrimSpace(in.ID) == "" {
		return Run{}, fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(in.Kind) == "" {
		return Run{}, fmt.Errorf("run kind is required")
	}
	if in.StartedAt.IsZero() {
		in.StartedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var active int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_runs WHERE id = ? AND status = ?`, in.ID, StatusRunning).Scan(&active)
	if err != nil {
		return Run{}, fmt.Errorf("check active run: %w", err)
	}
	if active > 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrDuplicateActiveRun, in.ID)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, kind, patient_id, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, in.ID, in.Kind, nullString(in.PatientID), StatusRunning, formatTime(in.StartedAt))
	if err != nil {
		if state.IsConstraint(err) {
			return Run{}, fmt.Errorf("%w: %s", ErrDuplicateActiveRun, in.ID)
		}
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Run{}, fmt.Errorf("run seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("commit create: %w", err)
	}

	return Run{
		Seq:       seq,
		ID:        in.ID,
		Kind:      in.Kind,
		PatientID: in.PatientID,
		Status:    StatusRunning,
		StartedAt: parseTime(formatTime(in.StartedAt)),
	}, nil
}

// Finalize applies the terminal transition to the latest run with the given
// id. The first caller wins; later callers get an error wrapping
// ErrAlreadyFinalized and the stored record is left untouched.
func (r *Registry) Finalize(ctx context.Context, id string, out Outcome) (Run, error) {
	if !out.Status.Terminal() {
		return Run{}, fmt.Errorf("finalize %s: status %q is not terminal", id, out.Status)
	}
	if out.FinishedAt.IsZero() {
		out.FinishedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.latest(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if current.Status.Terminal() {
		return current, &FinalizedError{ID: id, Status: current.Status}
	}

	res, err := execWithRetry(ctx, r.db, `
		UPDATE task_runs SET status = ?, finished_at = ?, error = ? WHERE seq = ? AND status = ?
	`, out.Status, formatTime(out.FinishedAt), nullString(out.Reason), current.Seq, StatusRunning)
	if err != nil {
		return Run{}, fmt.Errorf("finalize run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Run{}, fmt.Errorf("finalize rows affected: %w", err)
	}
	if affected == 0 {
		latest, err := r.latest(ctx, id)
		if err != nil {
			return Run{}, err
		}
		return latest, &FinalizedError{ID: id, Status: latest.Status}
	}

	finishedAt := parseTime(formatTime(out.FinishedAt))
	current.Status = out.Status
	current.FinishedAt = &finishedAt
	current.Error = out.Reason
	return current, nil
}

// Get returns the most recent run with the given id.
func (r *Registry) Get(ctx context.Context, id string) (Run, error) {
	return r.latest(ctx, id)
}

// History returns every run recorded under id, most recent first.
func (r *Registry) History(ctx context.Context, id string) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM task_runs WHERE id = ? ORDER BY seq DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("list run history: %w", err)
	}
	return scanRuns(rows)
}

// List returns runs ordered by start time, most recent first. A limit of
// zero or less returns every run.
func (r *Registry) List(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + selectColumns + ` FROM task_runs ORDER BY started_at DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// FailOrphans finalizes runs left running by a previous process as errors.
func (r *Registry) FailOrphans(ctx context.Context, finishedAt time.Time, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := execWithRetry(ctx, r.db, `
		UPDATE task_runs SET status = ?, finished_at = ?, error = ? WHERE status = ?
	`, StatusError, formatTime(finishedAt), nullString(reason), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned runs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("orphaned rows affected: %w", err)
	}
	return int(affected), nil
}

func (r *Registry) latest(ctx context.Context, id string) (Run, error) {
	if strings.TrimSpace(id) == "" {
		return Run{}, fmt.Errorf("%w: empty id", ErrUnknownRun)
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_runs WHERE id = ? ORDER BY seq DESC LIMIT 1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: %s", ErrUnknownRun, id)
		}
		return Run{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var patientID, finishedAt, errorStr sql.NullString
	var startedAt string
	if err := row.Scan(&run.Seq, &run.ID, &run.Kind, &patientID, &run.Status, &startedAt, &finishedAt, &errorStr); err != nil {
		return Run{}, err
	}
	run.StartedAt = parseTime(startedAt)
	if patientID.Valid {
		run.PatientID = patientID.String
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t := parseTime(finishedAt.String)
		run.FinishedAt = &t
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	out := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func execWithRetry(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !state.IsBusy(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
	return nil, err
}
