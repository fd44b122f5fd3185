// Package runs is the authoritative store of agent task run records.
package runs

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

var (
	ErrDuplicateActiveRun = errors.New("run with this id is already active")
	ErrUnknownRun         = errors.New("unknown run")
	ErrAlreadyFinalized   = errors.New("run already finalized")
)

// Run is one execution of a task. Several runs may share an ID over time;
// Seq tells them apart and only one of them can be running at once.
type Run struct {
	Seq        int64      `json:"seq"`
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	PatientID  string     `json:"patient_id,omitempty"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Active reports whether the run has not reached a terminal status yet.
func (r Run) Active() bool {
	return r.Status == StatusRunning
}

// Duration is the wall time between start and finish, or zero while running.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type NewRun struct {
	ID        string
	Kind      string
	PatientID string
	StartedAt time.Time
}

// Outcome describes the terminal transition applied by Finalize.
type Outcome struct {
	Status     Status
	FinishedAt time.Time
	Reason     string
}

type FinalizedError struct {
	ID     string
	Status Status
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("run %s already finalized as %s", e.ID, e.Status)
}

func (e *FinalizedError) Unwrap() error {
	return ErrAlreadyFinalized
}

// timestamps are stored fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t.UTC()
}
