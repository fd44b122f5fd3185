package eventbus

import (
	"errors"
	"time"
)

type EventType string

const (
	TypeHello     EventType = "hello"
	TypeEvent     EventType = "event"
	TypeWarning   EventType = "warning"
	TypeFinished  EventType = "finished"
	TypeError     EventType = "error"
	TypeCancelled EventType = "cancelled"
)

// Terminal reports whether t ends a task's stream.
func (t EventType) Terminal() bool {
	switch t {
	case TypeFinished, TypeError, TypeCancelled:
		return true
	default:
		return false
	}
}

func (t EventType) Valid() bool {
	switch t {
	case TypeHello, TypeEvent, TypeWarning, TypeFinished, TypeError, TypeCancelled:
		return true
	default:
		return false
	}
}

// Event is one entry in a task's ordered stream.
type Event struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Type     EventType `json:"type"`
	Step     string    `json:"step,omitempty"`
	Message  string    `json:"message,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	TS       time.Time `json:"ts"`
	Payload  any       `json:"payload,omitempty"`
}

// Float returns a pointer to v, for filling Event.Progress.
func Float(v float64) *float64 {
	return &v
}

var (
	ErrChannelClosed = errors.New("task channel is closed")
	ErrChannelOpen   = errors.New("task channel is already open")
)

type ListOptions struct {
	Since time.Time
	Limit int
}
