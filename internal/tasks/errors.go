package tasks

import "errors"

var (
	ErrUnknownKind      = errors.New("no handler registered for kind")
	ErrDuplicateHandler = errors.New("handler already registered for kind")
	ErrEmitterClosed    = errors.New("run no longer accepts events")
	ErrInvalidEventType = errors.New("handlers may only emit event or warning")
	ErrRunnerClosed     = errors.New("runner is shutting down")
	ErrCanceled         = errors.New("run canceled")
)
