package tasks

import "context"

type contextKey string

const taskIDKey contextKey = "task_id"

// WithTaskID tags ctx with the id of the run it belongs to.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext returns the run id a handler context belongs to.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(taskIDKey).(string); ok {
		return val
	}
	return ""
}
