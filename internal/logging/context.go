package logging

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	IssueID   string
	RunID     string
	Stage     string
	Component string
}

// WithLogFields enriches ctx. Non-empty fields in f replace existing ones.
func WithLogFields(ctx context.Context, f LogFields) context.Context {
	merged := GetLogFields(ctx)
	if f.IssueID != "" {
		merged.IssueID = f.IssueID
	}
	if f.RunID != "" {
		merged.RunID = f.RunID
	}
	if f.Stage != "" {
		merged.Stage = f.Stage
	}
	if f.Component != "" {
		merged.Component = f.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields on ctx, or the zero value
func GetLogFields(ctx context.Context) LogFields {
	if f, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return f
	}
	return LogFields{}
}
