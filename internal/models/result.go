package models

import "fmt"

// ResultKind tags a TaskResult as a success or failure payload.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
)

// TaskResult is the outcome recorded for a task attempt. Success payloads
// carry FilesChanged and Summary; failure payloads carry Reason.
type TaskResult struct {
	Kind         ResultKind `json:"kind"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Success builds a success result.
func Success(summary string, files []string) *TaskResult {
	return &TaskResult{Kind: ResultSuccess, Summary: summary, FilesChanged: files}
}

// Failure builds a failure result.
func Failure(reason string) *TaskResult {
	return &TaskResult{Kind: ResultFailure, Reason: reason}
}

// Validate checks that the payload matches its kind.
func (r *TaskResult) Validate() error {
	switch r.Kind {
	case ResultSuccess:
		if r.Reason != "" {
			return fmt.Errorf("success result must not carry a failure reason")
		}
	case ResultFailure:
		if r.Reason == "" {
			return fmt.Errorf("failure result requires a reason")
		}
		if len(r.FilesChanged) > 0 || r.Summary != "" {
			return fmt.Errorf("failure result must not carry success fields")
		}
	default:
		return fmt.Errorf("unknown result kind %q", r.Kind)
	}
	return nil
}
