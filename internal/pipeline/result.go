package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/report"
	"github.com/steveyegge/triage/internal/types"
)

// Transition is one recorded state change
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// SecurityRecord is the security stage's part of a run.
//
// Verdict is what detection found; Enforced says whether the pipeline acted
// on it. A bypassed critical verdict has a critical Verdict and Enforced
// false.
type SecurityRecord struct {
	Verdict  types.SecurityVerdict `json:"verdict"`
	Bypassed bool                  `json:"bypassed"`
	Enforced bool                  `json:"enforced"`
	Errors   []string              `json:"errors,omitempty"` // detectors that failed open
}

// DuplicateRecord is the duplicate stage's part of a run
type DuplicateRecord struct {
	Verdict   types.DuplicateVerdict `json:"verdict"`
	Canonical *types.IssueRef        `json:"canonical,omitempty"`
}

// AnalysisRecord is the analysis stage's part of a run
type AnalysisRecord struct {
	Result     *types.AnalysisResult `json:"result,omitempty"`
	Attempts   int                   `json:"attempts"`
	LowQuality bool                  `json:"low_quality,omitempty"`
	Reasons    []string              `json:"reasons,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// RunResult is the machine-readable record of one pipeline run. One is
// produced for every run, including failed, aborted and failed-open ones.
type RunResult struct {
	RunID       string           `json:"run_id"`
	IssueID     string           `json:"issue_id"`
	State       State            `json:"state"`
	Outcome     Outcome          `json:"outcome"`
	Transitions []Transition     `json:"transitions"`
	Security    *SecurityRecord  `json:"security,omitempty"`
	Duplicate   *DuplicateRecord `json:"duplicate,omitempty"`
	Analysis    *AnalysisRecord  `json:"analysis,omitempty"`
	Labels      labels.Report    `json:"labels"`
	Comments    []report.Kind    `json:"comments,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	DurationMS  int64            `json:"duration_ms"`
	Error       string           `json:"error,omitempty"`
}

// NotStarted returns the result of a run that was aborted before its first
// stage, such as one cancelled while waiting for a worker slot.
func NotStarted(issueID, reason string, at time.Time) *RunResult {
	return &RunResult{
		RunID:       uuid.New().String(),
		IssueID:     issueID,
		State:       StateAborted,
		Outcome:     OutcomeAborted,
		Transitions: []Transition{{From: StateStart, To: StateAborted, At: at}},
		Labels:      labels.Report{},
		StartedAt:   at,
		FinishedAt:  at,
		Error:       reason,
	}
}

// Failed reports whether the run ended in a hard failure
func (r *RunResult) Failed() bool {
	return r.State == StateFailed
}

// Visited reports whether the run passed through s
func (r *RunResult) Visited(s State) bool {
	for _, t := range r.Transitions {
		if t.To == s {
			return true
		}
	}
	return false
}

// JSON renders the result with indentation
func (r *RunResult) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
