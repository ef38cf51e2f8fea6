package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// IssueEvent is a normalized issue-created or issue-labeled event.
// Values are treated as immutable once built: a re-trigger produces a new
// IssueEvent rather than editing an existing one.
type IssueEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	CreatedAt time.Time `json:"created_at"`
	URL       string    `json:"url,omitempty"`
	State     Status    `json:"state,omitempty"`  // open when empty
	Action    string    `json:"action,omitempty"` // opened, labeled, reopened, sweep
}

// NewIssueEvent builds an event, copying the label slice so later edits to
// the caller's slice cannot leak into the event.
func NewIssueEvent(id, title, body string, labels []string, createdAt time.Time) IssueEvent {
	return IssueEvent{
		ID:        id,
		Title:     title,
		Body:      body,
		Labels:    slices.Clone(labels),
		CreatedAt: createdAt,
		State:     StatusOpen,
	}
}

// Validate checks if the event has valid field values
func (e *IssueEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if e.State != "" && !e.State.IsValid() {
		return fmt.Errorf("invalid state: %s", e.State)
	}
	return nil
}

// HasLabel reports whether the exact label name is present.
func (e IssueEvent) HasLabel(name string) bool {
	return slices.Contains(e.Labels, name)
}

// IsOpen reports whether the issue can take part in triage as a candidate.
func (e IssueEvent) IsOpen() bool {
	return e.State == "" || e.State == StatusOpen
}

// WithBody returns a copy of the event carrying a different body.
// Used when a stage needs a cleaned rendering of the text.
func (e IssueEvent) WithBody(body string) IssueEvent {
	out := e
	out.Body = body
	out.Labels = slices.Clone(e.Labels)
	return out
}

// Ref returns the short reference used in verdicts and reports.
func (e IssueEvent) Ref() IssueRef {
	return IssueRef{ID: e.ID, Title: e.Title, URL: e.URL}
}

// IssueRef identifies another issue in a verdict.
type IssueRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Status represents the tracker state of an issue
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusClosed:
		return true
	}
	return false
}

// ParseStatus maps tracker-specific state names onto Status.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "closed", "close", "done", "resolved":
		return StatusClosed
	default:
		return StatusOpen
	}
}

// CompareCreation orders two events by creation time, breaking ties by ID.
// It is the single notion of "earlier" used for duplicate chains.
func CompareCreation(a, b IssueEvent) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// SortByCreation orders events oldest-first, breaking ties by ID so the
// order is stable across runs.
func SortByCreation(events []IssueEvent) {
	slices.SortStableFunc(events, CompareCreation)
}
