package tracker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/steveyegge/triage/internal/types"
)

// Comment is a comment recorded by the memory backend
type Comment struct {
	IssueID string
	Body    string
}

// Memory is an in-process tracker. It backs dry runs and tests, and can
// inject failures per operation.
type Memory struct {
	mu       sync.Mutex
	labels   map[string]types.LabelSpec
	issues   map[string]*types.IssueEvent
	comments []Comment
	failures map[string][]error
	calls    map[string]int
}

// Compile-time check that Memory implements Tracker
var _ Tracker = (*Memory)(nil)

// Operation names accepted by FailNext and Calls
const (
	OpCreateLabel = "create_label"
	OpAddLabels   = "add_labels"
	OpComment     = "comment"
	OpList        = "list"
)

// NewMemory creates an empty memory tracker seeded with issues
func NewMemory(issues ...types.IssueEvent) *Memory {
	m := &Memory{
		labels:   make(map[string]types.LabelSpec),
		issues:   make(map[string]*types.IssueEvent),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, e := range issues {
		m.AddIssue(e)
	}
	return m
}

func (m *Memory) Name() string { return string(KindMemory) }

// AddIssue stores an issue, replacing any with the same id
func (m *Memory) AddIssue(e types.IssueEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := e.WithBody(e.Body)
	m.issues[e.ID] = &c
}

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// must be called with mu held
func (m *Memory) begin(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) CreateLabelIfAbsent(_ context.Context, spec types.LabelSpec) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCreateLabel); err != nil {
		return false, err
	}
	if _, ok := m.labels[spec.Name]; ok {
		return false, nil
	}
	m.labels[spec.Name] = spec
	return true, nil
}

func (m *Memory) AddLabels(_ context.Context, issueID string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpAddLabels); err != nil {
		return err
	}
	issue, ok := m.issues[issueID]
	if !ok {
		issue = &types.IssueEvent{ID: issueID, State: types.StatusOpen}
		m.issues[issueID] = issue
	}
	for _, n := range names {
		if _, ok := m.labels[n]; !ok {
			m.labels[n] = types.LabelSpec{Name: n}
		}
		if !slices.Contains(issue.Labels, n) {
			issue.Labels = append(issue.Labels, n)
		}
	}
	return nil
}

func (m *Memory) PostComment(_ context.Context, issueID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpComment); err != nil {
		return err
	}
	m.comments = append(m.comments, Comment{IssueID: issueID, Body: body})
	return nil
}

func (m *Memory) ListOpenIssues(_ context.Context, limit int) ([]types.IssueEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpList); err != nil {
		return nil, err
	}
	var out []types.IssueEvent
	for _, e := range m.issues {
		if e.IsOpen() {
			out = append(out, e.WithBody(e.Body))
		}
	}
	types.SortByCreation(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Labels returns the labels attached to an issue
func (m *Memory) Labels(issueID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if issue, ok := m.issues[issueID]; ok {
		return slices.Clone(issue.Labels)
	}
	return nil
}

// Label returns a label definition
func (m *Memory) Label(name string) (types.LabelSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.labels[name]
	return spec, ok
}

// LabelCount returns how many label definitions exist
func (m *Memory) LabelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.labels)
}

// Comments returns the comments posted to an issue, oldest first
func (m *Memory) Comments(issueID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.comments {
		if c.IssueID == issueID {
			out = append(out, c.Body)
		}
	}
	return out
}

// AllComments returns every comment in posting order
func (m *Memory) AllComments() []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.comments)
}

func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("Memory{issues: %d, labels: %d, comments: %d}", len(m.issues), len(m.labels), len(m.comments))
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
