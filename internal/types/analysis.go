package types

import (
	"fmt"
	"strings"
)

// IssueType is the classification produced by the Analysis Stage
type IssueType string

const (
	TypeBug            IssueType = "bug"
	TypeEnhancement    IssueType = "enhancement"
	TypeFeatureRequest IssueType = "feature_request"
	TypeDocumentation  IssueType = "documentation"
	TypeQuestion       IssueType = "question"
	TypeTask           IssueType = "task"
)

// IssueTypes lists every valid issue type in display order.
var IssueTypes = []IssueType{TypeBug, TypeEnhancement, TypeFeatureRequest, TypeDocumentation, TypeQuestion, TypeTask}

// IsValid checks if the issue type value is valid
func (t IssueType) IsValid() bool {
	switch t {
	case TypeBug, TypeEnhancement, TypeFeatureRequest, TypeDocumentation, TypeQuestion, TypeTask:
		return true
	}
	return false
}

// Severity is the impact rating produced by the Analysis Stage
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every valid severity from least to most severe.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AnalysisResult is the structured classification of an issue
type AnalysisResult struct {
	IssueType          IssueType          `json:"issue_type" jsonschema:"enum=bug,enum=enhancement,enum=feature_request,enum=documentation,enum=question,enum=task"`
	Severity           Severity           `json:"severity" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
	RootCause          string             `json:"root_cause"`                                        // Most likely cause, grounded in the codebase
	AffectedComponents []string           `json:"affected_components"`                               // Modules or subsystems involved
	CodeLocations      []CodeLocation     `json:"code_locations"`                                    // Where the problem or change lives
	ProposedSolutions  []ProposedSolution `json:"proposed_solutions"`                                // Concrete fixes, best first
	ConfidenceScore    float64            `json:"confidence_score" jsonschema:"minimum=0,maximum=1"` // Model's confidence in this analysis
	Summary            string             `json:"summary"`                                           // One-paragraph overview
}

// CodeLocation points at code relevant to an issue. Every field is optional.
type CodeLocation struct {
	FilePath     string `json:"file_path,omitempty"`
	LineNumber   int    `json:"line_number,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	ClassName    string `json:"class_name,omitempty"`
}

// String renders the location as path:line (function)
func (c CodeLocation) String() string {
	var b strings.Builder
	b.WriteString(c.FilePath)
	if c.LineNumber > 0 {
		fmt.Fprintf(&b, ":%d", c.LineNumber)
	}
	switch {
	case c.ClassName != "" && c.FunctionName != "":
		fmt.Fprintf(&b, " (%s.%s)", c.ClassName, c.FunctionName)
	case c.FunctionName != "":
		fmt.Fprintf(&b, " (%s)", c.FunctionName)
	case c.ClassName != "":
		fmt.Fprintf(&b, " (%s)", c.ClassName)
	}
	return strings.TrimSpace(b.String())
}

// ProposedSolution is one candidate fix
type ProposedSolution struct {
	Description string `json:"description"`
	Change      string `json:"change,omitempty"`   // Code or config change, free form
	Location    string `json:"location,omitempty"` // File or component the change applies to
	Rationale   string `json:"rationale,omitempty"`
}

// Normalize folds the spellings models commonly produce onto the canonical
// enum values and clamps the confidence score into [0,1]. A score above 1
// but no more than 100 is read as a percentage.
func (a *AnalysisResult) Normalize() {
	t := strings.ToLower(strings.TrimSpace(string(a.IssueType)))
	t = strings.NewReplacer("-", "_", " ", "_").Replace(t)
	switch t {
	case "feature", "feature_req", "featurerequest":
		t = string(TypeFeatureRequest)
	case "docs", "doc":
		t = string(TypeDocumentation)
	}
	a.IssueType = IssueType(t)
	a.Severity = Severity(strings.ToLower(strings.TrimSpace(string(a.Severity))))

	switch {
	case a.ConfidenceScore > 1 && a.ConfidenceScore <= 100:
		a.ConfidenceScore /= 100
	case a.ConfidenceScore > 100:
		a.ConfidenceScore = 1
	case a.ConfidenceScore < 0:
		a.ConfidenceScore = 0
	}
}

// Validate checks if the analysis result has valid field values
func (a *AnalysisResult) Validate() error {
	if !a.IssueType.IsValid() {
		return fmt.Errorf("invalid issue type: %q", a.IssueType)
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %q", a.Severity)
	}
	if a.ConfidenceScore < 0.0 || a.ConfidenceScore > 1.0 {
		return fmt.Errorf("confidence_score must be between 0.0 and 1.0 (got %.2f)", a.ConfidenceScore)
	}
	return nil
}
