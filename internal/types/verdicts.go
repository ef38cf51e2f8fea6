package types

import (
	"fmt"
	"strings"
)

// RiskLevel is the ordered prompt-injection risk scale.
// The zero value is RiskSafe.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// IsValid checks if the risk level is one of the five defined levels
func (r RiskLevel) IsValid() bool {
	return r >= RiskSafe && r <= RiskCritical
}

// Blocks reports whether the level stops the pipeline when not bypassed.
func (r RiskLevel) Blocks() bool {
	return r >= RiskHigh
}

// Warns reports whether the level produces a non-blocking warning.
func (r RiskLevel) Warns() bool {
	return r == RiskLow || r == RiskMedium
}

// ParseRiskLevel accepts the level names plus a few spellings models tend
// to produce ("none", "high-risk").
func ParseRiskLevel(s string) (RiskLevel, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimSuffix(v, "-risk")
	v = strings.TrimSuffix(v, "_risk")
	switch v {
	case "safe", "none", "":
		return RiskSafe, nil
	case "low":
		return RiskLow, nil
	case "medium", "moderate":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	}
	return RiskSafe, fmt.Errorf("invalid risk level: %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid risk level: %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// SecurityVerdict is the Security Gate's classification of an event.
type SecurityVerdict struct {
	HasInjection bool      `json:"has_injection"`
	RiskLevel    RiskLevel `json:"risk_level"`
	Confidence   float64   `json:"confidence"`
	Patterns     []string  `json:"patterns,omitempty"` // category:name of every signal that fired
}

// SafeVerdict is the verdict a failed-open detector contributes.
func SafeVerdict() SecurityVerdict {
	return SecurityVerdict{RiskLevel: RiskSafe}
}

// DuplicateVerdict is the Duplicate Gate's classification of an event.
type DuplicateVerdict struct {
	IsDuplicate     bool      `json:"is_duplicate"`
	SimilarityScore float64   `json:"similarity_score"`
	ConfidenceScore float64   `json:"confidence_score"`
	MatchedIssue    *IssueRef `json:"matched_issue,omitempty"`
	Reasons         []string  `json:"reasons,omitempty"`
	ComparedCount   int       `json:"compared_count"`

	// Error is set when the gate failed open.
	Error string `json:"error,omitempty"`
}

// Validate checks if the duplicate verdict has valid values
func (d *DuplicateVerdict) Validate() error {
	if d.SimilarityScore < 0.0 || d.SimilarityScore > 1.0 {
		return fmt.Errorf("similarity_score must be between 0.0 and 1.0 (got %.2f)", d.SimilarityScore)
	}
	if d.ConfidenceScore < 0.0 || d.ConfidenceScore > 1.0 {
		return fmt.Errorf("confidence_score must be between 0.0 and 1.0 (got %.2f)", d.ConfidenceScore)
	}
	if d.IsDuplicate && d.MatchedIssue == nil {
		return fmt.Errorf("matched_issue must be set when is_duplicate is true")
	}
	if d.ComparedCount < 0 {
		return fmt.Errorf("compared_count cannot be negative (got %d)", d.ComparedCount)
	}
	return nil
}

// LabelSpec describes a tracker label. Names are unique per tracker.
type LabelSpec struct {
	Name        string `json:"name" yaml:"name"`
	Color       string `json:"color" yaml:"color"` // six hex digits, no leading #
	Description string `json:"description" yaml:"description"`
}
