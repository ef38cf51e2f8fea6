// Package labels provides the triage label catalog and the Reconciler that
// makes sure labels exist before attaching them to an issue.
//
// Label families:
//   - issue type: bug, enhancement, feature-request, documentation, question, task
//   - severity: severity:low .. severity:critical
//   - security risk: security:low-risk .. security:critical-risk
//   - Duplicate
//   - the bypass label (default security-bypass), which maintainers add by hand
package labels

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/steveyegge/triage/internal/types"
)

const (
	// LabelDuplicate marks an issue the Duplicate Gate matched to an earlier one
	LabelDuplicate = "Duplicate"

	// DefaultBypassLabel is the override label that skips security enforcement
	DefaultBypassLabel = "security-bypass"
)

var typeLabels = map[types.IssueType]types.LabelSpec{
	types.TypeBug:            {Name: "bug", Color: "d73a4a", Description: "Something isn't working"},
	types.TypeEnhancement:    {Name: "enhancement", Color: "a2eeef", Description: "Improvement to existing functionality"},
	types.TypeFeatureRequest: {Name: "feature-request", Color: "7057ff", Description: "Request for new functionality"},
	types.TypeDocumentation:  {Name: "documentation", Color: "0075ca", Description: "Improvements or additions to documentation"},
	types.TypeQuestion:       {Name: "question", Color: "d876e3", Description: "Further information is requested"},
	types.TypeTask:           {Name: "task", Color: "c5def5", Description: "General maintenance or chore"},
}

var severityColors = map[types.Severity]string{
	types.SeverityLow:      "c2e0c6",
	types.SeverityMedium:   "fbca04",
	types.SeverityHigh:     "f9a03f",
	types.SeverityCritical: "b60205",
}

var riskColors = map[types.RiskLevel]string{
	types.RiskLow:      "fef2c0",
	types.RiskMedium:   "f9d0c4",
	types.RiskHigh:     "e99695",
	types.RiskCritical: "5c0011",
}

// TypeLabel returns the label for an issue type. Unknown types get a
// generated label named after the type.
func TypeLabel(t types.IssueType) types.LabelSpec {
	if spec, ok := typeLabels[t]; ok {
		return spec
	}
	return Generated(string(t))
}

// SeverityLabel returns the severity:<level> label
func SeverityLabel(s types.Severity) types.LabelSpec {
	name := "severity:" + string(s)
	color, ok := severityColors[s]
	if !ok {
		color = ColorFor(name)
	}
	return types.LabelSpec{Name: name, Color: color, Description: fmt.Sprintf("Triage severity: %s", s)}
}

// RiskLabel returns the security:<level>-risk label. RiskSafe has no label.
func RiskLabel(r types.RiskLevel) (types.LabelSpec, bool) {
	color, ok := riskColors[r]
	if !ok {
		return types.LabelSpec{}, false
	}
	return types.LabelSpec{
		Name:        fmt.Sprintf("security:%s-risk", r),
		Color:       color,
		Description: fmt.Sprintf("Possible prompt injection, %s risk", r),
	}, true
}

// DuplicateLabel returns the Duplicate label
func DuplicateLabel() types.LabelSpec {
	return types.LabelSpec{Name: LabelDuplicate, Color: "cfd3d7", Description: "This issue or pull request already exists"}
}

// BypassLabel returns the spec for the configured override label
func BypassLabel(name string) types.LabelSpec {
	if name == "" {
		name = DefaultBypassLabel
	}
	return types.LabelSpec{Name: name, Color: "0e8a16", Description: "Maintainer override: skip security enforcement during triage"}
}

// Catalog returns every label triage can apply, in a stable order.
func Catalog(bypassLabel string) []types.LabelSpec {
	var out []types.LabelSpec
	for _, t := range types.IssueTypes {
		out = append(out, TypeLabel(t))
	}
	for _, s := range types.Severities {
		out = append(out, SeverityLabel(s))
	}
	for r := types.RiskLow; r <= types.RiskCritical; r++ {
		spec, _ := RiskLabel(r)
		out = append(out, spec)
	}
	return append(out, DuplicateLabel(), BypassLabel(bypassLabel))
}

// Generated builds a spec for a label outside the catalog. The color is
// derived from the name so every run picks the same one.
func Generated(name string) types.LabelSpec {
	return types.LabelSpec{Name: name, Color: ColorFor(name), Description: "Added by issue triage"}
}

// ColorFor hashes a label name to a six-digit hex color.
func ColorFor(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%06x", h.Sum32()&0xffffff)
}

// Triaged reports whether existing carries a label only triage applies: a
// severity, a security risk or Duplicate. Type labels are not enough since
// reporters often pick those themselves.
func Triaged(existing []string) bool {
	for _, name := range existing {
		switch {
		case name == LabelDuplicate,
			strings.HasPrefix(name, "severity:"),
			strings.HasPrefix(name, "security:") && strings.HasSuffix(name, "-risk"):
			return true
		}
	}
	return false
}
