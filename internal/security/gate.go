// Package security implements the Security Gate: prompt-injection screening
// of issue text before anything is handed to a reasoning provider.
//
// The gate combines one or more Detectors. A detector that cannot produce a
// verdict contributes "safe" and its error is recorded on the Result; the
// gate itself never returns an error and never blocks the pipeline because
// a detector was unavailable. This favors availability over strictness:
// a run whose model detector is down is screened only by local patterns.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/steveyegge/triage/internal/types"
)

// Detector classifies an issue's title and body for prompt-injection risk.
type Detector interface {
	Name() string
	Detect(ctx context.Context, title, body string) (types.SecurityVerdict, error)
}

// Detect scans title and body separately and keeps the worst signal of each.
func (d *PatternDetector) Detect(_ context.Context, title, body string) (types.SecurityVerdict, error) {
	return mergeVerdicts(d.strict, d.Scan(title), d.Scan(body)), nil
}

// Result is the gate's output: the combined verdict plus any detector errors.
type Result struct {
	Verdict types.SecurityVerdict `json:"verdict"`

	// Errors lists detectors that failed open, as "name: message".
	Errors []string `json:"errors,omitempty"`
}

// FailedOpen reports whether any detector was unavailable.
func (r Result) FailedOpen() bool {
	return len(r.Errors) > 0
}

// Gate runs every configured detector and merges their verdicts by taking
// the highest risk level and confidence.
type Gate struct {
	detectors []Detector
	strict    bool
	logger    *slog.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithDetector adds a detector after the built-in pattern detector.
func WithDetector(d Detector) Option {
	return func(g *Gate) {
		if d != nil {
			g.detectors = append(g.detectors, d)
		}
	}
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// NewGate creates a gate whose first detector is always the pattern detector.
func NewGate(strict bool, opts ...Option) *Gate {
	g := &Gate{
		detectors: []Detector{NewPatternDetector(strict)},
		strict:    strict,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGateWithDetectors creates a gate from an explicit detector list, with no
// built-in pattern detector. Mostly useful in tests.
func NewGateWithDetectors(strict bool, detectors ...Detector) *Gate {
	return &Gate{detectors: detectors, strict: strict, logger: slog.Default()}
}

// Check classifies the issue. With empty input or no detectors it returns
// a safe verdict.
func (g *Gate) Check(ctx context.Context, title, body string) Result {
	var res Result
	if strings.TrimSpace(title) == "" && strings.TrimSpace(body) == "" {
		res.Verdict = types.SafeVerdict()
		return res
	}

	verdicts := make([]types.SecurityVerdict, 0, len(g.detectors))
	for _, d := range g.detectors {
		v, err := detectSafely(ctx, d, title, body)
		if err != nil {
			g.logger.Warn("security detector unavailable, failing open",
				"detector", d.Name(),
				"error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.Name(), err))
			verdicts = append(verdicts, types.SafeVerdict())
			continue
		}
		verdicts = append(verdicts, v)
	}

	res.Verdict = mergeVerdicts(g.strict, verdicts...)
	if !res.Verdict.HasInjection && len(res.Verdict.Patterns) == 0 {
		res.Verdict.RiskLevel = types.RiskSafe
	}
	return res
}

// detectSafely turns a detector panic into an error so one broken detector
// cannot take the run down with it.
func detectSafely(ctx context.Context, d Detector, title, body string) (v types.SecurityVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panicked: %v", r)
		}
	}()
	v, err = d.Detect(ctx, title, body)
	if err == nil && !v.RiskLevel.IsValid() {
		err = fmt.Errorf("detector returned invalid risk level %d", int(v.RiskLevel))
	}
	return v, err
}

// ResolveBypass reports whether the exact bypass label is present. Matching
// is case-sensitive with no trimming; an empty bypass label never matches.
func ResolveBypass(labels []string, bypassLabel string) bool {
	if bypassLabel == "" {
		return false
	}
	for _, l := range labels {
		if l == bypassLabel {
			return true
		}
	}
	return false
}
