package labels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/triage/internal/types"
)

// API is the subset of the issue tracker the Reconciler needs.
// CreateLabelIfAbsent reports whether it created the label; a label that
// already exists, including one created concurrently by another run, is
// (false, nil).
type API interface {
	CreateLabelIfAbsent(ctx context.Context, spec types.LabelSpec) (bool, error)
	AddLabels(ctx context.Context, issueID string, names []string) error
}

// Report records what a reconcile did. Tracker failures are warnings, not
// errors: a run that classified an issue should not fail because a label
// call did.
type Report struct {
	Created  []string `json:"created,omitempty"`
	Existing []string `json:"existing,omitempty"`
	Attached []string `json:"attached,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Merge appends other into r
func (r *Report) Merge(other Report) {
	r.Created = append(r.Created, other.Created...)
	r.Existing = append(r.Existing, other.Existing...)
	r.Attached = append(r.Attached, other.Attached...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Reconciler creates missing labels and attaches them to issues. It only
// ever adds labels.
type Reconciler struct {
	api    API
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the tracker API
func NewReconciler(api API, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{api: api, logger: logger}
}

// Ensure creates every spec that does not exist yet, leaving existing labels
// untouched.
func (r *Reconciler) Ensure(ctx context.Context, specs []types.LabelSpec) Report {
	var rep Report
	for _, spec := range dedupe(specs) {
		created, err := r.api.CreateLabelIfAbsent(ctx, spec)
		switch {
		case err != nil:
			msg := fmt.Sprintf("create label %q: %v", spec.Name, err)
			r.logger.Warn("label creation failed", "label", spec.Name, "error", err)
			rep.Warnings = append(rep.Warnings, msg)
		case created:
			r.logger.Info("created label", "label", spec.Name, "color", spec.Color)
			rep.Created = append(rep.Created, spec.Name)
		default:
			rep.Existing = append(rep.Existing, spec.Name)
		}
	}
	return rep
}

// Reconcile ensures the specs exist and then attaches all of them to the
// issue. Attaching is attempted even when a creation failed, since trackers
// accept labels they will create on the fly.
func (r *Reconciler) Reconcile(ctx context.Context, issueID string, specs []types.LabelSpec) Report {
	specs = dedupe(specs)
	if len(specs) == 0 {
		return Report{}
	}
	rep := r.Ensure(ctx, specs)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	if err := r.api.AddLabels(ctx, issueID, names); err != nil {
		r.logger.Warn("attaching labels failed", "issue", issueID, "labels", names, "error", err)
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("add labels to %s: %v", issueID, err))
		return rep
	}
	rep.Attached = names
	return rep
}

// dedupe drops empty names and later repeats of a name, keeping order.
func dedupe(specs []types.LabelSpec) []types.LabelSpec {
	seen := make(map[string]bool, len(specs))
	out := make([]types.LabelSpec, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out
}
