// Package pipeline runs one issue event through the triage stages: security
// screening, duplicate detection, analysis, labeling and reporting.
//
// Every run produces a RunResult, whatever happened. Stage failures that
// the pipeline can live without (a detector that is down, a label call that
// failed twice) become warnings on the result; only an analysis that could
// not produce anything fails the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/steveyegge/triage/internal/ai"
	"github.com/steveyegge/triage/internal/analysis"
	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/logging"
	"github.com/steveyegge/triage/internal/report"
	"github.com/steveyegge/triage/internal/sanitize"
	"github.com/steveyegge/triage/internal/security"
	"github.com/steveyegge/triage/internal/tracker"
	"github.com/steveyegge/triage/internal/types"
)

// SecurityChecker screens raw issue text. It never fails; unavailable
// detectors are reported on the Result.
type SecurityChecker interface {
	Check(ctx context.Context, title, body string) security.Result
}

// DuplicateChecker compares an event with candidate issues and fails open.
type DuplicateChecker interface {
	Check(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) types.DuplicateVerdict
}

// Analyzer produces the structured analysis of an issue
type Analyzer interface {
	Analyze(ctx context.Context, event types.IssueEvent) (*analysis.Outcome, error)
}

// Notifier is told about blocked issues
type Notifier interface {
	NotifyBlocked(ctx context.Context, event types.IssueEvent, v types.SecurityVerdict) error
}

// Recorder persists finished runs
type Recorder interface {
	Record(ctx context.Context, r *RunResult) error
}

const excerptLimit = 600

// Config holds the pipeline's own settings
type Config struct {
	// BypassLabel skips security enforcement when present on the issue.
	BypassLabel string

	// CleanInput masks secrets, emails and IPs in text handed to the
	// duplicate and analysis stages. Security always sees the raw text.
	CleanInput bool
	Sanitize   sanitize.Options

	// RetryDelay is the pause before the single retry of a tracker call.
	RetryDelay time.Duration
}

// DefaultConfig returns the default pipeline settings
func DefaultConfig() Config {
	return Config{
		BypassLabel: labels.DefaultBypassLabel,
		CleanInput:  true,
		Sanitize:    sanitize.DefaultOptions(),
		RetryDelay:  time.Second,
	}
}

// Orchestrator drives runs. It is safe for concurrent use when its
// collaborators are.
type Orchestrator struct {
	security   SecurityChecker
	duplicates DuplicateChecker
	analyzer   Analyzer
	tracker    tracker.Tracker
	config     Config

	guard    Guard
	metrics  *Metrics
	recorder Recorder
	notifier Notifier
	chains   *deduplication.Chains
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithGuard sets the supersession guard. Defaults to a MemoryGuard.
func WithGuard(g Guard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder persists every finished run
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithNotifier is told about blocked issues
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithChains shares duplicate chains between runs, so a duplicate of a
// duplicate is reported against the oldest issue.
func WithChains(c *deduplication.Chains) Option {
	return func(o *Orchestrator) { o.chains = c }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. duplicates may be nil, in which case the
// duplicate stage is skipped. Tracker calls are retried once.
func New(sec SecurityChecker, duplicates DuplicateChecker, analyzer Analyzer, t tracker.Tracker, config Config, opts ...Option) (*Orchestrator, error) {
	if sec == nil {
		return nil, fmt.Errorf("security checker cannot be nil")
	}
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer cannot be nil")
	}
	if t == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	o := &Orchestrator{
		security:   sec,
		duplicates: duplicates,
		analyzer:   analyzer,
		config:     config,
		guard:      NewMemoryGuard(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, ok := t.(*tracker.Retrying); !ok {
		t = tracker.WithRetry(t, config.RetryDelay, o.logger)
	}
	o.tracker = t
	return o, nil
}

// Run triages one event. candidates are the other issues the duplicate
// stage may match against; the caller decides which ones qualify.
//
// Cancelling ctx, or a newer Run for the same issue, aborts the run at the
// next stage boundary. A stage already in progress finishes its tracker
// writes first, so an issue never gets half a report.
func (o *Orchestrator) Run(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) *RunResult {
	r := &run{
		o:     o,
		event: event,
		res: &RunResult{
			RunID:     uuid.New().String(),
			IssueID:   event.ID,
			State:     StateStart,
			Labels:    labels.Report{},
			StartedAt: o.now(),
		},
	}
	r.ctx = logging.WithLogFields(ctx, logging.LogFields{IssueID: event.ID, RunID: r.res.RunID, Component: "pipeline"})
	r.logger = o.logger.With("issue", event.ID, "run_id", r.res.RunID)
	r.publisher = report.NewPublisher(o.tracker, event.ID, r.logger)
	r.reconciler = labels.NewReconciler(o.tracker, r.logger)

	span := logging.StartSpan(r.ctx, "pipeline.run")
	span.SetAttributes(attribute.String("issue.id", event.ID), attribute.String("run.id", r.res.RunID))
	r.ctx = span.Context()
	defer span.End()

	r.execute(candidates)
	r.finish()
	if r.res.Failed() {
		span.RecordError(errors.New(r.res.Error))
	}
	span.SetAttributes(attribute.String("run.outcome", string(r.res.Outcome)))
	return r.res
}

// run is the state of one Run call
type run struct {
	o          *Orchestrator
	ctx        context.Context
	event      types.IssueEvent
	res        *RunResult
	ticket     Ticket
	publisher  *report.Publisher
	reconciler *labels.Reconciler
	logger     *slog.Logger
}

func (r *run) execute(candidates []types.IssueEvent) {
	if err := r.event.Validate(); err != nil {
		r.fail(fmt.Errorf("invalid event: %w", err))
		return
	}

	ticket, err := r.o.guard.Begin(r.ctx, r.event.ID)
	if err != nil {
		r.logger.Warn("run guard unavailable, supersession checks disabled", "error", err)
	}
	r.ticket = ticket

	if !r.securityStage() {
		return
	}

	cleaned, cleanedCandidates := r.event, candidates
	if r.o.config.CleanInput {
		cleaned = r.clean(r.event)
		cleanedCandidates = make([]types.IssueEvent, len(candidates))
		for i, c := range candidates {
			cleanedCandidates[i] = r.clean(c)
		}
	}
	if r.res.Security.Enforced {
		// A flagged but warned issue reaches the model with its injection
		// spans filtered out.
		cleaned = cleaned.WithBody(security.Sanitize(cleaned.Body))
		cleaned.Title = security.Sanitize(cleaned.Title)
	}

	if !r.duplicateStage(cleaned, cleanedCandidates, candidates) {
		return
	}
	r.analysisStage(cleaned)
}

// securityStage screens the raw text and enforces the verdict. It returns
// false when the run stopped.
func (r *run) securityStage() bool {
	ctx, done := r.stage("security")
	result := r.o.security.Check(ctx, r.event.Title, r.event.Body)
	done()

	rec := &SecurityRecord{
		Verdict:  result.Verdict,
		Bypassed: security.ResolveBypass(r.event.Labels, r.o.config.BypassLabel),
		Errors:   result.Errors,
	}
	r.res.Security = rec
	if result.FailedOpen() {
		r.o.metrics.observeFailOpen("security")
		r.warn("security detectors failed open: %s", strings.Join(result.Errors, "; "))
	}
	r.transition(StateSecurityChecked)
	if r.superseded() {
		return false
	}

	v := result.Verdict
	switch {
	case !v.HasInjection:
	case rec.Bypassed:
		r.logger.Info("security enforcement bypassed by label",
			"label", r.o.config.BypassLabel, "risk", v.RiskLevel.String())
	case v.RiskLevel.Blocks():
		rec.Enforced = true
		r.block(v)
		return false
	case v.RiskLevel.Warns():
		rec.Enforced = true
		r.addLabels(riskLabels(v.RiskLevel))
		r.publish(report.KindSecurityWarning, report.SecurityWarning(r.securityDetails(v)))
	}
	r.transition(StateProceeding)
	return true
}

func (r *run) block(v types.SecurityVerdict) {
	r.logger.Warn("issue blocked by security gate",
		"risk", v.RiskLevel.String(), "confidence", v.Confidence, "patterns", v.Patterns)
	r.addLabels(riskLabels(v.RiskLevel))
	r.publish(report.KindSecurityBlock, report.SecurityBlock(r.securityDetails(v)))
	if r.o.notifier != nil {
		if err := r.o.notifier.NotifyBlocked(r.writeCtx(), r.event, v); err != nil {
			r.warn("notifying blocked issue: %v", err)
		}
	}
	r.transition(StateBlocked)
}

func (r *run) securityDetails(v types.SecurityVerdict) report.SecurityDetails {
	text := strings.TrimSpace(r.event.Title + "\n\n" + r.event.Body)
	excerpt := security.Sanitize(ai.Truncate(text, excerptLimit))
	return report.SecurityDetails{
		Verdict:     v,
		BypassLabel: r.o.config.BypassLabel,
		Excerpt:     sanitize.Clean(excerpt, sanitize.DefaultOptions()),
	}
}

// duplicateStage returns false when the run stopped. rawCandidates are used
// to describe the canonical issue in the report.
func (r *run) duplicateStage(event types.IssueEvent, candidates, rawCandidates []types.IssueEvent) bool {
	if r.o.duplicates == nil {
		return true
	}
	ctx, done := r.stage("duplicate")
	v := r.o.duplicates.Check(ctx, event, candidates)
	done()

	rec := &DuplicateRecord{Verdict: v}
	r.res.Duplicate = rec
	if v.Error != "" {
		r.o.metrics.observeFailOpen("duplicate")
		r.warn("duplicate check failed open: %s", v.Error)
	}
	r.transition(StateDuplicateChecked)
	if r.superseded() {
		return false
	}

	if !v.IsDuplicate || v.MatchedIssue == nil {
		r.transition(StateProceeding)
		return true
	}

	rec.Canonical = r.canonical(*v.MatchedIssue, rawCandidates)
	r.logger.Info("issue is a duplicate",
		"matched", v.MatchedIssue.ID, "canonical", rec.Canonical.ID, "similarity", v.SimilarityScore)
	r.addLabels([]types.LabelSpec{labels.DuplicateLabel()})
	r.publish(report.KindDuplicate, report.Duplicate(v, rec.Canonical))
	r.transition(StateDuplicateStop)
	return false
}

// canonical links the event to matched and resolves the oldest issue of the
// chain. Without shared chains the match itself is canonical.
func (r *run) canonical(matched types.IssueRef, candidates []types.IssueEvent) *types.IssueRef {
	if r.o.chains == nil {
		return &matched
	}
	if err := r.o.chains.Link(r.event.ID, matched.ID); err != nil {
		r.logger.Debug("duplicate chain not extended", "error", err)
	}
	id := r.o.chains.Canonical(matched.ID)
	if id == matched.ID {
		return &matched
	}
	for _, c := range candidates {
		if c.ID == id {
			ref := c.Ref()
			return &ref
		}
	}
	return &types.IssueRef{ID: id}
}

func (r *run) analysisStage(event types.IssueEvent) {
	ctx, done := r.stage("analysis")
	out, err := r.o.analyzer.Analyze(ctx, event)
	done()

	rec := &AnalysisRecord{}
	r.res.Analysis = rec
	if err != nil {
		rec.Error = err.Error()
		if cerr := r.ctx.Err(); cerr != nil {
			r.abort(fmt.Sprintf("cancelled during analysis: %v", cerr))
			return
		}
		r.fail(fmt.Errorf("analysis failed: %w", err))
		return
	}
	rec.Result = out.Result
	rec.Attempts = out.Attempts
	rec.LowQuality = out.LowQuality
	rec.Reasons = out.Reasons
	r.o.metrics.observeAttempts(out.Attempts)
	if out.LowQuality {
		r.warn("analysis accepted below quality bar after %d attempts", out.Attempts)
	}
	r.transition(StateAnalyzed)
	if r.superseded() {
		return
	}

	r.addLabels([]types.LabelSpec{
		labels.TypeLabel(out.Result.IssueType),
		labels.SeverityLabel(out.Result.Severity),
	})
	r.transition(StateLabeled)

	r.publish(report.KindAnalysis, report.Analysis(r.event.Title, out.Result, report.AnalysisMeta{
		Attempts:   out.Attempts,
		LowQuality: out.LowQuality,
		Reasons:    out.Reasons,
		Generated:  r.o.now(),
	}))
	r.transition(StateDone)
}

// stage starts a span for one stage and returns the context its engine
// runs under. The context carries the run's cancellation: engines check it
// between model calls and detach each call itself, so a call that has
// started is allowed to finish.
func (r *run) stage(name string) (context.Context, func()) {
	start := r.o.now()
	ctx := logging.WithLogFields(r.ctx, logging.LogFields{Stage: name})
	span := logging.StartSpan(ctx, "pipeline."+name)
	return span.Context(), func() {
		span.End()
		r.o.metrics.observeStage(name, r.o.now().Sub(start).Seconds())
	}
}

func (r *run) writeCtx() context.Context {
	return context.WithoutCancel(r.ctx)
}

// superseded aborts the run when ctx was cancelled or a newer run for the
// same issue has begun. A guard error is logged and ignored.
func (r *run) superseded() bool {
	if err := r.ctx.Err(); err != nil {
		r.abort(fmt.Sprintf("cancelled: %v", err))
		return true
	}
	if r.ticket.IssueID == "" {
		return false
	}
	current, err := r.o.guard.Current(r.writeCtx(), r.ticket)
	if err != nil {
		r.logger.Warn("run guard check failed, continuing", "error", err)
		return false
	}
	if !current {
		r.abort("superseded by a newer run for the same issue")
		return true
	}
	return false
}

func (r *run) addLabels(specs []types.LabelSpec) {
	rep := r.reconciler.Reconcile(r.writeCtx(), r.event.ID, specs)
	for _, w := range rep.Warnings {
		r.o.metrics.observeTrackerWarning("labels")
		r.res.Warnings = append(r.res.Warnings, w)
	}
	rep.Warnings = nil
	r.res.Labels.Merge(rep)
}

func (r *run) publish(kind report.Kind, body string) {
	if err := r.publisher.Publish(r.writeCtx(), kind, body); err != nil {
		r.o.metrics.observeTrackerWarning("comment")
		r.warn("%v", err)
	}
}

func (r *run) clean(e types.IssueEvent) types.IssueEvent {
	out := e.WithBody(sanitize.Clean(e.Body, r.o.config.Sanitize))
	out.Title = sanitize.Clean(e.Title, r.o.config.Sanitize)
	return out
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.logger.Warn(msg)
	r.res.Warnings = append(r.res.Warnings, msg)
}

func (r *run) transition(to State) {
	from := r.res.State
	if !from.CanTransitionTo(to) {
		// Every call site follows ValidTransitions; reaching this is a bug.
		r.logger.Error("invalid state transition", "from", from.String(), "to", to.String())
	}
	r.res.Transitions = append(r.res.Transitions, Transition{From: from, To: to, At: r.o.now()})
	r.res.State = to
	r.logger.Debug("state transition", "from", from.String(), "to", to.String())
}

func (r *run) fail(err error) {
	r.res.Error = err.Error()
	r.logger.Error("run failed", "error", err)
	r.transition(StateFailed)
}

func (r *run) abort(reason string) {
	r.res.Error = reason
	r.logger.Info("run aborted", "reason", reason)
	r.transition(StateAborted)
}

func (r *run) finish() {
	res := r.res
	res.FinishedAt = r.o.now()
	res.DurationMS = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	res.Outcome = OutcomeOf(res.State)
	res.Comments = r.publisher.Posted()
	r.o.metrics.observeRun(res.Outcome)

	if r.ticket.IssueID != "" {
		if err := r.o.guard.End(r.writeCtx(), r.ticket); err != nil {
			r.logger.Warn("releasing run guard failed", "error", err)
		}
	}

	if r.o.recorder != nil {
		if err := r.o.recorder.Record(r.writeCtx(), res); err != nil {
			r.logger.Warn("recording run failed", "error", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("recording run: %v", err))
		}
	}

	r.logger.Info("run finished",
		"state", res.State.String(),
		"outcome", string(res.Outcome),
		"duration_ms", res.DurationMS,
		"comments", len(res.Comments),
		"warnings", len(res.Warnings))
}

func riskLabels(level types.RiskLevel) []types.LabelSpec {
	if spec, ok := labels.RiskLabel(level); ok {
		return []types.LabelSpec{spec}
	}
	return nil
}
