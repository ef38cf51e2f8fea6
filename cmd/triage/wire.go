package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/steveyegge/triage/internal/ai"
	"github.com/steveyegge/triage/internal/analysis"
	"github.com/steveyegge/triage/internal/config"
	"github.com/steveyegge/triage/internal/cost"
	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/report"
	"github.com/steveyegge/triage/internal/security"
	"github.com/steveyegge/triage/internal/storage"
	"github.com/steveyegge/triage/internal/tracker"
	"github.com/steveyegge/triage/internal/types"
)

// newCompleter builds the reasoning client. Tests replace it.
var newCompleter = func(ctx context.Context, c *config.Config) (ai.Completer, error) {
	sc := c.SupervisorConfig()
	if c.AI.Budget.Enabled {
		budget, err := cost.NewTracker(c.AI.Budget, logger)
		if err != nil {
			return nil, err
		}
		sc.Budget = budget
	}
	return ai.NewSupervisor(ctx, sc)
}

// openTracker opens the configured tracker, or an in-memory one on a dry run
var openTracker = func(c *config.Config, dryRun bool) (tracker.Tracker, error) {
	if dryRun {
		return tracker.NewMemory(), nil
	}
	if c.Tracker.Kind != tracker.KindMemory && c.Tracker.RepositoryURL == "" {
		return nil, fmt.Errorf("no repository configured (set tracker.repository_url, TRIAGE_REPOSITORY_URL or --repo, or use --dry-run)")
	}
	return tracker.Open(c.TrackerConfig())
}

// lazyCompleter defers building the reasoning client until a stage calls
// it, so pattern-only commands work without credentials.
type lazyCompleter struct {
	ctx  context.Context
	cfg  *config.Config
	once sync.Once
	c    ai.Completer
	err  error
}

func (l *lazyCompleter) Complete(ctx context.Context, op string, req ai.Request) (string, error) {
	l.once.Do(func() {
		l.c, l.err = newCompleter(l.ctx, l.cfg)
	})
	if l.err != nil {
		return "", fmt.Errorf("reasoning client unavailable: %w", l.err)
	}
	return l.c.Complete(ctx, op, req)
}

func securityGate(c *config.Config, completer ai.Completer) *security.Gate {
	opts := []security.Option{security.WithLogger(logger)}
	if c.Security.ModelDetector {
		opts = append(opts, security.WithDetector(security.NewModelDetector(completer)))
	}
	return security.NewGate(c.Security.Strict, opts...)
}

// duplicateGate returns nil when duplicate detection is disabled
func duplicateGate(c *config.Config, completer ai.Completer) (*deduplication.Gate, error) {
	if !c.Duplicate.Enabled {
		return nil, nil
	}
	dc := c.DuplicateConfig()
	var engine deduplication.Deduplicator
	switch dc.Mode {
	case deduplication.ModeAI:
		eng, err := deduplication.NewAIDeduplicator(completer, dc)
		if err != nil {
			return nil, err
		}
		engine = eng
	default:
		engine = deduplication.NewLexicalDeduplicator(dc.SimilarityThreshold)
	}
	return deduplication.NewGate(engine, dc).WithLogger(logger), nil
}

func analysisStage(c *config.Config, completer ai.Completer) (*analysis.Stage, error) {
	tmpl, err := analysis.LoadTemplate(c.Analysis.PromptPath)
	if err != nil {
		return nil, err
	}
	ac := c.AnalysisConfig()
	codebase, err := analysis.LoadCodebase(c.Analysis.SnapshotPath, ac.MaxCodebaseBytes)
	if err != nil {
		return nil, err
	}
	return analysis.NewStage(completer, codebase, ac, analysis.WithLogger(logger), analysis.WithTemplate(tmpl))
}

// pipelineDeps is everything an orchestrator was built from
type pipelineDeps struct {
	orch    *pipeline.Orchestrator
	tracker tracker.Tracker
	store   storage.Store
	chains  *deduplication.Chains
}

func (d *pipelineDeps) Close() {
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn("closing run store", "error", err)
		}
	}
}

type buildOptions struct {
	dryRun   bool
	guard    pipeline.Guard
	registry prometheus.Registerer
}

func buildPipeline(ctx context.Context, c *config.Config, opts buildOptions) (*pipelineDeps, error) {
	t, err := openTracker(c, opts.dryRun)
	if err != nil {
		return nil, err
	}

	completer := &lazyCompleter{ctx: ctx, cfg: c}
	stage, err := analysisStage(c, completer)
	if err != nil {
		return nil, err
	}
	dupGate, err := duplicateGate(c, completer)
	if err != nil {
		return nil, err
	}
	var dup pipeline.DuplicateChecker
	if dupGate != nil {
		dup = dupGate
	}

	deps := &pipelineDeps{tracker: t, chains: deduplication.NewChains()}
	popts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithChains(deps.chains),
	}
	if opts.guard != nil {
		popts = append(popts, pipeline.WithGuard(opts.guard))
	}
	if opts.registry != nil {
		popts = append(popts, pipeline.WithMetrics(pipeline.NewMetrics(opts.registry)))
	}
	if c.Slack.Enabled() && !opts.dryRun {
		popts = append(popts, pipeline.WithNotifier(report.NewSlackNotifier(c.Slack.Token, c.Slack.Channel)))
	}

	store, err := storage.Open(ctx, c.Storage)
	if err != nil {
		// Recording is bookkeeping; triage still runs.
		logger.Warn("run store unavailable, runs will not be recorded", "error", err)
	} else {
		deps.store = store
		popts = append(popts, pipeline.WithRecorder(storage.Recorder(store, c.Storage)))
	}

	deps.orch, err = pipeline.New(securityGate(c, completer), dup, stage, t, c.PipelineConfig(), popts...)
	if err != nil {
		deps.Close()
		return nil, err
	}
	return deps, nil
}

// redisGuard connects to url and returns a guard shared across instances
func redisGuard(ctx context.Context, url string) (*pipeline.RedisGuard, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return pipeline.NewRedisGuard(client, "", 0), client, nil
}

// readInput reads a file, or stdin for "-"
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func readEvent(stdin io.Reader, path string) (types.IssueEvent, error) {
	data, err := readInput(stdin, path)
	if err != nil {
		return types.IssueEvent{}, err
	}
	ev, err := types.DecodeIssue(data)
	if err != nil {
		return types.IssueEvent{}, fmt.Errorf("%s: %w", path, err)
	}
	return ev, nil
}

func readIssues(stdin io.Reader, path string) ([]types.IssueEvent, error) {
	data, err := readInput(stdin, path)
	if err != nil {
		return nil, err
	}
	issues, err := types.DecodeIssues(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return issues, nil
}
