// Package server exposes the pipeline over HTTP: GitHub and GitLab issue
// webhooks, health and Prometheus endpoints, plus an optional scheduled
// sweep of open issues that were never triaged.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/semaphore"

	"github.com/steveyegge/triage/internal/batch"
	"github.com/steveyegge/triage/internal/deduplication"
	"github.com/steveyegge/triage/internal/labels"
	"github.com/steveyegge/triage/internal/pipeline"
	"github.com/steveyegge/triage/internal/types"
)

// Runner runs the pipeline for one event
type Runner interface {
	Run(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) *pipeline.RunResult
}

// IssueSource lists the open issues used as duplicate candidates and swept
type IssueSource interface {
	ListOpenIssues(ctx context.Context, limit int) ([]types.IssueEvent, error)
}

// Pruner deletes recorded runs older than cutoff
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time, keepFailed bool) (int64, error)
}

// Config controls the server
type Config struct {
	// WebhookSecret verifies GitHub's X-Hub-Signature-256. Empty skips the check.
	WebhookSecret string

	// GitLabToken must match X-Gitlab-Token. Empty skips the check.
	GitLabToken string

	// BypassLabel is the one label whose addition re-triggers a run
	BypassLabel string

	// Workers caps concurrent pipeline runs
	Workers int

	// SweepSchedule is a five-field cron spec. Empty disables sweeps.
	SweepSchedule string

	// Retention prunes recorded runs older than this once a day. Zero disables.
	Retention  time.Duration
	KeepFailed bool

	// ServiceName enables otelgin tracing when non-empty
	ServiceName string
}

// DefaultConfig returns a config with two workers and no sweep
func DefaultConfig() Config {
	return Config{
		BypassLabel: labels.DefaultBypassLabel,
		Workers:     2,
		KeepFailed:  true,
	}
}

// Server handles webhooks and scheduled sweeps
type Server struct {
	runner   Runner
	source   IssueSource
	pruner   Pruner
	chains   *deduplication.Chains
	gatherer prometheus.Gatherer
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	engine *gin.Engine
	cron   *cron.Cron
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	pending  map[string]types.IssueEvent // queued, not yet started
	inFlight int
}

// Option configures a Server
type Option func(*Server)

// WithPruner enables daily pruning of the run store
func WithPruner(p Pruner) Option {
	return func(s *Server) { s.pruner = p }
}

// WithChains shares the duplicate chains the runner links into, so sweeps
// can report canonical issues
func WithChains(c *deduplication.Chains) Option {
	return func(s *Server) { s.chains = c }
}

// WithGatherer sets what /metrics exposes. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server. runner and source are required.
func New(runner Runner, source IssueSource, config Config, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("issue source cannot be nil")
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1 (got %d)", config.Workers)
	}
	if config.BypassLabel == "" {
		config.BypassLabel = labels.DefaultBypassLabel
	}

	s := &Server{
		runner:   runner,
		source:   source,
		gatherer: prometheus.DefaultGatherer,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(config.Workers)),
		pending:  make(map[string]types.IssueEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.setupCron(); err != nil {
		return nil, err
	}
	s.engine = s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()

	// OTel span first so recovery and request logs carry the trace.
	if s.config.ServiceName != "" {
		router.Use(otelgin.Middleware(s.config.ServiceName))
	}
	router.Use(recovery(s.logger))
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/github", s.handleGitHub)
		hooks.POST("/gitlab", s.handleGitLab)
	}
	return router
}

func (s *Server) setupCron() error {
	s.cron = cron.New(
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	if s.config.SweepSchedule != "" {
		_, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
			if _, err := s.Sweep(s.ctx); err != nil {
				s.logger.Error("scheduled sweep failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.config.SweepSchedule, err)
		}
	}
	if s.pruner != nil && s.config.Retention > 0 {
		if _, err := s.cron.AddFunc("@daily", func() {
			if _, err := s.Prune(s.ctx); err != nil {
				s.logger.Error("scheduled prune failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling prune: %w", err)
		}
	}
	return nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then drains queued
// runs and returns.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.cron.Start()
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", addr,
			"workers", s.config.Workers, "sweep", s.config.SweepSchedule)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Shutdown(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
	s.Shutdown(shutdownCtx)
	return nil
}

// Shutdown stops the scheduler and waits for queued and running pipeline
// runs. If ctx expires first, running pipelines are cancelled and abort at
// their next stage boundary.
func (s *Server) Shutdown(ctx context.Context) {
	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
}

// Wait blocks until every dispatched run finished
func (s *Server) Wait() {
	s.wg.Wait()
}

// Dispatch queues a run for event and reports whether a new run was queued.
// An event for an issue that already has a queued run replaces that run's
// event instead, so at most one run per issue waits at a time and the
// newest event wins.
func (s *Server) Dispatch(event types.IssueEvent) bool {
	s.mu.Lock()
	if _, queued := s.pending[event.ID]; queued {
		s.pending[event.ID] = event
		s.mu.Unlock()
		s.logger.Info("coalesced event into queued run", "issue", event.ID, "action", event.Action)
		return false
	}
	s.pending[event.ID] = event
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			s.mu.Lock()
			delete(s.pending, event.ID)
			s.mu.Unlock()
			s.logger.Warn("dropped queued run", "issue", event.ID, "error", err)
			return
		}
		defer s.sem.Release(1)

		s.mu.Lock()
		ev := s.pending[event.ID]
		delete(s.pending, event.ID)
		s.inFlight++
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.inFlight--
			s.mu.Unlock()
		}()

		s.run(s.ctx, ev)
	}()
	return true
}

func (s *Server) run(ctx context.Context, event types.IssueEvent) *pipeline.RunResult {
	open, err := s.source.ListOpenIssues(ctx, 0)
	if err != nil {
		// The duplicate gate sees no candidates and proceeds.
		s.logger.Warn("listing duplicate candidates failed", "issue", event.ID, "error", err)
	}
	return s.runner.Run(ctx, event, deduplication.EarlierThan(event, open))
}

// Sweep triages every open issue that carries no triage labels yet, oldest
// first, through the batch runner. All open issues are listed, so newer
// untriaged issues are reached however many older ones are already triaged.
func (s *Server) Sweep(ctx context.Context) (*batch.Summary, error) {
	open, err := s.source.ListOpenIssues(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("listing open issues: %w", err)
	}

	todo := make([]types.IssueEvent, 0, len(open))
	for _, e := range open {
		if !labels.Triaged(e.Labels) {
			e.Action = "sweep"
			todo = append(todo, e)
		}
	}
	s.logger.Info("sweep starting", "open", len(open), "untriaged", len(todo))
	if len(todo) == 0 {
		return &batch.Summary{Counts: map[pipeline.Outcome]int{}}, nil
	}

	b, err := batch.New(sweepRunner{s: s, open: open}, s.chains,
		batch.Config{Workers: min(s.config.Workers, 32)}, s.logger)
	if err != nil {
		return nil, err
	}
	sum, err := b.Run(ctx, todo)
	if sum != nil {
		s.logger.Info("sweep finished", "runs", len(sum.Results), "outcomes", sum.Counts,
			"duration", sum.Duration)
	}
	return sum, err
}

// sweepRunner holds each sweep run to a worker slot shared with webhook
// runs. Candidates include already-triaged open issues.
type sweepRunner struct {
	s    *Server
	open []types.IssueEvent
}

func (r sweepRunner) Run(ctx context.Context, event types.IssueEvent, _ []types.IssueEvent) *pipeline.RunResult {
	if err := r.s.sem.Acquire(ctx, 1); err != nil {
		r.s.logger.Info("sweep run not started", "issue", event.ID, "error", err)
		return pipeline.NotStarted(event.ID, fmt.Sprintf("waiting for a worker: %v", err), r.s.now())
	}
	defer r.s.sem.Release(1)
	return r.s.runner.Run(ctx, event, deduplication.EarlierThan(event, r.open))
}

// Prune removes runs older than the retention window
func (s *Server) Prune(ctx context.Context) (int64, error) {
	if s.pruner == nil || s.config.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.config.Retention)
	n, err := s.pruner.Prune(ctx, cutoff, s.config.KeepFailed)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	s.logger.Info("pruned runs", "removed", n, "cutoff", cutoff, "keep_failed", s.config.KeepFailed)
	return n, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	queued, running := len(s.pending), s.inFlight
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": queued, "running": running})
}

// cronLogger adapts slog to cron's logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
