// Package cost keeps the reasoning API inside an hourly token and dollar
// budget.
package cost

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by Allow once a limit is reached
var ErrBudgetExceeded = errors.New("reasoning budget exceeded")

// BudgetStatus represents the current budget state
type BudgetStatus int

const (
	BudgetHealthy BudgetStatus = iota
	BudgetWarning
	BudgetExceeded
)

func (s BudgetStatus) String() string {
	switch s {
	case BudgetHealthy:
		return "healthy"
	case BudgetWarning:
		return "warning"
	case BudgetExceeded:
		return "exceeded"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name in JSON output
func (s BudgetStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is the persisted usage
type State struct {
	HourlyTokens int64            `json:"hourly_tokens"`
	HourlyCost   float64          `json:"hourly_cost"`
	WindowStart  time.Time        `json:"window_start"`
	IssueTokens  map[string]int64 `json:"issue_tokens"`
	TotalTokens  int64            `json:"total_tokens"`
	TotalCost    float64          `json:"total_cost"`
	LastUpdated  time.Time        `json:"last_updated"`
}

// Stats is a snapshot of the tracker
type Stats struct {
	Status       BudgetStatus `json:"status"`
	HourlyTokens int64        `json:"hourly_tokens"`
	HourlyCost   float64      `json:"hourly_cost"`
	TotalTokens  int64        `json:"total_tokens"`
	TotalCost    float64      `json:"total_cost"`
	ResetsAt     time.Time    `json:"resets_at"`
}

// Tracker records token usage and enforces the configured limits. It is
// safe for concurrent use.
type Tracker struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	warningLogged bool
}

// NewTracker builds a tracker, loading persisted state when StatePath is set
func NewTracker(cfg Config, logger *slog.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{cfg: cfg, logger: logger, now: time.Now}
	t.state = State{WindowStart: t.now(), IssueTokens: map[string]int64{}}

	if cfg.StatePath != "" {
		if err := t.load(); err != nil {
			logger.Warn("ignoring unreadable budget state", "path", cfg.StatePath, "error", err)
		}
	}
	return t, nil
}

// Allow returns ErrBudgetExceeded (wrapped with the limit that tripped) when
// another call for issueID would go over budget
func (t *Tracker) Allow(issueID string) error {
	if !t.cfg.Enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetWindowLocked()

	switch {
	case t.hourlyTokensExceeded():
		return fmt.Errorf("%w: hourly tokens %d/%d, resets at %s", ErrBudgetExceeded,
			t.state.HourlyTokens, t.cfg.MaxTokensPerHour, t.resetsAt().Format(time.Kitchen))
	case t.hourlyCostExceeded():
		return fmt.Errorf("%w: hourly cost $%.2f/$%.2f, resets at %s", ErrBudgetExceeded,
			t.state.HourlyCost, t.cfg.MaxCostPerHour, t.resetsAt().Format(time.Kitchen))
	case issueID != "" && t.cfg.MaxTokensPerIssue > 0 && t.state.IssueTokens[issueID] >= t.cfg.MaxTokensPerIssue:
		return fmt.Errorf("%w: issue %s used %d/%d tokens", ErrBudgetExceeded,
			issueID, t.state.IssueTokens[issueID], t.cfg.MaxTokensPerIssue)
	}
	return nil
}

// Record adds one call's usage and returns the resulting status
func (t *Tracker) Record(issueID string, inputTokens, outputTokens int64) BudgetStatus {
	if !t.cfg.Enabled {
		return BudgetHealthy
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetWindowLocked()

	tokens := inputTokens + outputTokens
	cost := float64(inputTokens)*t.cfg.InputTokenCost/1_000_000 + float64(outputTokens)*t.cfg.OutputTokenCost/1_000_000

	t.state.HourlyTokens += tokens
	t.state.HourlyCost += cost
	t.state.TotalTokens += tokens
	t.state.TotalCost += cost
	t.state.LastUpdated = t.now()
	if issueID != "" {
		t.state.IssueTokens[issueID] += tokens
	}

	if err := t.persistLocked(); err != nil {
		t.logger.Warn("failed to persist budget state", "path", t.cfg.StatePath, "error", err)
	}

	status := t.statusLocked()
	switch {
	case status == BudgetWarning && !t.warningLogged:
		t.warningLogged = true
		t.logger.Warn("reasoning budget nearly used",
			"hourly_tokens", t.state.HourlyTokens, "max_tokens_per_hour", t.cfg.MaxTokensPerHour,
			"hourly_cost", t.state.HourlyCost, "max_cost_per_hour", t.cfg.MaxCostPerHour)
	case status == BudgetExceeded:
		t.logger.Warn("reasoning budget exceeded, further calls fail until the window resets",
			"resets_at", t.resetsAt())
	}
	return status
}

// Status returns the current status without recording anything
func (t *Tracker) Status() BudgetStatus {
	if !t.cfg.Enabled {
		return BudgetHealthy
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetWindowLocked()
	return t.statusLocked()
}

// Stats returns a snapshot of usage
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetWindowLocked()
	status := BudgetHealthy
	if t.cfg.Enabled {
		status = t.statusLocked()
	}
	return Stats{
		Status:       status,
		HourlyTokens: t.state.HourlyTokens,
		HourlyCost:   t.state.HourlyCost,
		TotalTokens:  t.state.TotalTokens,
		TotalCost:    t.state.TotalCost,
		ResetsAt:     t.resetsAt(),
	}
}

func (t *Tracker) statusLocked() BudgetStatus {
	if t.hourlyTokensExceeded() || t.hourlyCostExceeded() {
		return BudgetExceeded
	}
	if t.cfg.MaxTokensPerHour > 0 &&
		float64(t.state.HourlyTokens)/float64(t.cfg.MaxTokensPerHour) >= t.cfg.AlertThreshold {
		return BudgetWarning
	}
	if t.cfg.MaxCostPerHour > 0 && t.state.HourlyCost/t.cfg.MaxCostPerHour >= t.cfg.AlertThreshold {
		return BudgetWarning
	}
	return BudgetHealthy
}

func (t *Tracker) hourlyTokensExceeded() bool {
	return t.cfg.MaxTokensPerHour > 0 && t.state.HourlyTokens >= t.cfg.MaxTokensPerHour
}

func (t *Tracker) hourlyCostExceeded() bool {
	return t.cfg.MaxCostPerHour > 0 && t.state.HourlyCost >= t.cfg.MaxCostPerHour
}

func (t *Tracker) resetsAt() time.Time {
	return t.state.WindowStart.Add(t.cfg.ResetInterval)
}

// resetWindowLocked starts a new window once the current one has expired.
// Per-issue totals span windows.
func (t *Tracker) resetWindowLocked() {
	now := t.now()
	if now.Sub(t.state.WindowStart) < t.cfg.ResetInterval {
		return
	}
	t.state.HourlyTokens = 0
	t.state.HourlyCost = 0
	t.state.WindowStart = now
	t.warningLogged = false
}

func (t *Tracker) persistLocked() error {
	if t.cfg.StatePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.cfg.StatePath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := t.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return os.Rename(tmp, t.cfg.StatePath)
}

func (t *Tracker) load() error {
	data, err := os.ReadFile(t.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if state.IssueTokens == nil {
		state.IssueTokens = map[string]int64{}
	}
	t.state = state
	return nil
}
