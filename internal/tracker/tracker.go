// Package tracker provides an abstraction over issue trackers.
// It supports GitHub and GitLab backends, selected explicitly or detected
// from the repository URL, plus an in-memory backend for dry runs and tests.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/steveyegge/triage/internal/types"
)

var (
	// ErrLabelExists is returned by backends when a create races with an
	// existing label. CreateLabelIfAbsent maps it to (false, nil).
	ErrLabelExists = errors.New("label already exists")

	// ErrNotFound is returned when the issue or repository does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownKind is returned when the tracker type cannot be determined.
	ErrUnknownKind = errors.New("unknown tracker kind")
)

// Kind represents the type of issue tracker.
type Kind string

const (
	// KindGitHub represents github.com or GitHub Enterprise.
	KindGitHub Kind = "github"

	// KindGitLab represents gitlab.com or a self-managed GitLab.
	KindGitLab Kind = "gitlab"

	// KindMemory keeps everything in process. Used for dry runs.
	KindMemory Kind = "memory"

	// KindAuto detects the kind from the repository host.
	KindAuto Kind = "auto"
)

// IsValid checks if the kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindGitHub, KindGitLab, KindMemory, KindAuto, "":
		return true
	}
	return false
}

// Tracker defines the operations the pipeline performs against an issue
// tracker. Issue ids are the tracker's user-facing numbers ("42"), a leading
// "#" is accepted.
type Tracker interface {
	// Name returns the backend name (e.g., "github").
	Name() string

	// CreateLabelIfAbsent creates the label unless a label with exactly this
	// name exists. It reports whether it created the label. Losing a
	// creation race is not an error.
	CreateLabelIfAbsent(ctx context.Context, spec types.LabelSpec) (bool, error)

	// AddLabels attaches labels to an issue without removing any.
	AddLabels(ctx context.Context, issueID string, names []string) error

	// PostComment appends a comment to an issue.
	PostComment(ctx context.Context, issueID, body string) error

	// ListOpenIssues returns open issues, oldest first, at most limit when
	// limit is positive.
	ListOpenIssues(ctx context.Context, limit int) ([]types.IssueEvent, error)
}

// Repository identifies a project on a tracker host.
type Repository struct {
	Kind  Kind
	Host  string
	Owner string // owner or namespace path ("group/subgroup" on GitLab)
	Name  string
}

// Path returns owner/name
func (r Repository) Path() string {
	return r.Owner + "/" + r.Name
}

func (r Repository) String() string {
	return fmt.Sprintf("%s:%s/%s", r.Kind, r.Host, r.Path())
}

// ParseRepositoryURL accepts https URLs, scheme-less host/owner/name paths
// and scp-style git remotes (git@host:owner/name.git). The kind is inferred
// from the host name and left as KindAuto when the host is neither GitHub
// nor GitLab.
func ParseRepositoryURL(raw string) (Repository, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Repository{}, fmt.Errorf("repository URL is empty")
	}

	var host, path string
	switch {
	case strings.HasPrefix(s, "git@"):
		rest := strings.TrimPrefix(s, "git@")
		h, p, ok := strings.Cut(rest, ":")
		if !ok {
			return Repository{}, fmt.Errorf("invalid scp-style repository %q", raw)
		}
		host, path = h, p
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return Repository{}, fmt.Errorf("invalid repository URL %q: %w", raw, err)
		}
		host, path = u.Host, u.Path
	default:
		h, p, ok := strings.Cut(s, "/")
		if !ok {
			return Repository{}, fmt.Errorf("invalid repository %q (expected host/owner/name)", raw)
		}
		host, path = h, p
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	path = strings.TrimSuffix(path, "/-/issues")
	path = strings.TrimSuffix(path, "/issues")
	i := strings.LastIndex(path, "/")
	if host == "" || i <= 0 || i == len(path)-1 {
		return Repository{}, fmt.Errorf("invalid repository %q (expected host/owner/name)", raw)
	}

	repo := Repository{Kind: KindAuto, Host: strings.ToLower(host), Owner: path[:i], Name: path[i+1:]}
	switch {
	case strings.Contains(repo.Host, "github"):
		repo.Kind = KindGitHub
	case strings.Contains(repo.Host, "gitlab"):
		repo.Kind = KindGitLab
	}
	if repo.Kind == KindGitHub && strings.Contains(repo.Owner, "/") {
		return Repository{}, fmt.Errorf("invalid GitHub repository %q (expected owner/name)", raw)
	}
	return repo, nil
}

// Config selects and configures a backend
type Config struct {
	Kind          Kind
	RepositoryURL string
	Token         string
	BaseURL       string // API base URL override for self-hosted instances
}

// Open builds the backend described by cfg.
func Open(cfg Config) (Tracker, error) {
	if cfg.Kind == KindMemory {
		return NewMemory(), nil
	}
	repo, err := ParseRepositoryURL(cfg.RepositoryURL)
	if err != nil {
		return nil, err
	}
	kind := cfg.Kind
	if kind == "" || kind == KindAuto {
		kind = repo.Kind
	}
	switch kind {
	case KindGitHub:
		return NewGitHub(repo, cfg.Token, cfg.BaseURL)
	case KindGitLab:
		return NewGitLab(repo, cfg.Token, cfg.BaseURL)
	}
	return nil, fmt.Errorf("%w: cannot detect tracker for host %q, set tracker.kind", ErrUnknownKind, repo.Host)
}

// IssueNumber parses a user-facing issue id ("42" or "#42").
func IssueNumber(issueID string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(issueID), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid issue id %q", issueID)
	}
	return n, nil
}
