package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/steveyegge/triage/internal/types"
)

// GitHub is the github.com / GitHub Enterprise backend
type GitHub struct {
	client *github.Client
	repo   Repository
}

// Compile-time check that GitHub implements Tracker
var _ Tracker = (*GitHub)(nil)

// NewGitHub creates a GitHub backend. baseURL overrides the REST API root
// (for example https://ghe.example.com/api/v3/).
func NewGitHub(repo Repository, token, baseURL string) (*GitHub, error) {
	return newGitHub(repo, token, baseURL, nil)
}

func newGitHub(repo Repository, token, baseURL string, httpClient *http.Client) (*GitHub, error) {
	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
		}
		client.BaseURL = u
	}
	return &GitHub{client: client, repo: repo}, nil
}

func (g *GitHub) Name() string { return string(KindGitHub) }

func (g *GitHub) CreateLabelIfAbsent(ctx context.Context, spec types.LabelSpec) (bool, error) {
	existing, resp, err := g.client.Issues.GetLabel(ctx, g.repo.Owner, g.repo.Name, spec.Name)
	if err == nil && existing != nil {
		return false, nil
	}
	if err != nil && !isStatus(resp, http.StatusNotFound) {
		return false, fmt.Errorf("looking up label %q: %w", spec.Name, err)
	}

	_, resp, err = g.client.Issues.CreateLabel(ctx, g.repo.Owner, g.repo.Name, &github.Label{
		Name:        github.String(spec.Name),
		Color:       github.String(spec.Color),
		Description: github.String(spec.Description),
	})
	if err != nil {
		if labelAlreadyExists(err, resp) {
			return false, nil
		}
		return false, fmt.Errorf("creating label %q: %w", spec.Name, err)
	}
	return true, nil
}

func (g *GitHub) AddLabels(ctx context.Context, issueID string, names []string) error {
	n, err := IssueNumber(issueID)
	if err != nil {
		return err
	}
	_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, g.repo.Owner, g.repo.Name, n, names)
	if err != nil {
		return g.wrap(resp, fmt.Sprintf("adding labels to #%d", n), err)
	}
	return nil
}

func (g *GitHub) PostComment(ctx context.Context, issueID, body string) error {
	n, err := IssueNumber(issueID)
	if err != nil {
		return err
	}
	_, resp, err := g.client.Issues.CreateComment(ctx, g.repo.Owner, g.repo.Name, n, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return g.wrap(resp, fmt.Sprintf("commenting on #%d", n), err)
	}
	return nil
}

func (g *GitHub) ListOpenIssues(ctx context.Context, limit int) ([]types.IssueEvent, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []types.IssueEvent
	for {
		page, resp, err := g.client.Issues.ListByRepo(ctx, g.repo.Owner, g.repo.Name, opts)
		if err != nil {
			return nil, g.wrap(resp, "listing issues", err)
		}
		for _, issue := range page {
			if issue.IsPullRequest() {
				continue
			}
			out = append(out, GitHubIssueEvent(issue))
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GitHubIssueEvent converts a go-github issue, from the API or a webhook
// payload, into an event.
func GitHubIssueEvent(issue *github.Issue) types.IssueEvent {
	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	e := types.NewIssueEvent(strconv.Itoa(issue.GetNumber()), issue.GetTitle(), issue.GetBody(),
		labels, issue.GetCreatedAt().Time)
	e.URL = issue.GetHTMLURL()
	e.State = types.ParseStatus(issue.GetState())
	return e
}

func (g *GitHub) wrap(resp *github.Response, what string, err error) error {
	if isStatus(resp, http.StatusNotFound) {
		return fmt.Errorf("%s in %s: %w", what, g.repo.Path(), ErrNotFound)
	}
	return fmt.Errorf("%s in %s: %w", what, g.repo.Path(), err)
}

func isStatus(resp *github.Response, code int) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == code
}

// labelAlreadyExists recognizes GitHub's 422 validation failure for a
// duplicate label name.
func labelAlreadyExists(err error, resp *github.Response) bool {
	var ge *github.ErrorResponse
	if !errors.As(err, &ge) || !isStatus(resp, http.StatusUnprocessableEntity) {
		return false
	}
	for _, e := range ge.Errors {
		if e.Code == "already_exists" {
			return true
		}
	}
	return false
}
