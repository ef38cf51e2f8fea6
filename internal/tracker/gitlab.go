package tracker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/steveyegge/triage/internal/types"
)

// GitLab is the gitlab.com / self-managed GitLab backend
type GitLab struct {
	client *gitlab.Client
	repo   Repository
}

// Compile-time check that GitLab implements Tracker
var _ Tracker = (*GitLab)(nil)

// NewGitLab creates a GitLab backend. baseURL is the instance URL; the
// /api/v4 suffix is added when missing. Without it the repository host
// is used.
func NewGitLab(repo Repository, token, baseURL string) (*GitLab, error) {
	if baseURL == "" {
		baseURL = "https://" + repo.Host
	}
	apiURL := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(apiURL, "/api/v4") {
		apiURL += "/api/v4"
	}
	client, err := gitlab.NewClient(token, gitlab.WithBaseURL(apiURL))
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLab{client: client, repo: repo}, nil
}

func (g *GitLab) Name() string { return string(KindGitLab) }

func (g *GitLab) CreateLabelIfAbsent(ctx context.Context, spec types.LabelSpec) (bool, error) {
	existing, resp, err := g.client.Labels.GetLabel(g.repo.Path(), spec.Name, gitlab.WithContext(ctx))
	if err == nil && existing != nil && existing.Name == spec.Name {
		return false, nil
	}
	if err != nil && !gitlabStatus(resp, http.StatusNotFound) {
		return false, fmt.Errorf("looking up label %q: %w", spec.Name, err)
	}

	_, resp, err = g.client.Labels.CreateLabel(g.repo.Path(), &gitlab.CreateLabelOptions{
		Name:        gitlab.Ptr(spec.Name),
		Color:       gitlab.Ptr("#" + spec.Color),
		Description: gitlab.Ptr(spec.Description),
	}, gitlab.WithContext(ctx))
	if err != nil {
		if gitlabStatus(resp, http.StatusConflict) {
			return false, nil
		}
		return false, fmt.Errorf("creating label %q: %w", spec.Name, err)
	}
	return true, nil
}

func (g *GitLab) AddLabels(ctx context.Context, issueID string, names []string) error {
	iid, err := IssueNumber(issueID)
	if err != nil {
		return err
	}
	add := gitlab.LabelOptions(names)
	_, resp, err := g.client.Issues.UpdateIssue(g.repo.Path(), int64(iid), &gitlab.UpdateIssueOptions{
		AddLabels: &add,
	}, gitlab.WithContext(ctx))
	if err != nil {
		return g.wrap(resp, fmt.Sprintf("adding labels to #%d", iid), err)
	}
	return nil
}

func (g *GitLab) PostComment(ctx context.Context, issueID, body string) error {
	iid, err := IssueNumber(issueID)
	if err != nil {
		return err
	}
	_, resp, err := g.client.Notes.CreateIssueNote(g.repo.Path(), int64(iid), &gitlab.CreateIssueNoteOptions{
		Body: gitlab.Ptr(body),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return g.wrap(resp, fmt.Sprintf("commenting on #%d", iid), err)
	}
	return nil
}

func (g *GitLab) ListOpenIssues(ctx context.Context, limit int) ([]types.IssueEvent, error) {
	opts := &gitlab.ListProjectIssuesOptions{
		State:   gitlab.Ptr("opened"),
		OrderBy: gitlab.Ptr("created_at"),
		Sort:    gitlab.Ptr("asc"),
		ListOptions: gitlab.ListOptions{
			Page:    1,
			PerPage: 100,
		},
	}
	var out []types.IssueEvent
	for {
		page, resp, err := g.client.Issues.ListProjectIssues(g.repo.Path(), opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, g.wrap(resp, "listing issues", err)
		}
		for _, issue := range page {
			out = append(out, gitlabEvent(issue))
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

func gitlabEvent(issue *gitlab.Issue) types.IssueEvent {
	e := types.NewIssueEvent(strconv.FormatInt(int64(issue.IID), 10), issue.Title, issue.Description,
		[]string(issue.Labels), derefTime(issue.CreatedAt))
	e.URL = issue.WebURL
	e.State = types.ParseStatus(issue.State)
	return e
}

func (g *GitLab) wrap(resp *gitlab.Response, what string, err error) error {
	if gitlabStatus(resp, http.StatusNotFound) {
		return fmt.Errorf("%s in %s: %w", what, g.repo.Path(), ErrNotFound)
	}
	return fmt.Errorf("%s in %s: %w", what, g.repo.Path(), err)
}

func gitlabStatus(resp *gitlab.Response, code int) bool {
	return resp != nil && resp.Response != nil && resp.StatusCode == code
}
