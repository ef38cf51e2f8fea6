package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-github/v66/github"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/steveyegge/triage/internal/tracker"
	"github.com/steveyegge/triage/internal/types"
)

// maxPayloadBytes bounds webhook bodies; GitHub caps deliveries at 25 MB
const maxPayloadBytes = 25 << 20

func (s *Server) handleGitHub(c *gin.Context) {
	ctx := c.Request.Context()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes)

	payload, err := github.ValidatePayload(c.Request, []byte(s.config.WebhookSecret))
	if err != nil {
		s.logger.WarnContext(ctx, "rejected github webhook", "error", err,
			"delivery", github.DeliveryID(c.Request))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	kind := github.WebHookType(c.Request)
	parsed, err := github.ParseWebHook(kind, payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	switch e := parsed.(type) {
	case *github.PingEvent:
		c.JSON(http.StatusOK, gin.H{"status": "pong"})
	case *github.IssuesEvent:
		action := e.GetAction()
		if reason := s.skipReason(action, e.GetLabel().GetName()); reason != "" {
			s.ignored(c, reason)
			return
		}
		event := tracker.GitHubIssueEvent(e.GetIssue())
		event.Action = action
		s.accept(c, event)
	default:
		s.ignored(c, "unsupported event "+kind)
	}
}

// skipReason returns why a GitHub issue action should not start a run, or
// "" when it should. A labeled event only counts for the bypass label so
// the labels triage itself applies do not loop back.
func (s *Server) skipReason(action, label string) string {
	switch action {
	case "opened", "reopened":
		return ""
	case "labeled":
		if label == s.config.BypassLabel {
			return ""
		}
		return "label " + label + " does not re-trigger triage"
	}
	return "action " + action + " does not trigger triage"
}

// gitlabIssueHook is the part of GitLab's "Issue Hook" payload triage reads
type gitlabIssueHook struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		IID         int64  `json:"iid"`
		Title       string `json:"title"`
		Description string `json:"description"`
		State       string `json:"state"`
		Action      string `json:"action"`
		URL         string `json:"url"`
		CreatedAt   string `json:"created_at"`
	} `json:"object_attributes"`
	Labels  []gitlabLabel `json:"labels"`
	Changes struct {
		Labels *struct {
			Previous []gitlabLabel `json:"previous"`
			Current  []gitlabLabel `json:"current"`
		} `json:"labels"`
	} `json:"changes"`
}

type gitlabLabel struct {
	Title string `json:"title"`
}

func titles(ls []gitlabLabel) []string {
	out := make([]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Title)
	}
	return out
}

func (s *Server) handleGitLab(c *gin.Context) {
	ctx := c.Request.Context()

	if want := s.config.GitLabToken; want != "" {
		got := c.GetHeader("X-Gitlab-Token")
		if got == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing webhook token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
	}

	if kind := gitlab.HookEventType(c.Request); kind != gitlab.EventTypeIssue {
		s.ignored(c, "unsupported event "+string(kind))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	var hook gitlabIssueHook
	if err := json.Unmarshal(body, &hook); err != nil || hook.ObjectAttributes.IID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	attrs := hook.ObjectAttributes
	switch attrs.Action {
	case "open", "reopen":
	case "update":
		if !s.bypassAdded(hook) {
			s.ignored(c, "update does not add "+s.config.BypassLabel)
			return
		}
	default:
		s.ignored(c, "action "+attrs.Action+" does not trigger triage")
		return
	}

	created, err := parseGitLabTime(attrs.CreatedAt)
	if err != nil {
		s.logger.WarnContext(ctx, "gitlab webhook has unreadable created_at",
			"issue", attrs.IID, "created_at", attrs.CreatedAt, "error", err)
	}
	event := types.NewIssueEvent(strconv.FormatInt(attrs.IID, 10), attrs.Title, attrs.Description,
		titles(hook.Labels), created)
	event.URL = attrs.URL
	event.State = types.ParseStatus(attrs.State)
	event.Action = attrs.Action
	s.accept(c, event)
}

func (s *Server) bypassAdded(hook gitlabIssueHook) bool {
	ch := hook.Changes.Labels
	if ch == nil {
		return false
	}
	return slices.Contains(titles(ch.Current), s.config.BypassLabel) &&
		!slices.Contains(titles(ch.Previous), s.config.BypassLabel)
}

// GitLab has sent both layouts over the years
var gitlabTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05 MST", "2006-01-02 15:04:05 -0700"}

func parseGitLabTime(s string) (time.Time, error) {
	var err error
	for _, layout := range gitlabTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

func (s *Server) accept(c *gin.Context, event types.IssueEvent) {
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !event.IsOpen() {
		s.ignored(c, "issue is closed")
		return
	}
	queued := s.Dispatch(event)
	s.logger.InfoContext(c.Request.Context(), "webhook accepted",
		"issue", event.ID, "action", event.Action, "queued", queued)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "issue": event.ID, "coalesced": !queued})
}

func (s *Server) ignored(c *gin.Context, reason string) {
	s.logger.DebugContext(c.Request.Context(), "webhook ignored", "reason", reason)
	c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": reason})
}
