package report

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/steveyegge/triage/internal/types"
)

// SlackNotifier tells a channel when an issue was blocked by the security
// gate, so a maintainer can decide whether to apply the bypass label.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier creates a notifier. opts are passed to slack.New.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token, opts...), channel: channel}
}

// NotifyBlocked posts a short message about a blocked issue.
func (n *SlackNotifier) NotifyBlocked(ctx context.Context, event types.IssueEvent, v types.SecurityVerdict) error {
	ref := "#" + event.ID
	if event.URL != "" {
		ref = fmt.Sprintf("<%s|#%s>", event.URL, event.ID)
	}
	text := fmt.Sprintf(":shield: Triage blocked issue %s (%s risk, %d%% confidence): %s",
		ref, v.RiskLevel, percent(v.Confidence), event.Title)

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	if len(v.Patterns) > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "Signals: `"+strings.Join(v.Patterns, "`, `")+"`", false, false)))
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("posting slack notification: %w", err)
	}
	return nil
}
