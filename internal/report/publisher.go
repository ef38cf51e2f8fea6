package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrAlreadyPublished is returned when a kind was already posted in this run
var ErrAlreadyPublished = errors.New("report already published")

// Poster is the subset of the tracker the Publisher needs
type Poster interface {
	PostComment(ctx context.Context, issueID, body string) error
}

// Publisher posts reports for a single run. Each kind is posted at most
// once; comments are only ever appended.
type Publisher struct {
	poster  Poster
	issueID string
	logger  *slog.Logger

	mu     sync.Mutex
	posted []Kind
}

// NewPublisher creates a publisher for one run on one issue
func NewPublisher(poster Poster, issueID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{poster: poster, issueID: issueID, logger: logger}
}

// Publish posts body as the report for kind. The body must start with the
// kind's marker. A kind that was already posted is refused with
// ErrAlreadyPublished; a failed post leaves the kind unposted.
func (p *Publisher) Publish(ctx context.Context, kind Kind, body string) error {
	if !strings.HasPrefix(body, Marker(kind)) {
		return fmt.Errorf("report body for %s is missing its marker", kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.posted {
		if k == kind {
			return fmt.Errorf("%w: %s on issue %s", ErrAlreadyPublished, kind, p.issueID)
		}
	}
	if err := p.poster.PostComment(ctx, p.issueID, body); err != nil {
		return fmt.Errorf("posting %s report: %w", kind, err)
	}
	p.posted = append(p.posted, kind)
	p.logger.Info("posted report", "issue", p.issueID, "kind", kind, "bytes", len(body))
	return nil
}

// Posted returns the kinds posted so far, in order
func (p *Publisher) Posted() []Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Kind(nil), p.posted...)
}
