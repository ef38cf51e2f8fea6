package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// rawIssue accepts the field spellings produced by the common trackers and
// by hand-written issue dumps.
type rawIssue struct {
	ID          json.RawMessage `json:"id"`
	Number      json.RawMessage `json:"number"`
	IssueID     json.RawMessage `json:"issue_id"`
	IID         json.RawMessage `json:"iid"`
	Title       string          `json:"title"`
	Body        *string         `json:"body"`
	Description *string         `json:"description"`
	State       string          `json:"state"`
	Status      string          `json:"status"`
	CreatedAt   string          `json:"created_at"`
	CreatedDate string          `json:"created_date"`
	URL         string          `json:"url"`
	HTMLURL     string          `json:"html_url"`
	WebURL      string          `json:"web_url"`
	Labels      json.RawMessage `json:"labels"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DecodeIssue parses a single issue object.
func DecodeIssue(data []byte) (IssueEvent, error) {
	var raw rawIssue
	if err := json.Unmarshal(data, &raw); err != nil {
		return IssueEvent{}, fmt.Errorf("failed to decode issue: %w", err)
	}
	return raw.toEvent()
}

// DecodeIssues parses either a JSON array of issues or an object wrapping
// one under "issues" or "items".
func DecodeIssues(data []byte) ([]IssueEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Issues json.RawMessage `json:"issues"`
			Items  json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, fmt.Errorf("failed to decode issue list: %w", err)
		}
		switch {
		case len(wrapper.Issues) > 0:
			trimmed = wrapper.Issues
		case len(wrapper.Items) > 0:
			trimmed = wrapper.Items
		default:
			return nil, fmt.Errorf("failed to decode issue list: expected an array or an object with \"issues\"")
		}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode issue list: %w", err)
	}

	events := make([]IssueEvent, 0, len(raws))
	for i, r := range raws {
		ev, err := DecodeIssue(r)
		if err != nil {
			return nil, fmt.Errorf("issue %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r rawIssue) toEvent() (IssueEvent, error) {
	id := ""
	for _, candidate := range []json.RawMessage{r.Number, r.IID, r.IssueID, r.ID} {
		if v := scalarString(candidate); v != "" {
			id = v
			break
		}
	}

	body := ""
	switch {
	case r.Body != nil:
		body = *r.Body
	case r.Description != nil:
		body = *r.Description
	}

	state := r.State
	if state == "" {
		state = r.Status
	}

	created := r.CreatedAt
	if created == "" {
		created = r.CreatedDate
	}
	var createdAt time.Time
	if created != "" {
		t, err := parseTime(created)
		if err != nil {
			return IssueEvent{}, err
		}
		createdAt = t
	}

	url := firstNonEmpty(r.HTMLURL, r.WebURL, r.URL)

	labels, err := decodeLabels(r.Labels)
	if err != nil {
		return IssueEvent{}, err
	}

	ev := NewIssueEvent(id, r.Title, body, labels, createdAt)
	ev.URL = url
	ev.State = ParseStatus(state)
	if err := ev.Validate(); err != nil {
		return IssueEvent{}, err
	}
	return ev, nil
}

func decodeLabels(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("labels must be an array: %w", err)
	}
	labels := make([]string, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			labels = append(labels, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("invalid label entry %s", string(item))
		}
		if obj.Name != "" {
			labels = append(labels, obj.Name)
		}
	}
	return labels, nil
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
