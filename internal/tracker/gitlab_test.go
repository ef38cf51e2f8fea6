package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/triage/internal/types"
)

// newTestGitLab records every non-HEAD request as "METHOD /path" with the
// project prefix stripped.
func newTestGitLab(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, path string)) (*GitLab, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/v4/projects/team/app")
		mu.Lock()
		requests = append(requests, r.Method+" "+path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r, path)
	}))
	t.Cleanup(srv.Close)

	g, err := NewGitLab(Repository{Kind: KindGitLab, Host: "gitlab.example.org", Owner: "team", Name: "app"}, "token", srv.URL)
	require.NoError(t, err)
	return g, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), requests...)
	}
}

func TestGitLabCreateLabelIfAbsent(t *testing.T) {
	spec := types.LabelSpec{Name: "bug", Color: "d73a4a", Description: "Something isn't working"}

	t.Run("already exists", func(t *testing.T) {
		g, reqs := newTestGitLab(t, func(w http.ResponseWriter, r *http.Request, path string) {
			fmt.Fprint(w, `{"id":1,"name":"bug","color":"#d73a4a"}`)
		})
		created, err := g.CreateLabelIfAbsent(context.Background(), spec)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, []string{"GET /labels/bug"}, reqs())
	})

	t.Run("missing is created", func(t *testing.T) {
		var posted map[string]any
		g, reqs := newTestGitLab(t, func(w http.ResponseWriter, r *http.Request, path string) {
			if r.Method == http.MethodGet {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"404 Label Not Found"}`)
				return
			}
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &posted)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":2,"name":"bug"}`)
		})
		created, err := g.CreateLabelIfAbsent(context.Background(), spec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, []string{"GET /labels/bug", "POST /labels"}, reqs())
		assert.Equal(t, "#d73a4a", posted["color"])
	})

	t.Run("conflict means it exists", func(t *testing.T) {
		g, _ := newTestGitLab(t, func(w http.ResponseWriter, r *http.Request, path string) {
			if r.Method == http.MethodGet {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"message":"404 Label Not Found"}`)
				return
			}
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"message":"Label already exists"}`)
		})
		created, err := g.CreateLabelIfAbsent(context.Background(), spec)
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestGitLabAddLabelsAndComment(t *testing.T) {
	var update, note map[string]any
	g, reqs := newTestGitLab(t, func(w http.ResponseWriter, r *http.Request, path string) {
		body, _ := io.ReadAll(r.Body)
		switch {
		case r.Method == http.MethodPut && path == "/issues/12":
			_ = json.Unmarshal(body, &update)
			fmt.Fprint(w, `{"iid":12}`)
		case r.Method == http.MethodPost && path == "/issues/12/notes":
			_ = json.Unmarshal(body, &note)
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":5}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"404 Not found"}`)
		}
	})
	ctx := context.Background()

	require.NoError(t, g.AddLabels(ctx, "12", []string{"bug", "severity:high"}))
	assert.Equal(t, "bug,severity:high", update["add_labels"])

	require.NoError(t, g.PostComment(ctx, "#12", "## Analysis"))
	assert.Equal(t, "## Analysis", note["body"])
	assert.Equal(t, []string{"PUT /issues/12", "POST /issues/12/notes"}, reqs())

	assert.ErrorIs(t, g.PostComment(ctx, "99", "x"), ErrNotFound)
}

func TestGitLabListOpenIssues(t *testing.T) {
	var queries []string
	g, _ := newTestGitLab(t, func(w http.ResponseWriter, r *http.Request, path string) {
		queries = append(queries, r.URL.RawQuery)
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"iid":4,"title":"fourth","description":"d","state":"opened","created_at":"2024-03-04T00:00:00Z","labels":["bug"]}]`)
			return
		}
		w.Header().Set("X-Next-Page", "2")
		fmt.Fprint(w, `[{"iid":1,"title":"first","description":"a","state":"opened","created_at":"2024-03-01T00:00:00Z","web_url":"https://gitlab.example.org/team/app/-/issues/1"}]`)
	})

	issues, err := g.ListOpenIssues(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "1", issues[0].ID)
	assert.Equal(t, "a", issues[0].Body)
	assert.Equal(t, "https://gitlab.example.org/team/app/-/issues/1", issues[0].URL)
	assert.Equal(t, "4", issues[1].ID)
	assert.Equal(t, []string{"bug"}, issues[1].Labels)
	assert.Equal(t, types.StatusOpen, issues[1].State)
	assert.Contains(t, queries[0], "state=opened")
	assert.Contains(t, queries[0], "sort=asc")
}
