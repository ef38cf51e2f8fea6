package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/triage/internal/types"
)

func TestParseRepositoryURL(t *testing.T) {
	tests := []struct {
		in    string
		kind  Kind
		host  string
		owner string
		name  string
	}{
		{"https://github.com/acme/widgets", KindGitHub, "github.com", "acme", "widgets"},
		{"https://github.com/acme/widgets.git", KindGitHub, "github.com", "acme", "widgets"},
		{"https://github.com/acme/widgets/issues", KindGitHub, "github.com", "acme", "widgets"},
		{"git@github.com:acme/widgets.git", KindGitHub, "github.com", "acme", "widgets"},
		{"github.com/acme/widgets", KindGitHub, "github.com", "acme", "widgets"},
		{"https://gitlab.com/group/sub/project", KindGitLab, "gitlab.com", "group/sub", "project"},
		{"https://gitlab.example.org/team/app/-/issues", KindGitLab, "gitlab.example.org", "team", "app"},
		{"https://code.example.org/team/app", KindAuto, "code.example.org", "team", "app"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			repo, err := ParseRepositoryURL(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, repo.Kind)
			assert.Equal(t, tt.host, repo.Host)
			assert.Equal(t, tt.owner, repo.Owner)
			assert.Equal(t, tt.name, repo.Name)
		})
	}

	for _, bad := range []string{"", "github.com", "https://github.com/acme", "git@github.com", "https://github.com/a/b/c"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseRepositoryURL(bad)
			assert.Error(t, err)
		})
	}
}

func TestIssueNumber(t *testing.T) {
	n, err := IssueNumber("#42")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = IssueNumber(" 7 ")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, bad := range []string{"", "abc", "0", "-3", "#"} {
		_, err := IssueNumber(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpen(t *testing.T) {
	tr, err := Open(Config{Kind: KindMemory})
	require.NoError(t, err)
	assert.Equal(t, "memory", tr.Name())

	tr, err = Open(Config{RepositoryURL: "https://github.com/acme/widgets"})
	require.NoError(t, err)
	assert.Equal(t, "github", tr.Name())

	tr, err = Open(Config{Kind: KindGitLab, RepositoryURL: "https://code.example.org/team/app"})
	require.NoError(t, err)
	assert.Equal(t, "gitlab", tr.Name())

	_, err = Open(Config{RepositoryURL: "https://code.example.org/team/app"})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestMemoryTracker(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	closed := types.NewIssueEvent("3", "closed one", "", nil, base)
	closed.State = types.StatusClosed
	m := NewMemory(
		types.NewIssueEvent("2", "second", "", nil, base.Add(time.Hour)),
		types.NewIssueEvent("1", "first", "", nil, base),
		closed,
	)
	ctx := context.Background()

	open, err := m.ListOpenIssues(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "1", open[0].ID)
	assert.Equal(t, "2", open[1].ID)

	limited, err := m.ListOpenIssues(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	created, err := m.CreateLabelIfAbsent(ctx, types.LabelSpec{Name: "bug", Color: "d73a4a"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.CreateLabelIfAbsent(ctx, types.LabelSpec{Name: "bug", Color: "ffffff"})
	require.NoError(t, err)
	assert.False(t, created)
	spec, _ := m.Label("bug")
	assert.Equal(t, "d73a4a", spec.Color)

	require.NoError(t, m.AddLabels(ctx, "1", []string{"bug", "bug"}))
	require.NoError(t, m.AddLabels(ctx, "1", []string{"bug"}))
	assert.Equal(t, []string{"bug"}, m.Labels("1"))

	require.NoError(t, m.PostComment(ctx, "1", "hello"))
	assert.Equal(t, []string{"hello"}, m.Comments("1"))
	assert.Empty(t, m.Comments("2"))

	m.FailNext(OpComment, errors.New("boom"))
	assert.EqualError(t, m.PostComment(ctx, "1", "again"), "boom")
	assert.Equal(t, 2, m.Calls(OpComment))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on second try", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(OpComment, errors.New("502 bad gateway"))
		r := WithRetry(m, -1, nil)
		require.NoError(t, r.PostComment(ctx, "4", "body"))
		assert.Equal(t, 2, m.Calls(OpComment))
		assert.Equal(t, []string{"body"}, m.Comments("4"))
	})

	t.Run("gives up after one retry", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(OpAddLabels, errors.New("first"), errors.New("second"), errors.New("third"))
		err := WithRetry(m, -1, nil).AddLabels(ctx, "4", []string{"bug"})
		assert.EqualError(t, err, "second")
		assert.Equal(t, 2, m.Calls(OpAddLabels))
	})

	t.Run("not found is not retried", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(OpComment, fmt.Errorf("commenting: %w", ErrNotFound))
		err := WithRetry(m, -1, nil).PostComment(ctx, "4", "x")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, m.Calls(OpComment))
	})

	t.Run("label exists maps to not created", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(OpCreateLabel, ErrLabelExists)
		created, err := WithRetry(m, -1, nil).CreateLabelIfAbsent(ctx, types.LabelSpec{Name: "bug"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, m.Calls(OpCreateLabel))
	})

	t.Run("cancelled during delay", func(t *testing.T) {
		m := NewMemory()
		m.FailNext(OpList, errors.New("timeout"))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := WithRetry(m, time.Hour, nil).ListOpenIssues(cctx, 0)
		assert.EqualError(t, err, "timeout")
		assert.Equal(t, 1, m.Calls(OpList))
	})
}
