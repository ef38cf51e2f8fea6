package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{"shorter than limit", "short string", 100, "short string"},
		{"exactly at limit", "abcde", 5, "abcde"},
		{"cut", "abcdefghij", 4, "abcd..."},
		{"zero limit", "abc", 0, "..."},
		{"multibyte boundary", "日本語", 4, "日..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.maxLen))
		})
	}
}

func TestTruncateLargeString(t *testing.T) {
	s := strings.Repeat("abcdefghij", 1000)
	got := Truncate(s, 1000)
	assert.Len(t, got, 1003)
	assert.True(t, strings.HasSuffix(got, "..."))
}
