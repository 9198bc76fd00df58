package restore

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		limit int
		want  string
	}{
		{"short", "ok", 10, "ok"},
		{"ascii", "abcdef", 3, "abc"},
		{"cut inside rune", "abé", 3, "ab"},
		{"cut after rune", "abéc", 4, "abé"},
		{"cut inside wide rune", "日本", 4, "日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate([]byte(tt.data), tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestTruncateAtSourceLimit(t *testing.T) {
	data := "x" + strings.Repeat("é", sourceLimit)
	got := truncate([]byte(data), sourceLimit)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), sourceLimit)
	assert.Equal(t, sourceLimit-1, len(got))
}
