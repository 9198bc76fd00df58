package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"success", StatusSuccess},
		{"failed", StatusFailed},
		{"canceled", StatusCanceled},
		{"skipped", StatusSkipped},
		{"manual", StatusManual},
		{"SUCCESS", StatusSuccess},
		{"running", StatusCanceled},
		{"pending", StatusCanceled},
		{"created", StatusCanceled},
		{"", StatusCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.in))
		})
	}
}

func TestAccessLevelClamp(t *testing.T) {
	assert.Equal(t, Maintainer, Owner.Clamp(Maintainer))
	assert.Equal(t, Developer, Developer.Clamp(Maintainer))
	assert.Equal(t, "maintainer", Maintainer.String())
	assert.Equal(t, "unknown", AccessLevel(99).String())
}

func TestToInt64(t *testing.T) {
	v, ok := ToInt64(float64(42))
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)

	v, ok = ToInt64(int64(7))
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = ToInt64("7")
	assert.False(t, ok)

	_, ok = ToInt64(nil)
	assert.False(t, ok)
}

func TestEntityScopes(t *testing.T) {
	e := &Entity{Attributes: map[string]any{"project_id": int64(3), "group_id": nil}}
	assert.Equal(t, int64(3), e.ProjectID())
	assert.Equal(t, int64(0), e.GroupID())
}
