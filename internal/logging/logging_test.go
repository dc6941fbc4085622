package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLevelFromString(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}

	logger := Default()
	defer logger.SetLevel(LevelInfo)

	for _, tt := range tests {
		t.Run("level "+tt.input, func(t *testing.T) {
			logger.SetLevelFromString(tt.input)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
