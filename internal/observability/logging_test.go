package observability

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parseLevel(c.in), "level %q", c.in)
	}
}

func TestSetupLogger_ReturnsNonNilLoggerAndInstallsDefault(t *testing.T) {
	logger := SetupLogger("debug", "text")
	assert.NotNil(t, logger)
	assert.Equal(t, logger, slog.Default())
}

func TestSetupLogger_JSONFormatIsDefault(t *testing.T) {
	logger := SetupLogger("info", "json")
	assert.NotNil(t, logger)

	// Any format other than "text" (case-insensitively) falls back to JSON.
	logger2 := SetupLogger("info", "unknown-format")
	assert.NotNil(t, logger2)
}
