package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })

	logger := WithService("weather:0.1.0", "forecast")
	logger.Info().Msg("Service started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "weather:0.1.0", entry["plugin"])
	assert.Equal(t, "forecast", entry["service"])
	assert.Equal(t, "Service started", entry["message"])
}

func TestInitLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  zerolog.Level
	}{
		{level: DebugLevel, want: zerolog.DebugLevel},
		{level: WarnLevel, want: zerolog.WarnLevel},
		{level: ErrorLevel, want: zerolog.ErrorLevel},
		{level: "verbose", want: zerolog.InfoLevel},
	}
	t.Cleanup(func() { Init(Config{Level: InfoLevel}) })
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			Init(Config{Level: tt.level, JSONOutput: true, Output: &bytes.Buffer{}})
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}
