package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Production(t *testing.T) {
	var buf bytes.Buffer
	log := New("production", "", &buf)
	assert.Equal(t, zerolog.WarnLevel, log.GetLevel())

	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	log.Warn().Str("k", "v").Msg("check:error")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "check:error", line["message"])
	assert.Equal(t, "v", line["k"])
	assert.Contains(t, line, "time")
}

func TestNew_Development(t *testing.T) {
	var buf bytes.Buffer
	log := New(" Dev ", "", &buf)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log.Debug().Msg("check:start")
	assert.Contains(t, buf.String(), "check:start")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNew_Level(t *testing.T) {
	tests := []struct {
		env, level string
		want       zerolog.Level
	}{
		{"production", "debug", zerolog.DebugLevel},
		{"production", "ERROR", zerolog.ErrorLevel},
		{"development", "info", zerolog.InfoLevel},
		{"production", "bogus", zerolog.WarnLevel},
		{"development", "bogus", zerolog.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.env, tt.level, &bytes.Buffer{}).GetLevel())
		})
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.Error().Msg("discarded")
}
