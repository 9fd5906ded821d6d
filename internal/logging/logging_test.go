package logging

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestJSONComponent(t *testing.T) {
	var buf bytes.Buffer
	l := Component(NewWriter(&buf, "info", true), "claim")
	l.Debug().Msg("hidden")
	l.Info().Str("worker_id", "w1").Msg("claimed")

	var ev map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &ev))
	assert.Equal(t, "claim", ev["component"])
	assert.Equal(t, "w1", ev["worker_id"])
	assert.Equal(t, "claimed", ev["message"])
}
