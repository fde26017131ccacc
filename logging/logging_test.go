package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/logging"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("warn", "json", &buf)

	log.Info().Msg("dropped")
	log.Warn().Str("user_id", "alice").Msg("lock timeout")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "alice", entry["user_id"])
	assert.Equal(t, "points-ledger", entry["service"])
	assert.Contains(t, entry, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("debug", "console", &buf)

	log.Debug().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, logging.ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.ErrorLevel, logging.ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, logging.ParseLevel("loud"))
}
