package talk

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestLoggerLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "WARNING", Output: &buf, Fields: map[string]interface{}{"app": "talk"}})

	l.Info("dropped")
	l.WithComponent("channel").WithField("attempt", 2).Warn("reconnecting")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "reconnecting", lines[0]["message"])
	assert.Equal(t, "channel", lines[0]["component"])
	assert.Equal(t, "talk", lines[0]["app"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
}

func TestLoggerStructuredEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "debug", Output: &buf})

	l.LogStateChange(Idle, Recording, "press")
	l.LogConnectionEvent("open", ConnOpen, map[string]interface{}{"url": "ws://x"})
	l.LogError(NewAPIError("/api/voices", 500))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "idle", lines[0]["from"])
	assert.Equal(t, "recording", lines[0]["to"])
	assert.Equal(t, "open", lines[1]["state"])
	assert.Equal(t, ErrCodeAPI, lines[2]["error_code"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "warn", parseLevel("WARNING").String())
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "info", parseLevel("").String())
	assert.Equal(t, "info", parseLevel("bogus").String())
}

func TestTalkErrorMatching(t *testing.T) {
	cause := errors.New("no such device")
	err := NewDeviceUnavailableError("USB Mic", cause)

	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, `audio device "USB Mic" unavailable: no such device`, err.Error())
	assert.Equal(t, "USB Mic", err.Details["device"])
	assert.False(t, IsRetryableError(err))

	assert.Nil(t, WrapError(nil, ErrCodeDecode, "x"))
	assert.True(t, IsRetryableError(NewWebSocketError("lost", nil)))
	assert.False(t, IsRetryableError(cause))
}
