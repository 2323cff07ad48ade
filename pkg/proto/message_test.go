package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"typeRequest":"filter","requestId":7,"filter":"x > 3"}`))
	require.NoError(t, err)

	assert.Equal(t, "filter", msg.TypeRequest())
	assert.Equal(t, 7, msg.Int("requestId", -1))
	assert.Equal(t, "x > 3", msg.String("filter", ""))
}

func TestParseMessageRejectsNonObject(t *testing.T) {
	_, err := ParseMessage([]byte(`"just a string"`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`{broken`))
	assert.Error(t, err)
}

func TestMessageDefaults(t *testing.T) {
	msg := Message{"present": "yes", "nullField": nil}

	assert.Equal(t, "fallback", msg.String("missing", "fallback"))
	assert.Equal(t, -1, msg.Int("missing", -1))
	assert.True(t, msg.Bool("missing", true))
	assert.False(t, msg.Has("missing"))
	assert.True(t, msg.Has("nullField"))

	// Wrong shapes fall back too.
	assert.Equal(t, 0, msg.Int("present", 0))
	assert.False(t, msg.Bool("present", false))
	assert.Nil(t, msg.Object("present"))
}

func TestMessageRawValue(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"options":{"alpha":0.05,"vars":["a","b"]},"empty":null}`))
	require.NoError(t, err)

	assert.JSONEq(t, `{"alpha":0.05,"vars":["a","b"]}`, msg.RawValue("options"))
	assert.Equal(t, "null", msg.RawValue("empty"))
	assert.Equal(t, "null", msg.RawValue("missing"))
}

func TestParseEngineState(t *testing.T) {
	state, err := ParseEngineState("computeColumn")
	require.NoError(t, err)
	assert.Equal(t, StateComputeColumn, state)

	_, err = ParseEngineState("teleport")
	assert.Error(t, err)

	_, err = ParseEngineState("")
	assert.Error(t, err)
}

func TestParsePerformType(t *testing.T) {
	// The controller omits perform for plain runs.
	perform, err := ParsePerformType("")
	require.NoError(t, err)
	assert.Equal(t, PerformRun, perform)

	perform, err = ParsePerformType("rewriteImgs")
	require.NoError(t, err)
	assert.Equal(t, PerformRewriteImgs, perform)

	_, err = ParsePerformType("explode")
	assert.Error(t, err)
}

func TestParseResultStatusDegradesToFatal(t *testing.T) {
	assert.Equal(t, ResultComplete, ParseResultStatus("complete"))
	assert.Equal(t, ResultFatalError, ParseResultStatus("no-such-status"))
}

func TestResultStatusFor(t *testing.T) {
	assert.Equal(t, ResultInited, ResultStatusFor(StatusInited))
	assert.Equal(t, ResultRunning, ResultStatusFor(StatusChanged))
	assert.Equal(t, ResultComplete, ResultStatusFor(StatusComplete))
	assert.Equal(t, ResultFatalError, ResultStatusFor(StatusAborted))
}
