package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statsengine/pkg/proto"
)

func TestSendStringEmptyClearsSlot(t *testing.T) {
	env := newTestEnv(t)

	env.engine.SendString("")

	assert.Equal(t, 1, env.ch.cleared)
	assert.Empty(t, env.ch.raw)
}

func TestSendStringDecodesColumnCodes(t *testing.T) {
	env := newTestEnv(t)
	env.engine.enc.SetColumnNames([]string{"reaction time (ms)"})
	code := env.engine.enc.Encode("reaction time (ms)")
	require.NotEqual(t, "reaction time (ms)", code)

	env.engine.SendString(`{"typeRequest":"analysis","results":{"title":"Mean of ` + code + `"}}`)

	resp := env.ch.lastSent(t)
	results, ok := resp.Value("results").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Mean of reaction time (ms)", results["title"])
}

func TestSendStringPassesNonJSONVerbatim(t *testing.T) {
	env := newTestEnv(t)

	env.engine.SendString("definitely not json")

	require.Len(t, env.ch.raw, 1)
	assert.Equal(t, "definitely not json", string(env.ch.raw[0]))
}

func TestSendAnalysisResultsUnwrapsResultsMember(t *testing.T) {
	env := newTestEnv(t)
	env.engine.task.id = 1
	env.engine.status = proto.StatusComplete
	env.engine.results = map[string]any{
		"status":  "complete",
		"results": map[string]any{"table": "here"},
	}

	env.engine.sendAnalysisResults()

	resp := env.ch.lastSent(t)
	results, ok := resp.Value("results").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "here", results["table"])
	assert.False(t, resp.Has("keep"))
}

func TestSendAnalysisResultsWithoutResultsMemberSendsWholeDocument(t *testing.T) {
	env := newTestEnv(t)
	env.engine.status = proto.StatusComplete
	env.engine.results = map[string]any{"status": "imagesRewritten"}

	env.engine.sendAnalysisResults()

	resp := env.ch.lastSent(t)
	assert.Equal(t, "imagesRewritten", resp.String("status", ""))
	results, ok := resp.Value("results").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "imagesRewritten", results["status"])
}

func TestSendAnalysisResultsUnknownStatusDegradesToFatalError(t *testing.T) {
	env := newTestEnv(t)
	env.engine.status = proto.StatusComplete
	env.engine.results = map[string]any{"status": "somethingNew", "results": map[string]any{}}

	env.engine.sendAnalysisResults()

	assert.Equal(t, "fatalError", env.ch.lastSent(t).String("status", ""))
}

func TestNormalizeUnicodeEscapes(t *testing.T) {
	assert.Equal(t, "café", normalizeUnicodeEscapes(`caf\u00e9`))
	assert.Equal(t, "µ = 0", normalizeUnicodeEscapes(`\u00b5 = 0`))
	assert.Equal(t, "😀", normalizeUnicodeEscapes(`\ud83d\ude00`), "surrogate pairs combine")
	assert.Equal(t, "no escapes here", normalizeUnicodeEscapes("no escapes here"))
	assert.Equal(t, `\uZZZZ stays`, normalizeUnicodeEscapes(`\uZZZZ stays`))
	assert.Equal(t, "a�b", normalizeUnicodeEscapes(`a\ud800b`), "lone surrogate degrades")
}

func TestSendStringNormalizesEscapesInsidePayloads(t *testing.T) {
	env := newTestEnv(t)

	env.engine.SendString(`{"typeRequest":"analysis","results":"\u00b5 and \u03c3"}`)

	assert.Equal(t, "µ and σ", env.ch.lastSent(t).String("results", ""))
}
