package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadBack(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Write(DirIn, "analysis", []byte(`{"typeRequest":"analysis","id":1}`)))
	require.NoError(t, w.Write(DirOut, "analysis", []byte(`{"typeRequest":"analysis","status":"complete"}`)))

	entries, err := ReadEntries(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, DirIn, entries[0].Direction)
	assert.Equal(t, "analysis", entries[0].TypeRequest)
	assert.Equal(t, DirOut, entries[1].Direction)
}

func TestWriteQuotesNonJSONPayload(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Write(DirOut, "", []byte("plain text, not json")))

	entries, err := ReadEntries(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `"plain text, not json"`, string(entries[0].Payload))
}
