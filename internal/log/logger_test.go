package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	l := WithComponent("stream").Output(&buf)
	l.Info().Str(FieldJobID, "42").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "stream", entry[FieldComponent])
	require.Equal(t, "42", entry[FieldJobID])
	require.Equal(t, "hello", entry["message"])
}
