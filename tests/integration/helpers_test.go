//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func jsonDecode(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	doc, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(doc)
}
