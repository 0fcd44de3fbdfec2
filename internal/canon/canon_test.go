package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsObjectKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestMarshalNoInsignificantWhitespace(t *testing.T) {
	out, err := Marshal(map[string]any{"k": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.NotContains(t, string(out), " ")
	assert.NotContains(t, string(out), "\n")
}

func TestMarshalIsDeterministicAcrossCalls(t *testing.T) {
	v := struct {
		Zeta  int    `json:"zeta"`
		Alpha string `json:"alpha"`
	}{Zeta: 7, Alpha: "x"}

	first, err := Marshal(v)
	require.NoError(t, err)
	second, err := Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSHA256HexMatchesManualComputation(t *testing.T) {
	h1, err := SHA256Hex(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := SHA256Hex(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	sum := sha256.Sum256([]byte(`{"a":1}`))
	assert.Equal(t, hex.EncodeToString(sum[:]), h1)
}

func TestSHA256HexDiffersOnFieldDrift(t *testing.T) {
	h1, err := SHA256Hex(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := SHA256Hex(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
