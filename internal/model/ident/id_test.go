package ident

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDDecodesNumbersAndStrings(t *testing.T) {
	var payload struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 42, "b": "f3b1", "c": null}`), &payload))

	assert.Equal(t, ID("42"), payload.A)
	assert.Equal(t, ID("f3b1"), payload.B)
	assert.True(t, payload.C.Empty())
}

func TestIntDecodesVersionStrings(t *testing.T) {
	cases := map[string]Int{
		`3`:     3,
		`"2"`:   2,
		`"1.0"`: 1,
		`""`:    0,
	}
	for raw, want := range cases {
		var got Int
		require.NoError(t, json.Unmarshal([]byte(raw), &got), raw)
		assert.Equal(t, want, got, raw)
	}

	var bad Int
	assert.Error(t, json.Unmarshal([]byte(`"v1"`), &bad))
}
