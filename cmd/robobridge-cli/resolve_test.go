package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "living_room", normalizeName("  Living Room "))
	assert.Equal(t, "s8_pro_ultra", normalizeName("S8-Pro  Ultra"))
}

func TestResolveNamedID(t *testing.T) {
	options := map[string]string{"Downstairs Vac": "duid-1", "Upstairs": "duid-2"}

	id, err := resolveNamedID("device", "downstairs-vac", options)
	require.NoError(t, err)
	assert.Equal(t, "duid-1", id)

	id, err = resolveNamedID("device", "duid-2", options)
	require.NoError(t, err)
	assert.Equal(t, "duid-2", id)

	id, err = resolveNamedID("device", "down", options)
	require.NoError(t, err)
	assert.Equal(t, "duid-1", id)

	_, err = resolveNamedID("device", "attic", options)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found. Available: Downstairs Vac, Upstairs")
}

func TestResolveNamedIDAmbiguousPrefix(t *testing.T) {
	options := map[string]string{"Upstairs": "a", "Upstairs Bath": "b", "Hall": "c"}

	id, err := resolveNamedID("device", "upstairs", options)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	_, err = resolveNamedID("device", "up", options)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches several. Available: Upstairs, Upstairs Bath")
}

func TestOutputTable(t *testing.T) {
	var buf bytes.Buffer
	out := outputMode{w: &buf}
	out.table([]string{"DUID", "NAME"}, [][]string{{"abc", ""}, {"defghi", "Hall"}})
	assert.Equal(t, "DUID    NAME\nabc     -\ndefghi  Hall\n", buf.String())

	buf.Reset()
	out.fields(map[string]any{"battery": 80, "run_mode": "idle", "error_code": nil}, "run_mode", "battery", "error_code")
	assert.Equal(t, "run_mode  idle\nbattery   80\n", buf.String())
}

func TestLocalAddr(t *testing.T) {
	assert.Equal(t, "localhost:9000", localAddr("0.0.0.0:9000"))
	assert.Equal(t, "localhost:8080", localAddr(":8080"))
	assert.Equal(t, "10.0.0.2:9000", localAddr("10.0.0.2:9000"))
	assert.Equal(t, "robobridge", localAddr("robobridge"))
}
