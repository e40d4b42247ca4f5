package plugins

import (
	"testing"

	"github.com/joshp123/robobridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompiledSkipsUnconfigured(t *testing.T) {
	assert.Nil(t, Compiled(nil, nil))
	assert.Empty(t, Compiled(&config.Config{SchemaVersion: 1}, nil))
}

func TestCompiledBuildsRoborock(t *testing.T) {
	cfg := &config.Config{
		SchemaVersion: 1,
		Roborock:      &config.RoborockConfig{BootstrapFile: "/nonexistent/bootstrap.json"},
	}
	got := Compiled(cfg, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "roborock", got[0].ID())
	assert.Equal(t, "roborock", got[0].Manifest().PluginID)
}
