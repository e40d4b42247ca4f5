package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct {
	id            string
	name          string
	version       string
	services      []string
	dashboards    []Dashboard
	collectors    []prometheus.Collector
	health        HealthStatus
	healthMessage string
}

func (s stubPlugin) ID() string { return s.id }

func (s stubPlugin) Manifest() Manifest {
	return Manifest{
		PluginID:    s.id,
		DisplayName: s.name,
		Version:     s.version,
		Services:    s.services,
	}
}

func (s stubPlugin) Start(context.Context) error { return nil }

func (s stubPlugin) Close() error { return nil }

func (s stubPlugin) Dashboards() []Dashboard { return s.dashboards }

func (s stubPlugin) Collectors() []prometheus.Collector { return s.collectors }

func (s stubPlugin) Health() HealthStatus { return s.health }

func (s stubPlugin) HealthMessage() string { return s.healthMessage }

func newStubPlugin(id string) stubPlugin {
	return stubPlugin{
		id:         id,
		name:       "Demo",
		version:    "0.1.0",
		services:   []string{"demo.dev1"},
		health:     HealthHealthy,
		dashboards: []Dashboard{{Name: "demo", JSON: []byte("{}")}},
	}
}

func TestListPlugins(t *testing.T) {
	plugin := newStubPlugin("demo")
	plugin.healthMessage = "all good"

	got := ListPlugins([]Plugin{plugin})
	require.Len(t, got, 1)
	assert.Equal(t, "demo", got[0].PluginID)
	assert.Equal(t, "Demo", got[0].DisplayName)
	assert.Equal(t, "0.1.0", got[0].Version)
	assert.Equal(t, string(HealthHealthy), got[0].Status)
	assert.Equal(t, "all good", got[0].HealthMessage)
	require.Len(t, got[0].Dashboards, 1)
	assert.Equal(t, "/dashboards/demo/demo.json", got[0].Dashboards[0].Path)
}

func TestFilterPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo"), newStubPlugin("extra")}

	active := FilterPlugins(compiled, map[string]bool{"demo": true}, false)
	require.Len(t, active, 1)
	assert.Equal(t, "demo", active[0].ID())

	assert.Len(t, FilterPlugins(compiled, map[string]bool{}, true), 2)
}

func TestValidateEnabledPlugins(t *testing.T) {
	compiled := []Plugin{newStubPlugin("demo")}

	assert.NoError(t, ValidateEnabledPlugins(compiled, map[string]bool{"demo": true}, false))
	assert.Error(t, ValidateEnabledPlugins(compiled, map[string]bool{"missing": true}, false))
}

func TestValidatePlugins(t *testing.T) {
	assert.NoError(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("other")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("demo"), newStubPlugin("demo")}))
	assert.Error(t, ValidatePlugins([]Plugin{newStubPlugin("Bad-ID")}))

	dup := newStubPlugin("demo")
	dup.dashboards = []Dashboard{{Name: "a"}, {Name: "a"}}
	assert.ErrorContains(t, ValidatePlugins([]Plugin{dup}), "duplicate dashboard name")

	err := ValidatePlugins([]Plugin{newStubPlugin("Bad-ID"), newStubPlugin("Bad-ID")})
	assert.ErrorContains(t, err, "does not match")
	assert.ErrorContains(t, err, "duplicate plugin id")
}

func TestDashboards(t *testing.T) {
	plugins := []Plugin{newStubPlugin("demo")}

	assert.Equal(t, map[string][]byte{"/dashboards/demo/demo.json": []byte("{}")}, DashboardsMap(plugins))

	dir := t.TempDir()
	require.NoError(t, WriteDashboards(dir, plugins))
	path := filepath.Join(dir, "demo", "demo.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, WriteDashboards(dir, plugins))
	again, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())

	entries, err := os.ReadDir(filepath.Join(dir, "demo"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMetricsRegistry(t *testing.T) {
	plugin := newStubPlugin("demo")
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "demo_value", Help: "demo"})
	gauge.Set(3)
	plugin.collectors = []prometheus.Collector{gauge}

	extra := prometheus.NewGauge(prometheus.GaugeOpts{Name: "build_info", Help: "build"})
	registry, err := MetricsRegistry([]Plugin{plugin}, extra)
	require.NoError(t, err)
	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 2)
	assert.Equal(t, "build_info", families[0].GetName())
	assert.Equal(t, "demo_value", families[1].GetName())

	clash := newStubPlugin("clash")
	clash.collectors = []prometheus.Collector{gauge}
	_, err = MetricsRegistry([]Plugin{plugin, clash})
	assert.ErrorContains(t, err, "register clash collector")
}
