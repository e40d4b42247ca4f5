package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// DashboardsMap keys every plugin dashboard by the URL path it is served at.
func DashboardsMap(plugins []Plugin) map[string][]byte {
	result := make(map[string][]byte)
	for _, plugin := range plugins {
		for _, dash := range plugin.Dashboards() {
			result[dashboardPath(plugin.ID(), dash.Name)] = dash.JSON
		}
	}
	return result
}

func dashboardPath(pluginID, name string) string {
	return "/dashboards/" + pluginID + "/" + name + ".json"
}

// WriteDashboards provisions dashboards under dir/<plugin>/<name>.json for
// Grafana. Unchanged files are left alone so Grafana does not reload them;
// changed files are replaced by rename.
func WriteDashboards(dir string, plugins []Plugin) error {
	if dir == "" {
		return nil
	}
	for _, plugin := range plugins {
		pluginDir := filepath.Join(dir, plugin.ID())
		for _, dash := range plugin.Dashboards() {
			if err := os.MkdirAll(pluginDir, 0o755); err != nil {
				return fmt.Errorf("create dashboard dir: %w", err)
			}
			if err := writeIfChanged(filepath.Join(pluginDir, dash.Name+".json"), dash.JSON); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeIfChanged(path string, data []byte) error {
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, data) {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dashboard-*")
	if err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	return nil
}
