package core

import (
	"fmt"
	"sort"
)

// PluginSummary is the public view of a plugin.
type PluginSummary struct {
	PluginID      string          `json:"plugin_id"`
	DisplayName   string          `json:"display_name"`
	Version       string          `json:"version"`
	Status        string          `json:"status"`
	HealthMessage string          `json:"health_message,omitempty"`
	Services      []string        `json:"services,omitempty"`
	Dashboards    []DashboardLink `json:"dashboards,omitempty"`
}

type DashboardLink struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// ListPlugins summarizes the active plugins.
func ListPlugins(plugins []Plugin) []PluginSummary {
	out := make([]PluginSummary, 0, len(plugins))
	for _, p := range plugins {
		manifest := p.Manifest()
		summary := PluginSummary{
			PluginID:      manifest.PluginID,
			DisplayName:   manifest.DisplayName,
			Version:       manifest.Version,
			Status:        string(p.Health()),
			HealthMessage: p.HealthMessage(),
			Services:      manifest.Services,
		}
		for _, d := range p.Dashboards() {
			summary.Dashboards = append(summary.Dashboards, DashboardLink{
				Name: d.Name,
				Path: dashboardPath(manifest.PluginID, d.Name),
			})
		}
		out = append(out, summary)
	}
	return out
}

// FilterPlugins keeps the compiled plugins that are enabled in config.
func FilterPlugins(compiled []Plugin, enabled map[string]bool, all bool) []Plugin {
	if all {
		return compiled
	}
	var out []Plugin
	for _, p := range compiled {
		if enabled[p.ID()] {
			out = append(out, p)
		}
	}
	return out
}

// ValidateEnabledPlugins fails when config enables a plugin that is not
// compiled in.
func ValidateEnabledPlugins(compiled []Plugin, enabled map[string]bool, all bool) error {
	if all {
		return nil
	}
	known := make(map[string]bool, len(compiled))
	for _, p := range compiled {
		known[p.ID()] = true
	}
	var missing []string
	for id, on := range enabled {
		if on && !known[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("enabled plugins not compiled in: %v", missing)
	}
	return nil
}
