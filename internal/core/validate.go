package core

import (
	"errors"
	"fmt"
	"regexp"
)

var pluginIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)

// ValidatePlugins checks plugin ids and dashboard names before anything
// starts. Every problem is reported, not just the first.
func ValidatePlugins(plugins []Plugin) error {
	var errs []error
	seen := make(map[string]bool)
	for _, plugin := range plugins {
		id := plugin.ID()
		switch {
		case id == "":
			errs = append(errs, errors.New("plugin id is empty"))
			continue
		case !pluginIDPattern.MatchString(id):
			errs = append(errs, fmt.Errorf("plugin id %q does not match %s", id, pluginIDPattern))
		}
		if manifest := plugin.Manifest(); manifest.PluginID != id {
			errs = append(errs, fmt.Errorf("plugin %s: manifest id is %q", id, manifest.PluginID))
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("duplicate plugin id: %s", id))
		}
		seen[id] = true

		names := make(map[string]bool)
		for _, dash := range plugin.Dashboards() {
			if dash.Name == "" || names[dash.Name] {
				errs = append(errs, fmt.Errorf("plugin %s: empty or duplicate dashboard name %q", id, dash.Name))
			}
			names[dash.Name] = true
		}
	}
	return errors.Join(errs...)
}
