package core

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry registers the process-level collectors and every plugin's
// collectors. A collision names the plugin that caused it.
func MetricsRegistry(plugins []Plugin, extra ...prometheus.Collector) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	for _, c := range extra {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	for _, plugin := range plugins {
		for _, c := range plugin.Collectors() {
			if err := registry.Register(c); err != nil {
				return nil, fmt.Errorf("register %s collector: %w", plugin.ID(), err)
			}
		}
	}
	return registry, nil
}
