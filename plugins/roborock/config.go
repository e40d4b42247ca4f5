package roborock

import (
	"fmt"
	"time"

	"github.com/joshp123/robobridge/internal/config"
)

// Config defines runtime configuration for the bridge.
type Config struct {
	CloudFallback bool
	IPOverrides   map[string]string
	Discovery     bool
	DiscoveryAddr string
	// DiscoveryWait bounds how long a session waits for a beacon when the
	// device address is unknown.
	DiscoveryWait time.Duration

	RPCTimeout        time.Duration
	HelloTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectInterval time.Duration
	FragmentDebounce  time.Duration
	FragmentTolerance time.Duration
}

const defaultDiscoveryWait = 3 * time.Second

func ConfigFromFile(cfg *config.RoborockConfig) (Config, error) {
	if cfg == nil {
		return Config{}, fmt.Errorf("roborock config is required")
	}
	out := Config{
		CloudFallback:     cfg.CloudFallback,
		IPOverrides:       cfg.DeviceIPOverrides,
		Discovery:         cfg.Discovery == nil || *cfg.Discovery,
		DiscoveryAddr:     cfg.DiscoveryAddr,
		DiscoveryWait:     defaultDiscoveryWait,
		RPCTimeout:        cfg.Timeouts.RPC,
		HelloTimeout:      cfg.Timeouts.Hello,
		PingInterval:      cfg.Timeouts.Keepalive,
		ReconnectInterval: cfg.Timeouts.Reconnect,
		FragmentDebounce:  cfg.Timeouts.FragmentDebounce,
		FragmentTolerance: cfg.Timeouts.FragmentTolerance,
	}
	if out.DiscoveryAddr == "" {
		out.DiscoveryAddr = config.DefaultDiscoveryAddr
	}
	return out, nil
}
