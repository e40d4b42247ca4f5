package roborock

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/robobridge/internal/blobstore"
	"github.com/joshp123/robobridge/internal/config"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/prometheus/client_golang/prometheus"
)

//go:embed dashboard.json
var dashboardJSON []byte

const primeTimeout = 30 * time.Second

// Plugin implements the robobridge plugin contract.
type Plugin struct {
	cfg    Config
	source BootstrapSource
	logger *slog.Logger

	mu            sync.Mutex
	bridge        *Bridge
	health        core.HealthStatus
	healthMessage string
	cancel        context.CancelFunc
	primed        sync.WaitGroup
}

// NewPlugin constructs a Roborock plugin from config. The second result is
// false when the plugin is not configured.
func NewPlugin(cfg *config.RoborockConfig, logger *slog.Logger) (*Plugin, bool) {
	if cfg == nil {
		return nil, false
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Plugin{logger: logger, health: core.HealthDegraded, healthMessage: "not started"}

	runtimeCfg, err := ConfigFromFile(cfg)
	if err != nil {
		p.fail(err)
		return p, true
	}
	p.cfg = runtimeCfg

	switch {
	case cfg.BootstrapBlob != nil:
		src, err := blobstore.NewS3Source(cfg.BootstrapBlob)
		if err != nil {
			p.fail(fmt.Errorf("roborock bootstrap blob: %w", err))
			return p, true
		}
		p.source = src
	default:
		p.source = FileSource(cfg.BootstrapFile)
	}
	return p, true
}

func (p *Plugin) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = core.HealthError
	p.healthMessage = err.Error()
}

func (p *Plugin) ID() string {
	return "roborock"
}

func (p *Plugin) Manifest() core.Manifest {
	var services []string
	for duid := range p.ServiceHealth() {
		services = append(services, duid)
	}
	return core.Manifest{
		PluginID:    "roborock",
		DisplayName: "Roborock",
		Version:     "0.1.0",
		Services:    services,
	}
}

// Start loads the bootstrap, starts discovery and primes every device with
// a status read in the background. A bad bootstrap leaves the plugin in
// the error state rather than failing the process.
func (p *Plugin) Start(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	boot, err := LoadBootstrap(ctx, p.source)
	if err != nil {
		p.fail(err)
		return nil
	}
	bridge, err := NewBridge(p.cfg, boot, p.logger)
	if err != nil {
		p.fail(err)
		return nil
	}
	if err := bridge.Start(ctx); err != nil {
		p.logger.Warn("roborock discovery unavailable", "err", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.bridge = bridge
	p.cancel = cancel
	p.health = core.HealthHealthy
	p.healthMessage = fmt.Sprintf("%d devices", len(bridge.Devices()))
	p.mu.Unlock()

	for _, dev := range bridge.Devices() {
		p.primed.Add(1)
		go p.prime(runCtx, dev)
	}
	return nil
}

func (p *Plugin) prime(ctx context.Context, dev Device) {
	defer p.primed.Done()
	ctx, cancel := context.WithTimeout(ctx, primeTimeout)
	defer cancel()
	if _, err := p.Bridge().GetStatus(ctx, dev.DUID); err != nil {
		p.logger.Warn("initial status read failed", "duid", dev.DUID, "name", dev.Name, "err", err)
		p.mu.Lock()
		if p.health == core.HealthHealthy {
			p.health = core.HealthDegraded
			p.healthMessage = fmt.Sprintf("%s unreachable: %v", dev.Name, err)
		}
		p.mu.Unlock()
	}
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	bridge := p.bridge
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.primed.Wait()
	if bridge == nil {
		return nil
	}
	return bridge.Close()
}

// Bridge returns the running bridge, or nil before Start.
func (p *Plugin) Bridge() *Bridge {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bridge
}

func (p *Plugin) Dashboards() []core.Dashboard {
	return []core.Dashboard{{Name: "roborock-overview", JSON: dashboardJSON}}
}

func (p *Plugin) Collectors() []prometheus.Collector {
	bridge := p.Bridge()
	if bridge == nil {
		return nil
	}
	return []prometheus.Collector{NewMetricsCollector(bridge), bridge.Metrics()}
}

func (p *Plugin) Health() core.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func (p *Plugin) HealthMessage() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthMessage
}

// ServiceHealth reports transport readiness as roborock.<duid>.
func (p *Plugin) ServiceHealth() map[string]bool {
	bridge := p.Bridge()
	if bridge == nil {
		return nil
	}
	out := make(map[string]bool)
	for _, dev := range bridge.Devices() {
		out["roborock."+dev.DUID] = bridge.Ready(dev.DUID)
	}
	return out
}
