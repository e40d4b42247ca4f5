package plugins

import (
	"log/slog"

	"github.com/joshp123/robobridge/internal/config"
	"github.com/joshp123/robobridge/internal/core"
	"github.com/joshp123/robobridge/plugins/roborock"
)

func init() {
	Register(func(cfg *config.Config, logger *slog.Logger) (core.Plugin, bool) {
		plugin, ok := roborock.NewPlugin(cfg.Roborock, logger)
		if !ok {
			return nil, false
		}
		return plugin, true
	})
}
