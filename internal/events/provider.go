package events

import (
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
)

// Provide creates the configured event bus: NATS when a URL is set,
// otherwise the in-process memory bus.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg, log)
}
