package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and a one-line summary of the scheduler setup
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("Dispatch", GetVersion())

	enabled := 0
	for _, m := range config.Models {
		if m.Enabled {
			enabled++
		}
	}

	logger.Info().
		Str("version", GetFullVersion()).
		Str("environment", config.Environment).
		Int("models", len(config.Models)).
		Int("models_enabled", enabled).
		Int("concurrency", config.Scheduler.Concurrency).
		Bool("redis_usage", config.Storage.Redis.Enabled).
		Msg("Dispatch scheduler configured")
}
