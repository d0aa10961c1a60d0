package config

import (
	"fmt"
	"strings"

	"github.com/LeRoy-The-Hatter/Colony-Radio-v2/pkg/session"
)

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.SummaryInterval <= 0 {
		return fmt.Errorf("server.summary_interval must be positive")
	}

	if cfg.Client.ServerPort <= 0 || cfg.Client.ServerPort > 65535 {
		return fmt.Errorf("client.server_port must be between 1 and 65535")
	}
	if cfg.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("client.heartbeat_interval must be positive")
	}
	if cfg.Client.PresenceInterval <= 0 {
		return fmt.Errorf("client.presence_interval must be positive")
	}
	if n := len(cfg.Client.Freqs); n != 0 && n != session.NumChannels {
		return fmt.Errorf("client.freqs must list %d channel frequencies", session.NumChannels)
	}

	if cfg.Update.Enabled {
		if cfg.Update.Port <= 0 || cfg.Update.Port > 65535 {
			return fmt.Errorf("update.port must be between 1 and 65535")
		}
		if cfg.Update.Dir == "" {
			return fmt.Errorf("update.dir is required when update hosting is enabled")
		}
	}

	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	if cfg.Storage.Enabled && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required when storage is enabled")
	}

	for src, dst := range cfg.Networks.Aliases {
		if strings.TrimSpace(src) == "" || strings.TrimSpace(dst) == "" {
			return fmt.Errorf("networks.aliases entries must have non-empty source and destination")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
	}

	return nil
}
