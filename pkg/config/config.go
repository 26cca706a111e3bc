// Package config loads extension-host configuration from the
// environment via github.com/caarlos0/env struct tags.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the extension host's environment-driven settings.
type Config struct {
	ListenAddr             string        `env:"PIXOLITH_LISTEN_ADDR" envDefault:":7443"`
	InstalledExtensionsDir string        `env:"PIXOLITH_EXTENSIONS_DIR" envDefault:"/var/lib/pixolith/extensions"`
	BuiltInExtensionsDir   string        `env:"PIXOLITH_BUILTIN_EXTENSIONS_DIR" envDefault:"/usr/share/pixolith/builtin"`
	ModelsCacheDir         string        `env:"PIXOLITH_MODELS_CACHE_DIR" envDefault:"/var/lib/pixolith/models"`
	RegistryDBPath         string        `env:"PIXOLITH_REGISTRY_DB" envDefault:"/var/lib/pixolith/registry.db"`
	AuditDir               string        `env:"PIXOLITH_AUDIT_DIR" envDefault:"/var/lib/pixolith/audit"`
	HealthAddr             string        `env:"PIXOLITH_HEALTH_ADDR" envDefault:"127.0.0.1:7445"`
	MetricsAddr            string        `env:"PIXOLITH_METRICS_ADDR" envDefault:"127.0.0.1:7444"`
	WebServicesBaseURL     string        `env:"PIXOLITH_WEB_BASE_URL" envDefault:"http://127.0.0.1:7442"`
	MaxArchiveBytes        int64         `env:"PIXOLITH_MAX_ARCHIVE_BYTES" envDefault:"8388608"`
	MaxImageBytes          int64         `env:"PIXOLITH_MAX_IMAGE_BYTES" envDefault:"33554432"`
	MaxAttachmentBytes     int64         `env:"PIXOLITH_MAX_ATTACHMENT_BYTES" envDefault:"1048576"`
	RequiresAPIKey         bool          `env:"PIXOLITH_REQUIRES_API_KEY" envDefault:"true"`
	StopGracePeriod        time.Duration `env:"PIXOLITH_STOP_GRACE_PERIOD" envDefault:"1s"`
	RestartDecayAfter      time.Duration `env:"PIXOLITH_RESTART_DECAY_AFTER" envDefault:"60s"`
	MaxConsecutiveRestarts int           `env:"PIXOLITH_MAX_CONSECUTIVE_RESTARTS" envDefault:"3"`
	MetricsEnabled         bool          `env:"PIXOLITH_METRICS_ENABLED" envDefault:"true"`
	LogJSON                bool          `env:"PIXOLITH_LOG_JSON" envDefault:"true"`
}

// Load reads configuration from the environment with the defaults above.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
