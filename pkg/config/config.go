package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

var GlobalConfig *Config

// Config is the agent's global configuration, loaded once at startup
// from a YAML file. Unknown keys are ignored by yaml.v3's default
// decode behavior, which also applies to ICC config updates.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	ICC         ICCConfig         `yaml:"icc"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Scaler      ScalerConfig      `yaml:"scaler"`
	Health      HealthConfig      `yaml:"health"`
	Flamegraphs FlamegraphsConfig `yaml:"flamegraphs"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// ServerConfig configures the agent's local admin/health HTTP surface.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// ICCConfig is the transport configuration for the control channel and
// the ICC HTTP client. An empty URL puts the agent in standalone mode:
// no component dials out.
type ICCConfig struct {
	URL                     string `yaml:"url"`
	ApplicationID           string `yaml:"applicationId"`
	PodID                   string `yaml:"podId"` // defaults to HOSTNAME
	ReconnectIntervalMillis int    `yaml:"reconnectIntervalMillis"`
}

// RuntimeConfig points the Runtime Adapter at the application runtime's
// local control endpoint, and optionally at the K8s Deployment backing
// each application for worker-count changes.
type RuntimeConfig struct {
	BaseURL string    `yaml:"baseUrl"`
	WSURL   string    `yaml:"wsUrl"`
	K8s     K8sConfig `yaml:"k8s"`
}

type K8sConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ScalerConfig drives the vertical autoscaler.
type ScalerConfig struct {
	Version       string  `yaml:"version"` // "v1" selects the alert engine, "v2" the signals batcher
	MaxWorkers    int     `yaml:"maxWorkers"`
	ScaleUpELU    float64 `yaml:"scaleUpELU"`
	ScaleDownELU  float64 `yaml:"scaleDownELU"`
	MinELUDiff    float64 `yaml:"minELUDiff"`
	TimeWindowSec int     `yaml:"timeWindowSec"`
	CooldownSec   int     `yaml:"cooldownSec"`
}

// HealthConfig drives the health-signals batcher.
type HealthConfig struct {
	ELUThreshold     float64 `yaml:"eluThreshold"`
	HeapThresholdMiB float64 `yaml:"heapThreshold"`
	BatchShortMillis int     `yaml:"batchShortMillis"`
	BatchLongMillis  int     `yaml:"batchLongMillis"`
}

// FlamegraphsConfig drives the profiling controller.
type FlamegraphsConfig struct {
	Disabled                 bool    `yaml:"disabled"`
	DurationSec              int     `yaml:"durationSec"`
	SourceMaps               bool    `yaml:"sourceMaps"`
	PauseEluThreshold        float64 `yaml:"pauseEluThreshold"`
	PauseTimeoutMillis       int     `yaml:"pauseTimeoutMillis"`
	StatesRefreshIntervalSec int     `yaml:"statesRefreshIntervalSec"`
}

// AlertsConfig drives the alert engine.
type AlertsConfig struct {
	GracePeriodSec         int     `yaml:"gracePeriodSec"`
	PodHealthWindowMs      int     `yaml:"podHealthWindowMs"`
	AlertRetentionWindowMs int     `yaml:"alertRetentionWindowMs"`
	MaxHeapUsedRatio       float64 `yaml:"maxHeapUsedRatio"`
}

// Init loads configuration from CONFIG_PATH (default config/config.yaml)
// and applies defaults for anything left zero-valued.
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	applyDefaults(&cfg)
	GlobalConfig = &cfg
	return nil
}

// applyDefaults fills in zero-valued fields with the agent's defaults
// rather than failing startup on a sparse config file.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Output == "" {
		cfg.Logger.Output = "console"
	}
	if cfg.ICC.ReconnectIntervalMillis <= 0 {
		cfg.ICC.ReconnectIntervalMillis = 5000
	}
	if cfg.Scaler.Version == "" {
		cfg.Scaler.Version = "v1"
	}
	if cfg.Scaler.MaxWorkers <= 0 {
		cfg.Scaler.MaxWorkers = 10
	}
	if cfg.Scaler.ScaleUpELU <= 0 {
		cfg.Scaler.ScaleUpELU = 0.8
	}
	if cfg.Scaler.ScaleDownELU <= 0 {
		cfg.Scaler.ScaleDownELU = 0.2
	}
	if cfg.Scaler.MinELUDiff <= 0 {
		cfg.Scaler.MinELUDiff = 0.2
	}
	if cfg.Scaler.TimeWindowSec <= 0 {
		cfg.Scaler.TimeWindowSec = 60
	}
	if cfg.Scaler.CooldownSec <= 0 {
		cfg.Scaler.CooldownSec = 30
	}
	if cfg.Health.ELUThreshold <= 0 {
		cfg.Health.ELUThreshold = 0.8
	}
	if cfg.Health.HeapThresholdMiB <= 0 {
		cfg.Health.HeapThresholdMiB = 512
	}
	if cfg.Health.BatchShortMillis <= 0 {
		cfg.Health.BatchShortMillis = 1000
	}
	if cfg.Health.BatchLongMillis <= 0 {
		cfg.Health.BatchLongMillis = 10000
	}
	if cfg.Flamegraphs.DurationSec <= 0 {
		cfg.Flamegraphs.DurationSec = 60
	}
	if cfg.Flamegraphs.StatesRefreshIntervalSec <= 0 {
		cfg.Flamegraphs.StatesRefreshIntervalSec = 10
	}
	if cfg.Alerts.GracePeriodSec <= 0 {
		cfg.Alerts.GracePeriodSec = 30
	}
	if cfg.Alerts.PodHealthWindowMs <= 0 {
		cfg.Alerts.PodHealthWindowMs = 60000
	}
	if cfg.Alerts.AlertRetentionWindowMs <= 0 {
		cfg.Alerts.AlertRetentionWindowMs = 300000
	}
	if cfg.Alerts.MaxHeapUsedRatio <= 0 {
		cfg.Alerts.MaxHeapUsedRatio = 0.85
	}
}

// ApplyUpdate merges an ICC configuration update (a JSON document with
// the same schema as the config file) into cfg and returns the result.
// The JSON is converted to YAML so the one yaml-tagged schema serves
// both sources; unknown keys are ignored.
func ApplyUpdate(cfg *Config, data []byte) (*Config, error) {
	yamlData, err := sigsyaml.JSONToYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config update: %w", err)
	}

	updated := *cfg
	if err := yaml.Unmarshal(yamlData, &updated); err != nil {
		return nil, fmt.Errorf("failed to decode config update: %w", err)
	}
	applyDefaults(&updated)
	return &updated, nil
}

// Standalone reports whether the agent has no ICC endpoint configured.
// In standalone mode nothing dials out: no signal batches, alerts,
// uploads, or control channel.
func (c *Config) Standalone() bool {
	return c.ICC.URL == ""
}
