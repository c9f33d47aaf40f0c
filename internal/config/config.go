// Package config provides configuration loading for remedyd.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables. All sections carry defaults so a bare install works against
// local infrastructure.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete remedyd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Retry         RetryConfig         `koanf:"retry"`
	Engine        EngineConfig        `koanf:"engine"`
	Tracker       TrackerConfig       `koanf:"tracker"`
	Personas      PersonasConfig      `koanf:"personas"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // "grpc" or "http"
}

// IngestConfig holds signal ingestion configuration.
type IngestConfig struct {
	NATSEnabled bool   `koanf:"nats_enabled"`
	NATSURL     string `koanf:"nats_url"`
	Subject     string `koanf:"subject"`
	// WebhookRatePerMin is the per-sender token refill rate on POST /v1/signals.
	WebhookRatePerMin int `koanf:"webhook_rate_per_min"`
	WebhookBurst      int `koanf:"webhook_burst"`
}

// SchedulerConfig holds admission control configuration.
type SchedulerConfig struct {
	// ScopeCapacity is the max concurrent remediations per scope.
	ScopeCapacity int `koanf:"scope_capacity"`
	// Block selects queueing (true) over rejection (false) at capacity.
	Block bool `koanf:"block"`
	// LeaseTTL is how long an admission lease lives without renewal.
	LeaseTTL Duration `koanf:"lease_ttl"`
	// ReapInterval is how often expired leases are reclaimed.
	ReapInterval Duration `koanf:"reap_interval"`
}

// RetryConfig holds retry policy configuration for step execution.
type RetryConfig struct {
	MaxAttempts int      `koanf:"max_attempts"`
	BaseDelay   Duration `koanf:"base_delay"`
	MaxDelay    Duration `koanf:"max_delay"`
	Multiplier  float64  `koanf:"multiplier"`
	// DiagnosticsDepth bounds how many attempt diagnostics a terminal
	// failure carries.
	DiagnosticsDepth int `koanf:"diagnostics_depth"`
}

// EngineConfig holds workflow engine configuration.
type EngineConfig struct {
	StepTimeout Duration `koanf:"step_timeout"`
}

// TrackerConfig holds issue tracker configuration.
type TrackerConfig struct {
	// Backend is "memory" or "github".
	Backend     string `koanf:"backend"`
	Repository  string `koanf:"repository"` // owner/name, github backend only
	GitHubToken Secret `koanf:"github_token"`
	// WorkDir is where per-issue artifacts (prompt.md, acceptance-criteria.md)
	// are written.
	WorkDir string `koanf:"work_dir"`
}

// PersonasConfig holds persona execution configuration.
type PersonasConfig struct {
	// Commands maps persona name (lowercase) to the CLI invoked for it.
	Commands map[string][]string `koanf:"commands"`
	// RulesFile optionally merges extra verifier rules at startup.
	RulesFile string `koanf:"rules_file"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "remedyd"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}

	if cfg.Ingest.NATSURL == "" {
		cfg.Ingest.NATSURL = "nats://localhost:4222"
	}
	if cfg.Ingest.Subject == "" {
		cfg.Ingest.Subject = "remedyd.signals.>"
	}
	if cfg.Ingest.WebhookRatePerMin == 0 {
		cfg.Ingest.WebhookRatePerMin = 60
	}
	if cfg.Ingest.WebhookBurst == 0 {
		cfg.Ingest.WebhookBurst = 10
	}

	if cfg.Scheduler.ScopeCapacity == 0 {
		cfg.Scheduler.ScopeCapacity = 2
	}
	if cfg.Scheduler.LeaseTTL == 0 {
		cfg.Scheduler.LeaseTTL = Duration(30 * time.Minute)
	}
	if cfg.Scheduler.ReapInterval == 0 {
		cfg.Scheduler.ReapInterval = Duration(time.Minute)
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = Duration(time.Second)
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.DiagnosticsDepth == 0 {
		cfg.Retry.DiagnosticsDepth = 5
	}

	if cfg.Engine.StepTimeout == 0 {
		cfg.Engine.StepTimeout = Duration(45 * time.Minute)
	}

	if cfg.Tracker.Backend == "" {
		cfg.Tracker.Backend = "memory"
	}
	if cfg.Tracker.WorkDir == "" {
		cfg.Tracker.WorkDir = "/workspace/watch"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	switch c.Observability.OTLPProtocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("otlp protocol must be 'grpc' or 'http', got %q", c.Observability.OTLPProtocol)
	}

	if c.Scheduler.ScopeCapacity < 1 {
		return fmt.Errorf("scheduler scope capacity must be >= 1, got %d", c.Scheduler.ScopeCapacity)
	}
	if c.Scheduler.LeaseTTL.Duration() <= 0 {
		return fmt.Errorf("scheduler lease TTL must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.MaxDelay.Duration() < c.Retry.BaseDelay.Duration() {
		return fmt.Errorf("retry max delay must be >= base delay")
	}

	switch c.Tracker.Backend {
	case "memory":
	case "github":
		if c.Tracker.Repository == "" {
			return fmt.Errorf("tracker repository is required for github backend")
		}
		if !c.Tracker.GitHubToken.IsSet() {
			return fmt.Errorf("tracker github_token is required for github backend")
		}
	default:
		return fmt.Errorf("tracker backend must be 'memory' or 'github', got %q", c.Tracker.Backend)
	}

	return nil
}
