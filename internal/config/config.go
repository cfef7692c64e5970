// Package config loads engine configuration from the environment, with the
// enumerated defaults from the specification's §6 "Configuration" table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds every tunable enumerated in §6.
type Config struct {
	MaxGlobalExecutions    int `env:"TRINITY_MAX_GLOBAL_EXECUTIONS,default=50"`
	MaxPerProcessExecutions int `env:"TRINITY_MAX_PER_PROCESS_EXECUTIONS,default=3"`
	AgentQueueMax          int `env:"TRINITY_AGENT_QUEUE_MAX,default=3"`
	CircuitFailureThreshold int `env:"TRINITY_CIRCUIT_FAILURE_THRESHOLD,default=3"`
	CircuitCooldownSeconds int `env:"TRINITY_CIRCUIT_COOLDOWN_SECONDS,default=60"`
	MaxExecutionAgeSeconds int `env:"TRINITY_MAX_EXECUTION_AGE_SECONDS,default=86400"`
	DefaultStepTimeoutSeconds int `env:"TRINITY_DEFAULT_STEP_TIMEOUT_SECONDS,default=300"`
	SubProcessMaxDepth     int `env:"TRINITY_SUB_PROCESS_MAX_DEPTH,default=5"`
	OutputVariableMaxBytes int `env:"TRINITY_OUTPUT_VARIABLE_MAX_BYTES,default=1048576"`

	CancellationGraceSeconds int `env:"TRINITY_CANCELLATION_GRACE_SECONDS,default=10"`
	LeaseSlackSeconds        int `env:"TRINITY_LEASE_SLACK_SECONDS,default=5"`
	TimerPollIntervalSeconds int `env:"TRINITY_TIMER_POLL_INTERVAL_SECONDS,default=15"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	HTTPAddr string `env:"TRINITY_HTTP_ADDR,default=:8080"`

	AuditFallbackPath string `env:"TRINITY_AUDIT_FALLBACK_PATH,default=./trinity-audit-fallback.jsonl"`
}

// Load reads a .env file if present (ignored if missing) and decodes the
// environment into a Config, applying defaults per field tag.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode env config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config populated purely with the §6 defaults, useful for
// tests and for embedding the engine without environment configuration.
func Default() *Config {
	return &Config{
		MaxGlobalExecutions:       50,
		MaxPerProcessExecutions:   3,
		AgentQueueMax:             3,
		CircuitFailureThreshold:   3,
		CircuitCooldownSeconds:    60,
		MaxExecutionAgeSeconds:    86400,
		DefaultStepTimeoutSeconds: 300,
		SubProcessMaxDepth:        5,
		OutputVariableMaxBytes:    1 << 20,
		CancellationGraceSeconds:  10,
		LeaseSlackSeconds:         5,
		TimerPollIntervalSeconds:  15,
		LogLevel:                  "info",
		LogFormat:                 "json",
		HTTPAddr:                  ":8080",
		AuditFallbackPath:         "./trinity-audit-fallback.jsonl",
	}
}

// MaxExecutionAge returns MaxExecutionAgeSeconds as a time.Duration.
func (c *Config) MaxExecutionAge() time.Duration {
	return time.Duration(c.MaxExecutionAgeSeconds) * time.Second
}

// DefaultStepTimeout returns DefaultStepTimeoutSeconds as a time.Duration.
func (c *Config) DefaultStepTimeout() time.Duration {
	return time.Duration(c.DefaultStepTimeoutSeconds) * time.Second
}

// CircuitCooldown returns CircuitCooldownSeconds as a time.Duration.
func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSeconds) * time.Second
}

// CancellationGrace returns CancellationGraceSeconds as a time.Duration.
func (c *Config) CancellationGrace() time.Duration {
	return time.Duration(c.CancellationGraceSeconds) * time.Second
}

// LeaseSlack returns LeaseSlackSeconds as a time.Duration.
func (c *Config) LeaseSlack() time.Duration {
	return time.Duration(c.LeaseSlackSeconds) * time.Second
}

// TimerPollInterval returns TimerPollIntervalSeconds as a time.Duration: how
// often the engine re-drives non-terminal executions so a standalone
// timer-awaiting step resumes without waiting for a restart-triggered
// recovery sweep.
func (c *Config) TimerPollInterval() time.Duration {
	return time.Duration(c.TimerPollIntervalSeconds) * time.Second
}
