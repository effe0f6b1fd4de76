package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the taskvault.json configuration file.
type Config struct {
	Version   string         `json:"version"`
	VaultRoot string         `json:"vault_root"`
	Scheduler Scheduler      `json:"scheduler"`
	Intake    Intake         `json:"intake"`
	Approval  Approval       `json:"approval"`
	Executor  Executor       `json:"executor"`
	Sensors   []SensorConfig `json:"sensors"`
}

// Scheduler controls the top-level orchestration loop.
type Scheduler struct {
	TickIntervalMs  int `json:"tick_interval_ms"`
	TickJitterMs    int `json:"tick_jitter_ms"`
	CycleDeadlineMs int `json:"cycle_deadline_ms"`
	CooldownMs      int `json:"cooldown_ms"`       // sleep after a failed cycle
	StatsIntervalS  int `json:"stats_interval_s"`  // stats snapshot cadence
	HealthIntervalS int `json:"health_interval_s"` // sensor liveness cadence
}

// Intake controls the inbox watcher.
type Intake struct {
	SettleDelayMs   int `json:"settle_delay_ms"`   // wait for the writer to finish
	RescanIntervalS int `json:"rescan_interval_s"` // periodic scan, catches missed events
	DedupWindowS    int `json:"dedup_window_s"`
	EvictIntervalS  int `json:"evict_interval_s"` // housekeeping cadence
}

// Approval holds the per-risk approval timeout policy.
type Approval struct {
	HighRiskTimeoutH int `json:"high_risk_timeout_h"`
	DefaultTimeoutH  int `json:"default_timeout_h"`
}

// Executor bounds calls into downstream executors.
type Executor struct {
	TimeoutS int `json:"timeout_s"`
}

// SensorConfig declares one registered sensor.
type SensorConfig struct {
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	PollIntervalS int    `json:"poll_interval_s"`
}

// GenerateDefault creates a Config with production defaults.
func GenerateDefault() *Config {
	return &Config{
		Version:   "1.0",
		VaultRoot: ".",
		Scheduler: Scheduler{
			TickIntervalMs:  5000,
			TickJitterMs:    500,
			CycleDeadlineMs: 30000,
			CooldownMs:      2000,
			StatsIntervalS:  300,
			HealthIntervalS: 300,
		},
		Intake: Intake{
			SettleDelayMs:   500,
			RescanIntervalS: 5,
			DedupWindowS:    60,
			EvictIntervalS:  60,
		},
		Approval: Approval{
			HighRiskTimeoutH: 12,
			DefaultTimeoutH:  24,
		},
		Executor: Executor{
			TimeoutS: 60,
		},
		Sensors: []SensorConfig{},
	}
}

// Validate checks the configuration and returns user-friendly error messages.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.VaultRoot == "" {
		return fmt.Errorf("configuration error: missing required field 'vault_root'\n\nHint: Set it to the vault directory, e.g.:\n  \"vault_root\": \".\"")
	}

	if c.Scheduler.TickIntervalMs < 100 {
		return fmt.Errorf("configuration error: 'scheduler.tick_interval_ms' is %d\n\nHint: The scheduler tick must be at least 100ms", c.Scheduler.TickIntervalMs)
	}

	if c.Scheduler.TickJitterMs < 0 || c.Scheduler.TickJitterMs >= c.Scheduler.TickIntervalMs {
		return fmt.Errorf("configuration error: 'scheduler.tick_jitter_ms' must be in [0, tick_interval_ms)")
	}

	if c.Approval.HighRiskTimeoutH <= 0 || c.Approval.DefaultTimeoutH <= 0 {
		return fmt.Errorf("configuration error: approval timeouts must be positive\n\nHint:\n  \"approval\": {\n    \"high_risk_timeout_h\": 12,\n    \"default_timeout_h\": 24\n  }")
	}

	if c.Approval.HighRiskTimeoutH > c.Approval.DefaultTimeoutH {
		return fmt.Errorf("configuration error: 'approval.high_risk_timeout_h' (%d) exceeds 'approval.default_timeout_h' (%d)\n\nHint: High-risk plans must expire no later than lower-risk ones", c.Approval.HighRiskTimeoutH, c.Approval.DefaultTimeoutH)
	}

	if c.Executor.TimeoutS <= 0 {
		return fmt.Errorf("configuration error: 'executor.timeout_s' must be positive")
	}

	seen := make(map[string]bool)
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("configuration error: sensor %d has no name\n\nHint: Every entry in \"sensors\" needs a unique \"name\"", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("configuration error: duplicate sensor name %q", s.Name)
		}
		seen[s.Name] = true
		if s.PollIntervalS <= 0 {
			return fmt.Errorf("configuration error: sensor %q has invalid 'poll_interval_s' %d", s.Name, s.PollIntervalS)
		}
	}

	return nil
}

// Duration accessors: the JSON carries plain integers for readability, the
// rest of the code works in time.Duration.

func (s Scheduler) TickInterval() time.Duration  { return time.Duration(s.TickIntervalMs) * time.Millisecond }
func (s Scheduler) TickJitter() time.Duration    { return time.Duration(s.TickJitterMs) * time.Millisecond }
func (s Scheduler) CycleDeadline() time.Duration { return time.Duration(s.CycleDeadlineMs) * time.Millisecond }
func (s Scheduler) Cooldown() time.Duration      { return time.Duration(s.CooldownMs) * time.Millisecond }
func (s Scheduler) StatsInterval() time.Duration { return time.Duration(s.StatsIntervalS) * time.Second }
func (s Scheduler) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalS) * time.Second
}

func (i Intake) SettleDelay() time.Duration    { return time.Duration(i.SettleDelayMs) * time.Millisecond }
func (i Intake) RescanInterval() time.Duration { return time.Duration(i.RescanIntervalS) * time.Second }
func (i Intake) DedupWindow() time.Duration    { return time.Duration(i.DedupWindowS) * time.Second }
func (i Intake) EvictInterval() time.Duration  { return time.Duration(i.EvictIntervalS) * time.Second }

func (a Approval) HighRiskTimeout() time.Duration {
	return time.Duration(a.HighRiskTimeoutH) * time.Hour
}
func (a Approval) DefaultTimeout() time.Duration { return time.Duration(a.DefaultTimeoutH) * time.Hour }

func (e Executor) Timeout() time.Duration { return time.Duration(e.TimeoutS) * time.Second }

func (s SensorConfig) PollInterval() time.Duration { return time.Duration(s.PollIntervalS) * time.Second }

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config as indented JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
