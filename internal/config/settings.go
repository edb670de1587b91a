package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the daemon configuration, loaded from <home>/config.yaml.
// Every field has a default; a missing file yields Default().
type Settings struct {
	Addr                 string `yaml:"addr"`
	APIKey               string `yaml:"api_key"`
	DBDriver             string `yaml:"db_driver"` // "sqlite" (default) or "postgres"
	DBURL                string `yaml:"db_url"`
	AgentCommand         string `yaml:"agent_command"`
	TmuxSocket           string `yaml:"tmux_socket"`
	SettleDelayMs        int    `yaml:"settle_delay_ms"`
	HeartbeatTimeoutSecs int    `yaml:"heartbeat_timeout_seconds"`
	SweepIntervalSecs    int    `yaml:"sweep_interval_seconds"`
	ScheduleIntervalSecs int    `yaml:"schedule_interval_seconds"`
	MaxConcurrentStarts  int    `yaml:"max_concurrent_starts"`
	SlackWebhookURL      string `yaml:"slack_webhook_url"`
}

// Default returns the settings used when no config file exists.
func Default() Settings {
	return Settings{
		Addr:                 "127.0.0.1:7600",
		DBDriver:             "sqlite",
		AgentCommand:         "claude",
		SettleDelayMs:        2000,
		HeartbeatTimeoutSecs: 60,
		SweepIntervalSecs:    15,
		ScheduleIntervalSecs: 5,
		MaxConcurrentStarts:  4,
	}
}

// SettingsPath returns the config file location under home.
func SettingsPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads settings from <home>/config.yaml. A missing file is not an
// error; explicit fields override defaults, absent fields keep them.
func Load(home string) (Settings, error) {
	s := Default()
	b, err := os.ReadFile(SettingsPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Default(), err
	}
	return s.withDefaults(), nil
}

// Save writes settings to <home>/config.yaml, creating home if needed.
func Save(home string, s Settings) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(SettingsPath(home), b, 0o644)
}

func (s Settings) withDefaults() Settings {
	d := Default()
	if s.Addr == "" {
		s.Addr = d.Addr
	}
	if s.DBDriver == "" {
		s.DBDriver = d.DBDriver
	}
	if s.AgentCommand == "" {
		s.AgentCommand = d.AgentCommand
	}
	if s.SettleDelayMs <= 0 {
		s.SettleDelayMs = d.SettleDelayMs
	}
	if s.HeartbeatTimeoutSecs <= 0 {
		s.HeartbeatTimeoutSecs = d.HeartbeatTimeoutSecs
	}
	if s.SweepIntervalSecs <= 0 {
		s.SweepIntervalSecs = d.SweepIntervalSecs
	}
	if s.ScheduleIntervalSecs <= 0 {
		s.ScheduleIntervalSecs = d.ScheduleIntervalSecs
	}
	if s.MaxConcurrentStarts <= 0 {
		s.MaxConcurrentStarts = d.MaxConcurrentStarts
	}
	return s
}

// SettleDelay returns the bootstrap settle delay as a duration.
func (s Settings) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMs) * time.Millisecond
}

// HeartbeatTimeout returns the presence staleness window as a duration.
func (s Settings) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSecs) * time.Second
}

// SweepInterval returns how often the presence sweeper runs.
func (s Settings) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSecs) * time.Second
}

// ScheduleInterval returns how often the dependency scheduler runs.
func (s Settings) ScheduleInterval() time.Duration {
	return time.Duration(s.ScheduleIntervalSecs) * time.Second
}
