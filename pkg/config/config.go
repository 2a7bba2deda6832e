package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written as "5m" or
// "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Web      WebConfig      `yaml:"web"`
	Stream   StreamConfig   `yaml:"stream"`
	Ticket   TicketConfig   `yaml:"ticket"`
	NATS     NATSConfig     `yaml:"nats"`
	Auth     AuthConfig     `yaml:"auth"`
	Terminal TerminalConfig `yaml:"terminal"`
	LogLevel string         `yaml:"log_level"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

// StreamConfig tunes the event log and fan-out. The replay window and log
// capacity are policy knobs, not invariants: shrinking them only shortens the
// gap a reconnecting terminal can fill from replay before it must fall back
// to a full state refresh.
type StreamConfig struct {
	ReplayWindow   Duration `yaml:"replay_window"`
	LogCapacity    int      `yaml:"log_capacity"`
	ListenerBuffer int      `yaml:"listener_buffer"`
	PingInterval   Duration `yaml:"ping_interval"`
}

type TicketConfig struct {
	LateAfter      Duration `yaml:"late_after"`
	RecalcInterval Duration `yaml:"recalc_interval"`
}

type NATSConfig struct {
	Enabled bool             `yaml:"enabled"`
	URL     string           `yaml:"url"`
	Stream  NATSStreamConfig `yaml:"stream"`
}

type NATSStreamConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Name         string   `yaml:"name"`
	ConsumerName string   `yaml:"consumer_name"`
	MaxAge       Duration `yaml:"max_age"`
}

type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig maps a pre-issued terminal token to a verified identity and its
// location scope. Credential verification itself is out of scope; this table
// stands in for the session issuer.
type TokenConfig struct {
	Token     string   `yaml:"token"`
	UserID    string   `yaml:"user_id"`
	Name      string   `yaml:"name"`
	Locations []string `yaml:"locations"`
}

type TerminalConfig struct {
	ServerURL  string        `yaml:"server_url"`
	Token      string        `yaml:"token"`
	TerminalID string        `yaml:"terminal_id"`
	Locations  []string      `yaml:"locations"`
	QueuePath  string        `yaml:"queue_path"`
	Backoff    BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    Duration `yaml:"initial"`
	Max        Duration `yaml:"max"`
	MaxRetries int      `yaml:"max_retries"`
}

// Load reads the config file at path, applying defaults for anything unset.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Web: WebConfig{Port: 8080},
		Stream: StreamConfig{
			ReplayWindow:   Duration(5 * time.Minute),
			LogCapacity:    100,
			ListenerBuffer: 100,
			PingInterval:   Duration(30 * time.Second),
		},
		Ticket: TicketConfig{
			LateAfter:      Duration(10 * time.Minute),
			RecalcInterval: Duration(5 * time.Second),
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
			Stream: NATSStreamConfig{
				Name:         "POS_EVENTS",
				ConsumerName: "sync-relay",
				MaxAge:       Duration(24 * time.Hour),
			},
		},
		Terminal: TerminalConfig{
			ServerURL:  "http://localhost:8080",
			TerminalID: "terminal-1",
			QueuePath:  "terminal.db",
			Backoff: BackoffConfig{
				Initial:    Duration(1 * time.Second),
				Max:        Duration(30 * time.Second),
				MaxRetries: 10,
			},
		},
		LogLevel: "info",
	}
}
