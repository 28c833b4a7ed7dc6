package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Source     SourceConfig      `yaml:"source"`
	Player     PlayerConfig      `yaml:"player"`
	Sink       SinkConfig        `yaml:"sink"`
	Mapping    MappingConfig     `yaml:"mapping"`
	Classifier ClassifierConfig  `yaml:"classifier"`
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`
	Buffer     *BufferConfig     `yaml:"buffer,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
	Health     *HealthConfig     `yaml:"health,omitempty"`
	Tracing    *TracingConfig    `yaml:"tracing,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SourceConfig selects the log file to tail. Either Path (fixed-path mode)
// or Dir (directory-rotation mode) must be set.
type SourceConfig struct {
	Path         string        `yaml:"path,omitempty"`
	Dir          string        `yaml:"dir,omitempty"`
	Pattern      string        `yaml:"pattern,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	IdleInterval time.Duration `yaml:"idle_interval,omitempty"`
	Watch        bool          `yaml:"watch"`
}

// PlayerConfig identifies the local player for kill/death attribution
type PlayerConfig struct {
	Name               string `yaml:"name"`
	DefaultName        string `yaml:"default_name,omitempty"`
	RequireVictimMatch bool   `yaml:"require_victim_match,omitempty"`
}

// SinkConfig holds GameSense endpoint configuration
type SinkConfig struct {
	Address        string                `yaml:"address"`
	Game           string                `yaml:"game"`
	DisplayName    string                `yaml:"display_name,omitempty"`
	Developer      string                `yaml:"developer,omitempty"`
	DeliverTimeout time.Duration         `yaml:"deliver_timeout,omitempty"`
	ProbeTimeout   time.Duration         `yaml:"probe_timeout,omitempty"`
	ProbeInterval  time.Duration         `yaml:"probe_interval,omitempty"`
	StatsEvent     string                `yaml:"stats_event,omitempty"`
	Icons          map[string]int        `yaml:"icons,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration for deliveries
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// MappingConfig locates the persisted event mapping
type MappingConfig struct {
	Path string `yaml:"path"`
}

// ClassifierConfig tunes the line classifier rule table
type ClassifierConfig struct {
	NumericStrategy string       `yaml:"numeric_strategy,omitempty"` // token or marker
	ReplaceDefaults bool         `yaml:"replace_defaults,omitempty"`
	Rules           []RuleConfig `yaml:"rules,omitempty"`
}

// RuleConfig defines one additional classification rule
type RuleConfig struct {
	Kind       string   `yaml:"kind"`
	Keywords   []string `yaml:"keywords,omitempty"`
	Qualifiers []string `yaml:"qualifiers,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty"`
	Strategy   string   `yaml:"strategy,omitempty"` // token, marker, regex
	Marker     string   `yaml:"marker,omitempty"`
	Min        *int     `yaml:"min,omitempty"`
	Max        *int     `yaml:"max,omitempty"`
}

// CheckpointConfig enables resuming the tracked position across restarts
type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// BufferConfig sizes the hand-off ring between tailing and delivery
type BufferConfig struct {
	Size int `yaml:"size"`
	// Strategy is "drop" (evict oldest) or "sample"
	Strategy   string `yaml:"strategy,omitempty"`
	SampleRate int    `yaml:"sample_rate,omitempty"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health check configuration
type HealthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	LivenessPath  string        `yaml:"liveness_path,omitempty"`
	ReadinessPath string        `yaml:"readiness_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "console"
	DefaultPattern            = "L*.log"
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultIdleInterval       = 500 * time.Millisecond
	DefaultPlayerName         = "Player"
	DefaultSinkAddress        = "http://localhost:51234"
	DefaultGame               = "TF2"
	DefaultDisplayName        = "Team Fortress 2"
	DefaultDeveloper          = "gamesense-bridge"
	DefaultDeliverTimeout     = 300 * time.Millisecond
	DefaultProbeTimeout       = 1 * time.Second
	DefaultProbeInterval      = 2 * time.Second
	DefaultMappingPath        = "event_map.json"
	DefaultNumericStrategy    = "token"
	DefaultCheckpointPath     = "~/.local/state/gamesense-bridge"
	DefaultCheckpointInterval = 5 * time.Second
	DefaultBufferSize         = 256
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	c.Source.Path = ExpandHome(c.Source.Path)
	c.Source.Dir = ExpandHome(c.Source.Dir)
	if c.Source.Path == "" && c.Source.Dir == "" {
		c.Source.Dir = DiscoverLogDir()
	}
	if c.Source.Dir != "" && c.Source.Pattern == "" {
		c.Source.Pattern = DefaultPattern
	}
	if c.Source.PollInterval == 0 {
		c.Source.PollInterval = DefaultPollInterval
	}
	if c.Source.IdleInterval == 0 {
		c.Source.IdleInterval = DefaultIdleInterval
	}

	if c.Player.DefaultName == "" {
		c.Player.DefaultName = DefaultPlayerName
	}

	if c.Sink.Address == "" {
		c.Sink.Address = DefaultSinkAddress
	}
	if c.Sink.Game == "" {
		c.Sink.Game = DefaultGame
	}
	if c.Sink.DisplayName == "" {
		c.Sink.DisplayName = DefaultDisplayName
	}
	if c.Sink.Developer == "" {
		c.Sink.Developer = DefaultDeveloper
	}
	if c.Sink.DeliverTimeout == 0 {
		c.Sink.DeliverTimeout = DefaultDeliverTimeout
	}
	if c.Sink.ProbeTimeout == 0 {
		c.Sink.ProbeTimeout = DefaultProbeTimeout
	}
	if c.Sink.ProbeInterval == 0 {
		c.Sink.ProbeInterval = DefaultProbeInterval
	}

	if c.Mapping.Path == "" {
		c.Mapping.Path = DefaultMappingPath
	}
	c.Mapping.Path = ExpandHome(c.Mapping.Path)

	if c.Classifier.NumericStrategy == "" {
		c.Classifier.NumericStrategy = DefaultNumericStrategy
	}

	if c.Checkpoint != nil {
		if c.Checkpoint.Path == "" {
			c.Checkpoint.Path = DefaultCheckpointPath
		}
		c.Checkpoint.Path = ExpandHome(c.Checkpoint.Path)
		if c.Checkpoint.Interval == 0 {
			c.Checkpoint.Interval = DefaultCheckpointInterval
		}
	}

	if c.Buffer == nil {
		c.Buffer = &BufferConfig{}
	}
	if c.Buffer.Size <= 0 {
		c.Buffer.Size = DefaultBufferSize
	}
	if c.Buffer.Strategy == "" {
		c.Buffer.Strategy = "drop"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Source.Path != "" && c.Source.Dir != "" {
		return fmt.Errorf("source: path and dir are mutually exclusive")
	}
	if c.Source.Path == "" && c.Source.Dir == "" {
		return fmt.Errorf("source: either path or dir must be configured")
	}
	if c.Source.Pattern != "" {
		if _, err := filepath.Match(c.Source.Pattern, ""); err != nil {
			return fmt.Errorf("source: invalid pattern %q: %w", c.Source.Pattern, err)
		}
	}
	if c.Source.PollInterval < 0 || c.Source.IdleInterval < 0 {
		return fmt.Errorf("source: intervals must not be negative")
	}

	if !strings.HasPrefix(c.Sink.Address, "http://") && !strings.HasPrefix(c.Sink.Address, "https://") {
		return fmt.Errorf("sink: address must be an http(s) URL: %s", c.Sink.Address)
	}
	if strings.TrimSpace(c.Sink.Game) == "" {
		return fmt.Errorf("sink: game identifier is required")
	}

	switch c.Classifier.NumericStrategy {
	case "token", "marker":
	default:
		return fmt.Errorf("classifier: invalid numeric strategy: %s", c.Classifier.NumericStrategy)
	}
	for i, rule := range c.Classifier.Rules {
		if rule.Kind == "" {
			return fmt.Errorf("classifier rule %d has no kind configured", i)
		}
		if len(rule.Keywords) == 0 && rule.Pattern == "" {
			return fmt.Errorf("classifier rule %d needs keywords or a pattern", i)
		}
	}

	if c.Buffer != nil {
		switch c.Buffer.Strategy {
		case "", "drop", "sample":
		default:
			return fmt.Errorf("buffer: invalid strategy: %s", c.Buffer.Strategy)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Metrics != nil && c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics: address is required when enabled")
	}
	if c.Health != nil && c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health: address is required when enabled")
	}

	return nil
}

// LoadOrDefault loads configuration from file or returns a default configuration
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// PlayerName returns the configured player name or the fallback default
func (c *Config) PlayerName() string {
	if name := strings.TrimSpace(c.Player.Name); name != "" {
		return name
	}
	return c.Player.DefaultName
}

// candidate Team Fortress 2 log folders, checked in order
func logDirCandidates() []string {
	candidates := []string{
		filepath.Join(os.Getenv("ProgramFiles(x86)"), "Steam", "steamapps", "common", "Team Fortress 2", "tf", "logs"),
		filepath.Join(os.Getenv("ProgramFiles"), "Steam", "steamapps", "common", "Team Fortress 2", "tf", "logs"),
		ExpandHome("~/.steam/steam/steamapps/common/Team Fortress 2/tf/logs"),
		ExpandHome("~/Steam/steamapps/common/Team Fortress 2/tf/logs"),
	}
	return candidates
}

// DiscoverLogDir returns the first existing Steam log folder, or a
// per-user fallback directory when none is installed.
func DiscoverLogDir() string {
	for _, dir := range logDirCandidates() {
		if !filepath.IsAbs(dir) {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ExpandHome("~/tf2logs")
}

// ExpandHome replaces a leading "~" with the user's home directory
func ExpandHome(path string) string {
	trimmed := strings.TrimSpace(path)
	if !strings.HasPrefix(trimmed, "~") {
		return trimmed
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return trimmed
	}
	return filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
}
